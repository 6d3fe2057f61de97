package services

import (
	"bufio"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TableSpec beschreibt eine exportierte Tabelle: Zieldatei und die
// Spalten-Projektion, die hineingeschrieben wird.
type TableSpec struct {
	Name    string
	File    string
	Columns []string
}

// PublicTables sind die Tabellen des öffentlichen Dumps. Die user-Tabelle
// ist bereinigt: auth_token und Login-Daten erscheinen nie im öffentlichen
// Export.
var PublicTables = []TableSpec{
	{
		Name:    "user",
		File:    "user.tsv",
		Columns: []string{"id", "created", "musicbrainz_id"},
	},
	{
		Name:    "recording_feedback",
		File:    "recording_feedback.tsv",
		Columns: []string{"id", "user_id", "recording_msid", "score", "created"},
	},
	{
		Name:    "pinned_recording",
		File:    "pinned_recording.tsv",
		Columns: []string{"id", "user_id", "recording_msid", "blurb_content", "pinned_until", "created"},
	},
	{
		Name:    "user_relationship",
		File:    "user_relationship.tsv",
		Columns: []string{"user_0", "user_1", "relationship_type", "created"},
	},
}

// PrivateTables sind die Tabellen des privaten Dumps. Sie tragen
// Zugangsdaten und Moderations-Daten und verlassen nie den Backup-Pfad.
var PrivateTables = []TableSpec{
	{
		Name:    "user",
		File:    "user.tsv",
		Columns: []string{"id", "created", "musicbrainz_id", "auth_token", "last_login", "latest_import"},
	},
	{
		Name:    "reported_users",
		File:    "reported_users.tsv",
		Columns: []string{"id", "reporter_user_id", "reported_user_id", "reason", "created"},
	},
	{
		Name:    "hide_user_listen",
		File:    "hide_user_listen.tsv",
		Columns: []string{"id", "user_id", "recording_msid", "created"},
	},
}

// TableExporter schreibt Tabellen-Projektionen als TSV-Dateien (Postgres
// COPY-Textformat: Tab-getrennt, \N für NULL). Der Export läuft mit
// DUMP_THREADS parallelen Workern.
type TableExporter struct {
	db      *sql.DB
	threads int
}

func NewTableExporter(db *sql.DB, threads int) *TableExporter {
	if threads <= 0 {
		threads = 1
	}
	return &TableExporter{db: db, threads: threads}
}

// ExportTables exportiert alle Tabellen nach destDir. Vor dem ersten
// Schreibzugriff werden alle Projektionen gegen die Datenbank geprüft:
// eine unbekannte Tabelle oder Spalte bricht ab, bevor eine Datei entsteht.
func (te *TableExporter) ExportTables(destDir string, tables []TableSpec) error {
	for _, spec := range tables {
		if err := te.probeTable(spec); err != nil {
			return err
		}
	}

	jobs := make(chan TableSpec)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var exportErrors []error

	for i := 0; i < te.threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for spec := range jobs {
				if err := te.exportTable(destDir, spec); err != nil {
					mu.Lock()
					exportErrors = append(exportErrors, fmt.Errorf("tabelle %s: %w", spec.Name, err))
					mu.Unlock()
					slog.Error("Tabellen-Export fehlgeschlagen", "tabelle", spec.Name, "fehler", err)
				}
			}
		}()
	}

	for _, spec := range tables {
		jobs <- spec
	}
	close(jobs)
	wg.Wait()

	if len(exportErrors) > 0 {
		return fmt.Errorf("tabellen-Export fehlgeschlagen: %v", exportErrors)
	}
	return nil
}

// probeTable prüft die Projektion ohne Zeilen zu lesen.
func (te *TableExporter) probeTable(spec TableSpec) error {
	query := te.buildQuery(spec) + " WHERE 1 = 0"
	rows, err := te.db.Query(query)
	if err != nil {
		return fmt.Errorf("unbekannte Tabelle oder Projektion %s: %w", spec.Name, err)
	}
	return rows.Close()
}

func (te *TableExporter) buildQuery(spec TableSpec) string {
	quoted := make([]string, len(spec.Columns))
	for i, col := range spec.Columns {
		quoted[i] = quoteIdent(col)
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), quoteIdent(spec.Name))
}

// quoteIdent quotes an SQL identifier ("user" is a reserved word).
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (te *TableExporter) exportTable(destDir string, spec TableSpec) error {
	rows, err := te.db.Query(te.buildQuery(spec))
	if err != nil {
		return fmt.Errorf("abfrage fehlgeschlagen: %w", err)
	}
	defer rows.Close()

	file, err := os.Create(filepath.Join(destDir, spec.File))
	if err != nil {
		return fmt.Errorf("export-Datei konnte nicht erstellt werden: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)

	values := make([]interface{}, len(spec.Columns))
	valuePtrs := make([]interface{}, len(spec.Columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	var count int64
	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return fmt.Errorf("zeile nicht lesbar: %w", err)
		}

		fields := make([]string, len(values))
		for i, value := range values {
			fields[i] = formatTSVValue(value)
		}
		if _, err := writer.WriteString(strings.Join(fields, "\t") + "\n"); err != nil {
			return fmt.Errorf("fehler beim Schreiben der Export-Datei: %w", err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("abfrage abgebrochen: %w", err)
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("fehler beim Schreiben der Export-Datei: %w", err)
	}

	slog.Debug("Tabelle exportiert", "tabelle", spec.Name, "datei", spec.File, "zeilen", count)
	return nil
}

// formatTSVValue rendert einen Datenbank-Wert im COPY-Textformat.
func formatTSVValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return `\N`
	case []byte:
		return escapeTSV(string(v))
	case string:
		return escapeTSV(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return escapeTSV(fmt.Sprintf("%v", v))
	}
}

// escapeTSV escaped Tab, Zeilenumbruch und Backslash wie Postgres COPY.
func escapeTSV(s string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		"\t", `\t`,
		"\n", `\n`,
		"\r", `\r`,
	)
	return replacer.Replace(s)
}
