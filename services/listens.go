package services

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Listen ist eine Zeile des Listen-Exports (JSON Lines). listened_at ist ein
// Unix-Zeitstempel in Sekunden, track_metadata das rohe JSON aus der
// Datenbank.
type Listen struct {
	ListenedAt    int64           `json:"listened_at"`
	UserID        int64           `json:"user_id"`
	RecordingMSID string          `json:"recording_msid,omitempty"`
	TrackMetadata json.RawMessage `json:"track_metadata,omitempty"`
}

// ListenExporter exportiert die listen-Tabelle. Voll-Exporte partitionieren
// nach Jahr-Monat, Inkremental-Exporte schreiben eine einzelne Datei über
// ihr Zeitfenster.
type ListenExporter struct {
	db *sql.DB
}

func NewListenExporter(db *sql.DB) *ListenExporter {
	return &ListenExporter{db: db}
}

const listenQuery = `SELECT listened_at, user_id, recording_msid, data FROM listen
	WHERE listened_at > ? AND listened_at <= ?
	ORDER BY listened_at`

// ExportWindow schreibt alle Listens im halboffenen Fenster (since, until]
// als listens.jsonl nach destDir. Ein leeres Fenster erzeugt eine leere,
// gültige Datei.
func (le *ListenExporter) ExportWindow(destDir string, since, until time.Time) (int64, error) {
	file, err := os.Create(filepath.Join(destDir, "listens.jsonl"))
	if err != nil {
		return 0, fmt.Errorf("listen-Export-Datei konnte nicht erstellt werden: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	count, err := le.writeListens(writer, since, until, nil)
	if err != nil {
		return count, err
	}
	if err := writer.Flush(); err != nil {
		return count, fmt.Errorf("fehler beim Schreiben des Listen-Exports: %w", err)
	}

	slog.Debug("Listen-Fenster exportiert", "von", since.UTC(), "bis", until.UTC(), "listens", count)
	return count, nil
}

// ExportFull schreibt alle Listens bis einschließlich until nach destDir,
// partitioniert in <JJJJ-MM>.jsonl-Dateien.
func (le *ListenExporter) ExportFull(destDir string, until time.Time) (int64, error) {
	partitions := make(map[string]*bufio.Writer)
	files := make(map[string]*os.File)
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	partitionFor := func(listenedAt int64) (*bufio.Writer, error) {
		key := time.Unix(listenedAt, 0).UTC().Format("2006-01")
		if writer, ok := partitions[key]; ok {
			return writer, nil
		}
		file, err := os.Create(filepath.Join(destDir, key+".jsonl"))
		if err != nil {
			return nil, fmt.Errorf("partition %s konnte nicht erstellt werden: %w", key, err)
		}
		files[key] = file
		partitions[key] = bufio.NewWriter(file)
		return partitions[key], nil
	}

	count, err := le.writeListens(nil, time.Unix(0, 0), until, partitionFor)
	if err != nil {
		return count, err
	}

	for key, writer := range partitions {
		if err := writer.Flush(); err != nil {
			return count, fmt.Errorf("partition %s nicht schreibbar: %w", key, err)
		}
	}

	slog.Debug("Voll-Listen-Export geschrieben", "listens", count, "partitionen", len(partitions))
	return count, nil
}

// writeListens streamt das Abfrage-Ergebnis. Entweder ist out gesetzt (eine
// Zieldatei) oder partitionFor liefert pro Listen den Ziel-Writer.
func (le *ListenExporter) writeListens(out *bufio.Writer, since, until time.Time, partitionFor func(int64) (*bufio.Writer, error)) (int64, error) {
	rows, err := le.db.Query(listenQuery, since.Unix(), until.Unix())
	if err != nil {
		return 0, fmt.Errorf("listen-Abfrage fehlgeschlagen: %w", err)
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		var (
			listen Listen
			msid   sql.NullString
			data   []byte
		)
		if err := rows.Scan(&listen.ListenedAt, &listen.UserID, &msid, &data); err != nil {
			return count, fmt.Errorf("listen-Zeile nicht lesbar: %w", err)
		}
		if msid.Valid {
			listen.RecordingMSID = msid.String
		}
		if len(data) > 0 {
			if !json.Valid(data) {
				return count, fmt.Errorf("ungültige track_metadata für Listen bei %d", listen.ListenedAt)
			}
			listen.TrackMetadata = json.RawMessage(data)
		}

		writer := out
		if partitionFor != nil {
			writer, err = partitionFor(listen.ListenedAt)
			if err != nil {
				return count, err
			}
		}

		line, err := json.Marshal(listen)
		if err != nil {
			return count, fmt.Errorf("listen nicht serialisierbar: %w", err)
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			return count, fmt.Errorf("fehler beim Schreiben des Listen-Exports: %w", err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("listen-Abfrage abgebrochen: %w", err)
	}

	return count, nil
}
