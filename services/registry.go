package services

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/huhridge/listenbrainz-server/config"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL embed.FS

// Dump states as tracked in the registry.
const (
	StateInProgress = "in_progress"
	StateComplete   = "complete"
	StatePublished  = "published"
	StateFailed     = "failed"
)

// DumpEntry is one row of the dump registry.
type DumpEntry struct {
	ID      int64
	Kind    config.DumpKind
	Created time.Time
	Path    string
	State   string
}

// Name returns the canonical dump directory name for this entry:
// listenbrainz-dump-<id>-<YYYYMMDD-HHMMSS>-<kind>.
func (e DumpEntry) Name() string {
	return fmt.Sprintf("listenbrainz-dump-%d-%s-%s", e.ID, e.Created.UTC().Format("20060102-150405"), e.Kind)
}

// ParseDumpName extracts ID and kind from a canonical dump directory name.
func ParseDumpName(name string) (int64, config.DumpKind, error) {
	rest, ok := strings.CutPrefix(name, "listenbrainz-dump-")
	if !ok {
		return 0, "", fmt.Errorf("kein Dump-Verzeichnisname: %s", name)
	}
	parts := strings.Split(rest, "-")
	if len(parts) != 4 {
		return 0, "", fmt.Errorf("kein Dump-Verzeichnisname: %s", name)
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("ungültige Dump-ID in %s: %w", name, err)
	}
	kind, err := config.ParseKind(parts[3])
	if err != nil {
		return 0, "", fmt.Errorf("ungültige Dump-Art in %s: %w", name, err)
	}
	return id, kind, nil
}

// Registry is the local sqlite bookkeeping of every dump the pipeline has
// produced. IDs are allocated here and are strictly increasing.
type Registry struct {
	db   *sql.DB
	path string
}

// OpenRegistry opens (or creates) the registry database and applies the
// embedded schema.
func OpenRegistry(path string) (*Registry, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("registry-Verzeichnis konnte nicht erstellt werden: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("registry konnte nicht geöffnet werden: %w", err)
	}

	schema, err := schemaSQL.ReadFile("schema.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("eingebettetes Schema nicht lesbar: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry-Schema konnte nicht angewendet werden: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = FULL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma fehlgeschlagen (%s): %w", pragma, err)
		}
	}

	slog.Debug("Dump-Registry geöffnet", "path", path)
	return &Registry{db: db, path: path}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Ping checks that the registry is reachable. Used by the health monitor.
func (r *Registry) Ping() error {
	var one int
	if err := r.db.QueryRow("SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("registry nicht erreichbar: %w", err)
	}
	return nil
}

// Begin allocates a new dump ID and records the run as in_progress.
func (r *Registry) Begin(kind config.DumpKind, created time.Time) (*DumpEntry, error) {
	result, err := r.db.Exec(
		`INSERT INTO dump (kind, created, state) VALUES (?, ?, ?)`,
		kind.String(), created.UTC().Format(time.RFC3339Nano), StateInProgress,
	)
	if err != nil {
		return nil, fmt.Errorf("dump konnte nicht registriert werden: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("dump-ID konnte nicht ermittelt werden: %w", err)
	}
	return &DumpEntry{
		ID:      id,
		Kind:    kind,
		Created: created.UTC(),
		State:   StateInProgress,
	}, nil
}

// Complete marks a dump as finished and records where it lives on disk.
func (r *Registry) Complete(id int64, path string) error {
	return r.setState(id, StateComplete, &path)
}

// MarkPublished marks a dump as staged and transferred.
func (r *Registry) MarkPublished(id int64) error {
	return r.setState(id, StatePublished, nil)
}

// MarkFailed marks a dump run as failed. The on-disk remains are left for
// inspection and picked up by cleanup.
func (r *Registry) MarkFailed(id int64) error {
	return r.setState(id, StateFailed, nil)
}

func (r *Registry) setState(id int64, state string, path *string) error {
	var (
		result sql.Result
		err    error
	)
	if path != nil {
		result, err = r.db.Exec(`UPDATE dump SET state = ?, path = ? WHERE id = ?`, state, *path, id)
	} else {
		result, err = r.db.Exec(`UPDATE dump SET state = ? WHERE id = ?`, state, id)
	}
	if err != nil {
		return fmt.Errorf("dump %d konnte nicht auf %s gesetzt werden: %w", id, state, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("dump %d nicht in der Registry", id)
	}
	return nil
}

// Entry returns a single registry row.
func (r *Registry) Entry(id int64) (*DumpEntry, error) {
	row := r.db.QueryRow(`SELECT id, kind, created, path, state FROM dump WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dump %d nicht in der Registry", id)
	}
	return entry, err
}

// Latest returns the newest complete or published dump of the given kind,
// or nil when none exists.
func (r *Registry) Latest(kind config.DumpKind) (*DumpEntry, error) {
	row := r.db.QueryRow(
		`SELECT id, kind, created, path, state FROM dump
		 WHERE kind = ? AND state IN (?, ?)
		 ORDER BY id DESC LIMIT 1`,
		kind.String(), StateComplete, StatePublished,
	)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// LatestAny returns the newest complete or published dump of any kind, or
// nil when none exists. Incremental dump windows start here.
func (r *Registry) LatestAny() (*DumpEntry, error) {
	row := r.db.QueryRow(
		`SELECT id, kind, created, path, state FROM dump
		 WHERE state IN (?, ?)
		 ORDER BY id DESC LIMIT 1`,
		StateComplete, StatePublished,
	)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// List returns the newest entries, most recent first. limit <= 0 lists all.
func (r *Registry) List(limit int) ([]DumpEntry, error) {
	query := `SELECT id, kind, created, path, state FROM dump ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry-Abfrage fehlgeschlagen: %w", err)
	}
	defer rows.Close()

	var entries []DumpEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Prunable returns the entries Prune would remove, without removing them.
// Used for cleanup dry runs.
func (r *Registry) Prunable(keepFull, keepIncremental int) ([]DumpEntry, error) {
	return prunableEntries(r.db, keepFull, keepIncremental)
}

// Prune removes registry rows beyond the configured retention, keeping the
// newest keepFull full dumps and keepIncremental incrementals. Rows in state
// in_progress are never pruned. The removed entries are returned so the
// caller can delete the matching dump directories.
func (r *Registry) Prune(keepFull, keepIncremental int) ([]DumpEntry, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("registry-Transaktion fehlgeschlagen: %w", err)
	}
	defer tx.Rollback()

	pruned, err := prunableEntries(tx, keepFull, keepIncremental)
	if err != nil {
		return nil, err
	}

	stmt, err := tx.Prepare(`DELETE FROM dump WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	for _, entry := range pruned {
		if _, err := stmt.Exec(entry.ID); err != nil {
			return nil, fmt.Errorf("registry-Eintrag %d konnte nicht entfernt werden: %w", entry.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("prune-Commit fehlgeschlagen: %w", err)
	}
	return pruned, nil
}

type querier interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

func prunableEntries(q querier, keepFull, keepIncremental int) ([]DumpEntry, error) {
	var prunable []DumpEntry

	for _, class := range []struct {
		kind config.DumpKind
		keep int
	}{
		{config.KindFull, keepFull},
		{config.KindIncremental, keepIncremental},
	} {
		if class.keep < 0 {
			continue
		}
		rows, err := q.Query(
			`SELECT id, kind, created, path, state FROM dump
			 WHERE kind = ? AND state != ?
			 AND id NOT IN (
			     SELECT id FROM dump WHERE kind = ? AND state != ?
			     ORDER BY id DESC LIMIT ?
			 )
			 ORDER BY id`,
			class.kind.String(), StateInProgress,
			class.kind.String(), StateInProgress, class.keep,
		)
		if err != nil {
			return nil, fmt.Errorf("prune-Abfrage fehlgeschlagen: %w", err)
		}
		for rows.Next() {
			entry, err := scanEntry(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			prunable = append(prunable, *entry)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return prunable, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*DumpEntry, error) {
	var (
		entry      DumpEntry
		kindStr    string
		createdStr string
	)
	if err := row.Scan(&entry.ID, &kindStr, &createdStr, &entry.Path, &entry.State); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("registry-Zeile nicht lesbar: %w", err)
	}

	kind, err := config.ParseKind(kindStr)
	if err != nil {
		return nil, err
	}
	entry.Kind = kind

	created, err := time.Parse(time.RFC3339Nano, createdStr)
	if err != nil {
		return nil, fmt.Errorf("registry-Zeitstempel nicht lesbar: %w", err)
	}
	entry.Created = created

	return &entry, nil
}
