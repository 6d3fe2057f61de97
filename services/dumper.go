package services

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/huhridge/listenbrainz-server/config"
)

// Artefakt-Präfixe innerhalb eines Dump-Verzeichnisses.
const (
	PublicDumpPrefix  = "listenbrainz-public-dump"
	ListensDumpPrefix = "listenbrainz-listens-dump"
	PrivateDumpPrefix = "listenbrainz-private-dump"
)

// DumpOptions steuert einen einzelnen Dump-Lauf.
type DumpOptions struct {
	// SkipBackup unterdrückt pg_dump und die private Backup-Kopie.
	SkipBackup bool
}

// Dumper erzeugt vollständige und inkrementelle Dumps. Tabellen-Export und
// zstd-Kompression laufen mit dump.threads Parallelität.
//
// Ein Voll-Dump baut den öffentlichen Baum unter dump.base-dir und den
// privaten Baum unter dump.private-base-dir auf; SHA256SUMS wird als letzte
// Datei geschrieben und markiert den Dump als vollständig.
type Dumper struct {
	cfg      config.DumpConfig
	registry *Registry
	tables   *TableExporter
	listens  *ListenExporter
	archiver *Archiver
	backup   *BackupManager
}

func NewDumper(db *sql.DB, registry *Registry, cfg config.DumpConfig, backup *BackupManager) *Dumper {
	return &Dumper{
		cfg:      cfg,
		registry: registry,
		tables:   NewTableExporter(db, cfg.Threads),
		listens:  NewListenExporter(db),
		archiver: NewArchiver(cfg.Threads),
		backup:   backup,
	}
}

// archiveName baut den Artefakt-Dateinamen, z.B.
// listenbrainz-public-dump-42-20240517-134502.tar.zst.
func archiveName(prefix string, entry DumpEntry) string {
	return fmt.Sprintf("%s-%d-%s.tar.zst", prefix, entry.ID, entry.Created.UTC().Format("20060102-150405"))
}

// CreateFull erzeugt einen Voll-Dump: öffentliche Tabellen, alle Listens
// (partitioniert nach Jahr-Monat), private Tabellen und die
// Backup-Artefakte. Schlägt ein Schritt fehl, wird der Dump als failed
// markiert und die unvollständigen Verzeichnisse werden entfernt.
func (d *Dumper) CreateFull(opts DumpOptions) (*DumpEntry, error) {
	start := time.Now()

	entry, err := d.registry.Begin(config.KindFull, start)
	if err != nil {
		return nil, err
	}

	publicDir := filepath.Join(d.cfg.BaseDir, entry.Name())
	privateDir := filepath.Join(d.cfg.PrivateBaseDir, entry.Name())

	if err := d.buildFull(entry, publicDir, privateDir, opts); err != nil {
		d.fail(entry, publicDir, privateDir)
		return nil, fmt.Errorf("voll-Dump %d fehlgeschlagen: %w", entry.ID, err)
	}

	if err := d.registry.Complete(entry.ID, publicDir); err != nil {
		return nil, err
	}
	entry.State = StateComplete
	entry.Path = publicDir

	slog.Info("Voll-Dump erstellt",
		"id", entry.ID,
		"verzeichnis", publicDir,
		"dauer", time.Since(start).Round(time.Millisecond))
	return entry, nil
}

func (d *Dumper) buildFull(entry *DumpEntry, publicDir, privateDir string, opts DumpOptions) error {
	for _, dir := range []string{publicDir, privateDir} {
		if err := ensureFreshDir(dir); err != nil {
			return err
		}
	}

	staging, err := os.MkdirTemp("", "listenbrainz-staging-")
	if err != nil {
		return fmt.Errorf("staging-Verzeichnis nicht erstellbar: %w", err)
	}
	defer os.RemoveAll(staging)

	// Öffentliche Tabellen als TSV
	if err := d.buildArchive(staging, publicDir, archiveName(PublicDumpPrefix, *entry), func(srcDir string) error {
		return d.tables.ExportTables(srcDir, PublicTables)
	}); err != nil {
		return err
	}

	// Alle Listens, partitioniert nach Jahr-Monat
	if err := d.buildArchive(staging, publicDir, archiveName(ListensDumpPrefix, *entry), func(srcDir string) error {
		count, err := d.listens.ExportFull(srcDir, entry.Created)
		if err == nil {
			slog.Info("Listens exportiert", "id", entry.ID, "anzahl", count)
		}
		return err
	}); err != nil {
		return err
	}

	// Private Tabellen, nur unter dump.private-base-dir
	if err := d.buildArchive(staging, privateDir, archiveName(PrivateDumpPrefix, *entry), func(srcDir string) error {
		return d.tables.ExportTables(srcDir, PrivateTables)
	}); err != nil {
		return err
	}

	for _, dir := range []string{publicDir, privateDir} {
		if err := WriteDumpID(dir, *entry); err != nil {
			return err
		}
	}

	// Der private Baum wird vor der Backup-Kopie abgeschlossen
	if err := WriteChecksums(privateDir); err != nil {
		return err
	}

	if opts.SkipBackup {
		slog.Info("Backup auf Wunsch übersprungen", "id", entry.ID)
	} else {
		if err := d.backup.BackupDatabase(entry.Name()); err != nil {
			return err
		}
		if err := d.backup.BackupPrivateTree(entry.Name(), privateDir); err != nil {
			return err
		}
	}

	// SHA256SUMS zuletzt: der Watcher wertet erst danach aus
	return WriteChecksums(publicDir)
}

// CreateIncremental erzeugt einen inkrementellen Dump: nur Listens im
// Fenster (created des letzten abgeschlossenen Dumps, jetzt]. Ohne
// Vorgänger beginnt das Fenster bei der Epoche.
func (d *Dumper) CreateIncremental(opts DumpOptions) (*DumpEntry, error) {
	start := time.Now()

	prev, err := d.registry.LatestAny()
	if err != nil {
		return nil, err
	}
	since := time.Unix(0, 0).UTC()
	if prev != nil {
		since = prev.Created
	} else {
		slog.Warn("Kein früherer Dump in der Registry - inkrementelles Fenster beginnt bei der Epoche")
	}

	entry, err := d.registry.Begin(config.KindIncremental, start)
	if err != nil {
		return nil, err
	}

	publicDir := filepath.Join(d.cfg.BaseDir, entry.Name())

	if err := d.buildIncremental(entry, publicDir, since); err != nil {
		d.fail(entry, publicDir)
		return nil, fmt.Errorf("inkrementeller Dump %d fehlgeschlagen: %w", entry.ID, err)
	}

	if err := d.registry.Complete(entry.ID, publicDir); err != nil {
		return nil, err
	}
	entry.State = StateComplete
	entry.Path = publicDir

	slog.Info("Inkrementeller Dump erstellt",
		"id", entry.ID,
		"verzeichnis", publicDir,
		"fenster_von", since.Format(time.RFC3339),
		"fenster_bis", entry.Created.Format(time.RFC3339),
		"dauer", time.Since(start).Round(time.Millisecond))
	return entry, nil
}

func (d *Dumper) buildIncremental(entry *DumpEntry, publicDir string, since time.Time) error {
	if err := ensureFreshDir(publicDir); err != nil {
		return err
	}

	staging, err := os.MkdirTemp("", "listenbrainz-staging-")
	if err != nil {
		return fmt.Errorf("staging-Verzeichnis nicht erstellbar: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := d.buildArchive(staging, publicDir, archiveName(ListensDumpPrefix, *entry), func(srcDir string) error {
		count, err := d.listens.ExportWindow(srcDir, since, entry.Created)
		if err == nil {
			slog.Info("Listens exportiert", "id", entry.ID, "anzahl", count)
		}
		return err
	}); err != nil {
		return err
	}

	if err := WriteDumpID(publicDir, *entry); err != nil {
		return err
	}

	// SHA256SUMS zuletzt: der Watcher wertet erst danach aus
	return WriteChecksums(publicDir)
}

// buildArchive lässt fill einen Staging-Unterbaum füllen und verpackt ihn
// als tar.zst in destDir. Das Wurzelverzeichnis im Archiv trägt den
// Artefakt-Namen ohne Endung.
func (d *Dumper) buildArchive(staging, destDir, fileName string, fill func(srcDir string) error) error {
	srcDir := filepath.Join(staging, strings.TrimSuffix(fileName, ".tar.zst"))
	if err := os.MkdirAll(srcDir, 0755); err != nil {
		return fmt.Errorf("staging-Unterverzeichnis nicht erstellbar: %w", err)
	}
	if err := fill(srcDir); err != nil {
		return err
	}
	return d.archiver.CreateArchive(filepath.Join(destDir, fileName), srcDir)
}

// ensureFreshDir legt dir an und schlägt fehl, wenn es bereits existiert.
// Ein vorhandener Dump wird nie überschrieben.
func ensureFreshDir(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("dump-Verzeichnis %s existiert bereits", dir)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("dump-Verzeichnis %s nicht prüfbar: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("dump-Verzeichnis %s nicht erstellbar: %w", dir, err)
	}
	return nil
}

func (d *Dumper) fail(entry *DumpEntry, dirs ...string) {
	if err := d.registry.MarkFailed(entry.ID); err != nil {
		slog.Error("Konnte Dump nicht als fehlgeschlagen markieren", "id", entry.ID, "fehler", err)
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("Konnte unvollständiges Dump-Verzeichnis nicht entfernen", "verzeichnis", dir, "fehler", err)
		}
	}
}
