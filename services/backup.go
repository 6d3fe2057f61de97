package services

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/huhridge/listenbrainz-server/config"
)

// DatabaseBackupFile ist der Dateiname des pg_dump-Backups innerhalb des
// Backup-Verzeichnisses eines Dumps.
const DatabaseBackupFile = "listenbrainz-db.pgdump"

// BackupManager legt Datenbank-Backups und Kopien des privaten Baums unter
// den Backup-Verzeichnissen ab. Beide Bäume bekommen die strikten
// Backup-Berechtigungen (0700/0600).
type BackupManager struct {
	cfg      config.BackupConfig
	pgDumper *PGDumper
	applier  *PermissionApplier
}

func NewBackupManager(cfg config.BackupConfig, pgDumper *PGDumper) (*BackupManager, error) {
	perms, err := cfg.Permissions()
	if err != nil {
		return nil, fmt.Errorf("backup-Berechtigungen ungültig: %w", err)
	}
	applier, err := NewPermissionApplier(perms, cfg.Strict)
	if err != nil {
		return nil, err
	}
	return &BackupManager{cfg: cfg, pgDumper: pgDumper, applier: applier}, nil
}

// BackupDatabase schreibt ein pg_dump-Backup nach BACKUP_DIR/<name>/.
// Schlägt pg_dump fehl, bricht der aufrufende Full-Dump ab.
func (bm *BackupManager) BackupDatabase(name string) error {
	destDir := filepath.Join(bm.cfg.Dir, name)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("fehler beim Erstellen des Backup-Verzeichnisses: %w", err)
	}

	if err := bm.pgDumper.Dump(filepath.Join(destDir, DatabaseBackupFile)); err != nil {
		return err
	}

	if err := bm.applier.ApplyTree(destDir); err != nil {
		return fmt.Errorf("backup-Berechtigungen nicht anwendbar: %w", err)
	}

	slog.Info("Datenbank-Backup abgelegt", "verzeichnis", destDir)
	return nil
}

// BackupPrivateTree kopiert den privaten Dump-Baum nach
// PRIVATE_BACKUP_DIR/<name>/.
func (bm *BackupManager) BackupPrivateTree(name, srcDir string) error {
	destDir := filepath.Join(bm.cfg.PrivateDir, name)
	if err := copyTree(srcDir, destDir); err != nil {
		return fmt.Errorf("kopieren des privaten Baums fehlgeschlagen: %w", err)
	}

	if err := bm.applier.ApplyTree(destDir); err != nil {
		return fmt.Errorf("backup-Berechtigungen nicht anwendbar: %w", err)
	}

	slog.Info("Privater Baum ins Backup kopiert", "quelle", srcDir, "verzeichnis", destDir)
	return nil
}
