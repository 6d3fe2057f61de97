package services

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/huhridge/listenbrainz-server/config"
)

// Cleaner setzt die Aufbewahrungsregeln durch: die neuesten retention.full
// Voll-Dumps und retention.incremental Inkremental-Dumps bleiben erhalten,
// alles Ältere verschwindet aus Registry, Dump-Bäumen und FTP-Staging.
// Backups werden auf retention.backup Stände gestutzt. Laufende Dumps
// (in_progress) werden nie angefasst.
type Cleaner struct {
	registry  *Registry
	dumpCfg   config.DumpConfig
	backupCfg config.BackupConfig
	ftpCfg    config.FTPStaging
	retention config.RetentionConfig
}

func NewCleaner(registry *Registry, dumpCfg config.DumpConfig, backupCfg config.BackupConfig, ftpCfg config.FTPStaging, retention config.RetentionConfig) *Cleaner {
	return &Cleaner{
		registry:  registry,
		dumpCfg:   dumpCfg,
		backupCfg: backupCfg,
		ftpCfg:    ftpCfg,
		retention: retention,
	}
}

// Run entfernt alles jenseits der Aufbewahrung. Mit dryRun wird nur
// protokolliert, was entfernt würde; Registry und Dateisystem bleiben
// unverändert.
func (c *Cleaner) Run(dryRun bool) error {
	start := time.Now()

	var (
		pruned []DumpEntry
		err    error
	)
	if dryRun {
		pruned, err = c.registry.Prunable(c.retention.Full, c.retention.Incremental)
	} else {
		pruned, err = c.registry.Prune(c.retention.Full, c.retention.Incremental)
	}
	if err != nil {
		return err
	}

	var cleanupErrors []error
	for _, entry := range pruned {
		for _, dir := range c.dumpDirs(entry) {
			if dryRun {
				slog.Info("Würde Dump-Verzeichnis entfernen", "verzeichnis", dir)
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				cleanupErrors = append(cleanupErrors, fmt.Errorf("%s: %w", dir, err))
			}
		}
		if !dryRun {
			slog.Info("Dump entfernt", "dump", entry.Name(), "art", entry.Kind.String())
		}
	}

	for _, dir := range []string{c.backupCfg.Dir, c.backupCfg.PrivateDir} {
		if err := c.pruneBackups(dir, c.retention.Backup, dryRun); err != nil {
			cleanupErrors = append(cleanupErrors, err)
		}
	}

	if len(cleanupErrors) > 0 {
		return fmt.Errorf("cleanup unvollständig: %v", cleanupErrors)
	}

	slog.Info("Cleanup abgeschlossen",
		"entfernte_dumps", len(pruned),
		"dry_run", dryRun,
		"dauer", time.Since(start).String())
	return nil
}

// dumpDirs nennt alle Verzeichnisse, die ein aussortierter Dump auf der
// Platte belegen kann. Nicht vorhandene Verzeichnisse sind kein Fehler.
func (c *Cleaner) dumpDirs(entry DumpEntry) []string {
	name := entry.Name()

	publicDir := entry.Path
	if publicDir == "" {
		publicDir = filepath.Join(c.dumpCfg.BaseDir, name)
	}

	dirs := []string{
		publicDir,
		filepath.Join(c.ftpCfg.Dir, StageSubdir(entry.Kind), name),
	}
	if entry.Kind == config.KindFull {
		dirs = append(dirs, filepath.Join(c.dumpCfg.PrivateBaseDir, name))
	}
	return dirs
}

// pruneBackups behält die neuesten keep Backup-Stände unter dir. Fremde
// Verzeichnisse ohne Dump-Namen bleiben unberührt.
func (c *Cleaner) pruneBackups(dir string, keep int, dryRun bool) error {
	if keep < 0 || dir == "" {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("backup-Verzeichnis %s nicht lesbar: %w", dir, err)
	}

	type backupDir struct {
		name string
		id   int64
	}
	var backups []backupDir
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, _, err := ParseDumpName(entry.Name())
		if err != nil {
			continue
		}
		backups = append(backups, backupDir{name: entry.Name(), id: id})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].id > backups[j].id })
	if keep > len(backups) {
		keep = len(backups)
	}

	for _, backup := range backups[keep:] {
		target := filepath.Join(dir, backup.name)
		if dryRun {
			slog.Info("Würde Backup entfernen", "verzeichnis", target)
			continue
		}
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("backup %s konnte nicht entfernt werden: %w", target, err)
		}
		slog.Info("Backup entfernt", "verzeichnis", target)
	}
	return nil
}
