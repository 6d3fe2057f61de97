package services

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// PGDumper erzeugt das vollständige pg_dump-Backup der Quell-Datenbank.
// Das Backup ist Teil des Voll-Dumps und landet ausschließlich unter
// BACKUP_DIR.
type PGDumper struct {
	uri string
}

func NewPGDumper(uri string) *PGDumper {
	return &PGDumper{uri: uri}
}

// Dump schreibt ein pg_dump-Archiv im Custom-Format nach destPath und
// validiert anschließend, dass die Datei existiert und nicht leer ist.
func (pd *PGDumper) Dump(destPath string) error {
	if pd.uri == "" {
		return fmt.Errorf("db.uri nicht konfiguriert - pg_dump-Backup nicht möglich")
	}
	if _, err := exec.LookPath("pg_dump"); err != nil {
		return fmt.Errorf("pg_dump nicht im PATH: %w", err)
	}

	cmd := exec.Command("pg_dump",
		"--format=custom",
		"--no-owner",
		"--file="+destPath,
		"--dbname="+pd.uri,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pg_dump fehlgeschlagen: %w, Ausgabe: %s", err, string(output))
	}

	if err := validateDumpFile(destPath); err != nil {
		return err
	}

	slog.Info("pg_dump-Backup erstellt", "datei", destPath)
	return nil
}

// validateDumpFile prüft, dass die Dump-Datei existiert und Inhalt hat.
func validateDumpFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("pg_dump-Datei nicht gefunden: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("pg_dump-Datei ist leer")
	}
	return nil
}
