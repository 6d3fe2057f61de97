package services

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// copyFile kopiert eine Datei und übernimmt Modus und Zeitstempel der
// Quelle. Fehler beim Setzen von Modus oder Zeitstempel werden nur geloggt.
func copyFile(srcPath, dstPath string, info os.FileInfo) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("fehler beim Erstellen des Zielverzeichnisses: %w", err)
	}

	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("fehler beim Öffnen der Quelldatei: %w", err)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("fehler beim Erstellen der Zieldatei: %w", err)
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("fehler beim Kopieren der Datei: %w", err)
	}

	if err := os.Chmod(dstPath, info.Mode()); err != nil {
		slog.Warn("Konnte Dateiberechtigungen nicht setzen", "datei", dstPath, "fehler", err)
	}
	if err := os.Chtimes(dstPath, info.ModTime(), info.ModTime()); err != nil {
		slog.Warn("Konnte Zeitstempel nicht setzen", "datei", dstPath, "fehler", err)
	}

	return nil
}

// copyTree kopiert einen Verzeichnisbaum rekursiv nach dstDir. dstDir darf
// noch nicht existieren oder leer sein; vorhandene Dateien werden
// überschrieben.
func copyTree(srcDir, dstDir string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("fehler beim Bestimmen des relativen Pfads: %w", err)
		}
		target := filepath.Join(dstDir, rel)

		if info.IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("fehler beim Erstellen des Zielverzeichnisses: %w", err)
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			slog.Warn("Überspringe irreguläre Datei", "datei", path)
			return nil
		}

		return copyFile(path, target, info)
	})
}
