package services

import (
	"archive/tar"
	"bufio"
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Metadata files every dump directory carries. The checksum files are
// written last; the spool watcher keys on SHA256SUMS to detect a finished
// dump.
const (
	MD5SumsFile    = "MD5SUMS"
	SHA256SumsFile = "SHA256SUMS"
	DumpIDFile     = "DUMP_ID"
)

// Archiver packt Dump-Bäume in tar.zst-Archive. Die Kompression läuft mit
// der konfigurierten Parallelität (DUMP_THREADS).
type Archiver struct {
	threads int
}

func NewArchiver(threads int) *Archiver {
	if threads <= 0 {
		threads = 1
	}
	return &Archiver{threads: threads}
}

// CreateArchive packt den Inhalt von srcDir in ein tar.zst-Archiv. Die
// Einträge sind unter dem Basisnamen von srcDir verwurzelt, so dass das
// Archiv in ein einzelnes Verzeichnis entpackt.
func (a *Archiver) CreateArchive(archivePath, srcDir string) error {
	srcInfo, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("archiv-Quelle nicht lesbar: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("archiv-Quelle %s ist kein Verzeichnis", srcDir)
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("archiv-Datei konnte nicht erstellt werden: %w", err)
	}
	defer out.Close()

	encoder, err := zstd.NewWriter(out, zstd.WithEncoderConcurrency(a.threads))
	if err != nil {
		return fmt.Errorf("zstd-Encoder konnte nicht erstellt werden: %w", err)
	}

	tarWriter := tar.NewWriter(encoder)
	baseName := filepath.Base(srcDir)

	walkErr := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		// Nur reguläre Dateien und Verzeichnisse archivieren
		if !info.Mode().IsRegular() && !info.IsDir() {
			slog.Warn("Überspringe Spezialdatei im Dump-Baum", "pfad", path)
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("tar-Header für %s fehlgeschlagen: %w", rel, err)
		}
		if rel == "." {
			header.Name = baseName + "/"
		} else {
			header.Name = filepath.ToSlash(filepath.Join(baseName, rel))
			if info.IsDir() {
				header.Name += "/"
			}
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("tar-Header für %s nicht schreibbar: %w", rel, err)
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("fehler beim Öffnen von %s: %w", rel, err)
		}
		defer file.Close()

		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("fehler beim Archivieren von %s: %w", rel, err)
		}
		return nil
	})
	if walkErr != nil {
		tarWriter.Close()
		encoder.Close()
		return walkErr
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("tar-Abschluss fehlgeschlagen: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("zstd-Abschluss fehlgeschlagen: %w", err)
	}

	slog.Debug("Archiv erstellt", "archiv", archivePath, "quelle", srcDir)
	return nil
}

// hashFile berechnet MD5 und SHA256 einer Datei in einem Durchlauf.
func hashFile(path string) (md5Hex, sha256Hex string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("fehler beim Öffnen der Datei für Prüfsumme: %w", err)
	}
	defer file.Close()

	md5Hash := md5.New()
	sha256Hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(md5Hash, sha256Hash), file); err != nil {
		return "", "", fmt.Errorf("fehler beim Berechnen der Prüfsumme: %w", err)
	}

	return fmt.Sprintf("%x", md5Hash.Sum(nil)), fmt.Sprintf("%x", sha256Hash.Sum(nil)), nil
}

// WriteChecksums schreibt MD5SUMS und SHA256SUMS über alle regulären Dateien
// unter dir (außer den Prüfsummen-Dateien selbst) im coreutils-Format.
// Die Prüfsummen-Dateien entstehen zuletzt: ihr Erscheinen markiert den Dump
// als vollständig.
func WriteChecksums(dir string) error {
	files, err := checksumCandidates(dir)
	if err != nil {
		return err
	}

	var md5Lines, sha256Lines []string
	for _, rel := range files {
		md5Hex, sha256Hex, err := hashFile(filepath.Join(dir, rel))
		if err != nil {
			return err
		}
		md5Lines = append(md5Lines, fmt.Sprintf("%s  %s", md5Hex, rel))
		sha256Lines = append(sha256Lines, fmt.Sprintf("%s  %s", sha256Hex, rel))
	}

	if err := os.WriteFile(filepath.Join(dir, MD5SumsFile), []byte(strings.Join(md5Lines, "\n")+"\n"), 0644); err != nil {
		return fmt.Errorf("MD5SUMS nicht schreibbar: %w", err)
	}
	// SHA256SUMS als letztes - der Watcher wartet darauf
	if err := os.WriteFile(filepath.Join(dir, SHA256SumsFile), []byte(strings.Join(sha256Lines, "\n")+"\n"), 0644); err != nil {
		return fmt.Errorf("SHA256SUMS nicht schreibbar: %w", err)
	}

	slog.Debug("Prüfsummen geschrieben", "verzeichnis", dir, "dateien", len(files))
	return nil
}

// VerifyChecksums prüft jede in SHA256SUMS gelistete Datei und stellt sicher,
// dass kein Artefakt im Verzeichnis unerfasst ist. Dumps, die diese Prüfung
// nicht bestehen, werden weder veröffentlicht noch übertragen.
func VerifyChecksums(dir string) error {
	sumsPath := filepath.Join(dir, SHA256SumsFile)
	file, err := os.Open(sumsPath)
	if err != nil {
		return fmt.Errorf("SHA256SUMS nicht lesbar: %w", err)
	}
	defer file.Close()

	listed := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "  ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("ungültige Zeile in SHA256SUMS: %q", line)
		}
		wantSum, rel := parts[0], parts[1]

		_, gotSum, err := hashFile(filepath.Join(dir, rel))
		if err != nil {
			return fmt.Errorf("prüfsummen-Verifikation für %s fehlgeschlagen: %w", rel, err)
		}
		if gotSum != wantSum {
			return fmt.Errorf("prüfsummen-Mismatch für %s: erwartet %s, berechnet %s", rel, wantSum, gotSum)
		}
		listed[rel] = true
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("SHA256SUMS nicht lesbar: %w", err)
	}

	// Jedes Artefakt muss erfasst sein
	candidates, err := checksumCandidates(dir)
	if err != nil {
		return err
	}
	for _, rel := range candidates {
		if !listed[rel] {
			return fmt.Errorf("datei %s ist nicht in SHA256SUMS erfasst", rel)
		}
	}

	return nil
}

// checksumCandidates listet alle regulären Dateien unter dir relativ zu dir,
// ohne die Prüfsummen-Dateien selbst, sortiert.
func checksumCandidates(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == MD5SumsFile || rel == SHA256SumsFile {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dump-Verzeichnis nicht lesbar: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// WriteDumpID schreibt die DUMP_ID-Datei: eine Zeile "<ts> <id> <kind>".
func WriteDumpID(dir string, entry DumpEntry) error {
	line := fmt.Sprintf("%s %d %s\n", entry.Created.UTC().Format("20060102-150405"), entry.ID, entry.Kind)
	if err := os.WriteFile(filepath.Join(dir, DumpIDFile), []byte(line), 0644); err != nil {
		return fmt.Errorf("DUMP_ID nicht schreibbar: %w", err)
	}
	return nil
}
