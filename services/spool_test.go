package services

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/huhridge/listenbrainz-server/config"
)

type spoolEnv struct {
	registry  *Registry
	baseDir   string
	ftpDir    string
	processor *SpoolProcessor
}

func newSpoolEnv(t *testing.T) *spoolEnv {
	t.Helper()

	tempDir, cleanup := setupTempDir(t, "spool_test_*")
	t.Cleanup(cleanup)

	registry, err := OpenRegistry(filepath.Join(tempDir, ".dumps.db"))
	if err != nil {
		t.Fatalf("OpenRegistry() failed: %v", err)
	}
	t.Cleanup(func() { registry.Close() })

	baseDir := filepath.Join(tempDir, "dumps")
	ftpDir := filepath.Join(tempDir, "ftp")
	for _, dir := range []string{baseDir, ftpDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Fehler beim Erstellen des Verzeichnisses: %v", err)
		}
	}

	publisher, err := NewPublisher(config.FTPStaging{
		Dir:      ftpDir,
		DirMode:  "0755",
		FileMode: "0644",
	}, nil, nil)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	env := &spoolEnv{
		registry: registry,
		baseDir:  baseDir,
		ftpDir:   ftpDir,
	}
	// Transfer-Ziel nicht konfiguriert: Transfer ist ein No-op
	env.processor = NewSpoolProcessor(registry, publisher, NewTransferrer(config.RsyncConfig{}), nil)
	return env
}

// addCompleteDump registriert einen Dump und legt sein Verzeichnis mit
// Artefakt und gültigen Prüfsummen an.
func (env *spoolEnv) addCompleteDump(t *testing.T, kind config.DumpKind, created time.Time) (*DumpEntry, string) {
	t.Helper()

	entry, err := env.registry.Begin(kind, created)
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}

	dumpDir := filepath.Join(env.baseDir, entry.Name())
	if err := os.MkdirAll(dumpDir, 0755); err != nil {
		t.Fatalf("Fehler beim Erstellen des Dump-Verzeichnisses: %v", err)
	}
	archive := archiveName(ListensDumpPrefix, *entry)
	if err := os.WriteFile(filepath.Join(dumpDir, archive), []byte("archivdaten"), 0644); err != nil {
		t.Fatalf("Fehler beim Erstellen der Testdatei: %v", err)
	}
	if err := WriteDumpID(dumpDir, *entry); err != nil {
		t.Fatalf("WriteDumpID() error = %v", err)
	}
	if err := WriteChecksums(dumpDir); err != nil {
		t.Fatalf("WriteChecksums() error = %v", err)
	}

	if err := env.registry.Complete(entry.ID, dumpDir); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}
	entry.State = StateComplete
	entry.Path = dumpDir
	return entry, dumpDir
}

func TestParseDumpName(t *testing.T) {
	tests := []struct {
		name      string
		wantID    int64
		wantKind  config.DumpKind
		expectErr bool
	}{
		{name: "listenbrainz-dump-7-20240517-134502-full", wantID: 7, wantKind: config.KindFull},
		{name: "listenbrainz-dump-123-20240518-000000-incremental", wantID: 123, wantKind: config.KindIncremental},
		{name: "listenbrainz-dump-x-20240517-134502-full", expectErr: true},
		{name: "listenbrainz-dump-7-20240517-134502-weekly", expectErr: true},
		{name: "listenbrainz-dump-7-full", expectErr: true},
		{name: "irgendein-verzeichnis", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, kind, err := ParseDumpName(tt.name)
			if tt.expectErr {
				if err == nil {
					t.Errorf("ParseDumpName(%s) sollte fehlschlagen", tt.name)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDumpName(%s) error = %v", tt.name, err)
			}
			if id != tt.wantID {
				t.Errorf("ID = %d, erwartet %d", id, tt.wantID)
			}
			if kind != tt.wantKind {
				t.Errorf("Art = %s, erwartet %s", kind, tt.wantKind)
			}
		})
	}
}

func TestParseDumpName_RoundTrip(t *testing.T) {
	entry := DumpEntry{
		ID:      42,
		Kind:    config.KindIncremental,
		Created: time.Date(2024, 5, 17, 13, 45, 2, 0, time.UTC),
	}

	id, kind, err := ParseDumpName(entry.Name())
	if err != nil {
		t.Fatalf("ParseDumpName(%s) error = %v", entry.Name(), err)
	}
	if id != entry.ID || kind != entry.Kind {
		t.Errorf("Roundtrip = (%d, %s), erwartet (%d, %s)", id, kind, entry.ID, entry.Kind)
	}
}

func TestSpoolProcessor_Process_PublishesCompleteDump(t *testing.T) {
	env := newSpoolEnv(t)
	entry, dumpDir := env.addCompleteDump(t, config.KindFull, time.Date(2024, 5, 17, 13, 45, 2, 0, time.UTC))

	if err := env.processor.Process(dumpDir); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	stagedDir := filepath.Join(env.ftpDir, "fullexport", entry.Name())
	if _, err := os.Stat(filepath.Join(stagedDir, SHA256SumsFile)); err != nil {
		t.Errorf("Staging unvollständig: %v", err)
	}

	latest, err := os.ReadFile(filepath.Join(env.ftpDir, "fullexport", LatestFile))
	if err != nil {
		t.Fatalf("LATEST nicht lesbar: %v", err)
	}
	if strings.TrimSpace(string(latest)) != entry.Name() {
		t.Errorf("LATEST = %q, erwartet %q", strings.TrimSpace(string(latest)), entry.Name())
	}

	stored, err := env.registry.Entry(entry.ID)
	if err != nil {
		t.Fatalf("Entry() failed: %v", err)
	}
	if stored.State != StatePublished {
		t.Errorf("Zustand = %s, erwartet %s", stored.State, StatePublished)
	}
}

func TestSpoolProcessor_Process_RejectsForeignName(t *testing.T) {
	env := newSpoolEnv(t)

	if err := env.processor.Process(filepath.Join(env.baseDir, "kein-dump")); err == nil {
		t.Error("Process() sollte bei fremden Verzeichnisnamen fehlschlagen")
	}
}

func TestSpoolProcessor_Process_RejectsUnregisteredDump(t *testing.T) {
	env := newSpoolEnv(t)

	dumpDir := filepath.Join(env.baseDir, "listenbrainz-dump-99-20240517-134502-full")
	if err := os.MkdirAll(dumpDir, 0755); err != nil {
		t.Fatalf("Fehler beim Erstellen des Verzeichnisses: %v", err)
	}

	err := env.processor.Process(dumpDir)
	if err == nil {
		t.Fatal("Process() sollte bei unbekannter Dump-ID fehlschlagen")
	}
	if !strings.Contains(err.Error(), "nicht in der Registry") {
		t.Errorf("Fehlermeldung sollte auf die Registry verweisen: %v", err)
	}
}

func TestSpoolProcessor_Process_SkipsAlreadyPublished(t *testing.T) {
	env := newSpoolEnv(t)
	entry, dumpDir := env.addCompleteDump(t, config.KindFull, time.Date(2024, 5, 17, 13, 45, 2, 0, time.UTC))

	if err := env.registry.MarkPublished(entry.ID); err != nil {
		t.Fatalf("MarkPublished() failed: %v", err)
	}

	if err := env.processor.Process(dumpDir); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// Bereits veröffentlichte Dumps werden nicht erneut gestaged
	stagedDir := filepath.Join(env.ftpDir, "fullexport", entry.Name())
	if _, err := os.Stat(stagedDir); !os.IsNotExist(err) {
		t.Errorf("Staging sollte nicht existieren, stat = %v", err)
	}
}

func TestSpoolProcessor_Process_SkipsFailedDump(t *testing.T) {
	env := newSpoolEnv(t)
	entry, dumpDir := env.addCompleteDump(t, config.KindFull, time.Date(2024, 5, 17, 13, 45, 2, 0, time.UTC))

	if err := env.registry.MarkFailed(entry.ID); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	if err := env.processor.Process(dumpDir); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(env.ftpDir, "fullexport", entry.Name())); !os.IsNotExist(err) {
		t.Errorf("Fehlgeschlagene Dumps dürfen nicht gestaged werden, stat = %v", err)
	}
}

func TestSpoolProcessor_Process_ChecksumFailureKeepsState(t *testing.T) {
	env := newSpoolEnv(t)
	entry, dumpDir := env.addCompleteDump(t, config.KindFull, time.Date(2024, 5, 17, 13, 45, 2, 0, time.UTC))

	// Artefakt nach dem Schreiben der Prüfsummen manipulieren
	if err := os.WriteFile(filepath.Join(dumpDir, DumpIDFile), []byte("manipuliert\n"), 0644); err != nil {
		t.Fatalf("Fehler beim Manipulieren der Testdatei: %v", err)
	}

	err := env.processor.Process(dumpDir)
	if err == nil {
		t.Fatal("Process() sollte bei Prüfsummen-Fehler fehlschlagen")
	}
	if !strings.Contains(err.Error(), "fehlgeschlagen") {
		t.Errorf("unerwartete Fehlermeldung: %v", err)
	}

	stored, err := env.registry.Entry(entry.ID)
	if err != nil {
		t.Fatalf("Entry() failed: %v", err)
	}
	if stored.State != StateComplete {
		t.Errorf("Zustand = %s, erwartet %s (für erneuten Versuch)", stored.State, StateComplete)
	}
}

func TestSpoolProcessor_Process_IncrementalUsesOwnSubdir(t *testing.T) {
	env := newSpoolEnv(t)
	entry, dumpDir := env.addCompleteDump(t, config.KindIncremental, time.Date(2024, 5, 18, 0, 0, 0, 0, time.UTC))

	if err := env.processor.Process(dumpDir); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(env.ftpDir, "incremental", entry.Name())); err != nil {
		t.Errorf("Inkrementeller Dump nicht im incremental-Staging: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.ftpDir, "fullexport")); !os.IsNotExist(err) {
		t.Errorf("fullexport-Staging sollte leer bleiben, stat = %v", err)
	}
}
