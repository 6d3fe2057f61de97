package services

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/huhridge/listenbrainz-server/config"
)

func setupTempDir(t *testing.T, prefix string) (string, func()) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", prefix)
	if err != nil {
		t.Fatalf("Fehler beim Erstellen des Testverzeichnisses: %v", err)
	}
	return tempDir, func() { os.RemoveAll(tempDir) }
}

// fakeProcessor sammelt verarbeitete Dump-Verzeichnisse.
type fakeProcessor struct {
	mutex     sync.Mutex
	processed []string
	err       error
}

func (fp *fakeProcessor) Process(dumpDir string) error {
	fp.mutex.Lock()
	defer fp.mutex.Unlock()
	fp.processed = append(fp.processed, dumpDir)
	return fp.err
}

func (fp *fakeProcessor) processedDirs() []string {
	fp.mutex.Lock()
	defer fp.mutex.Unlock()
	return append([]string(nil), fp.processed...)
}

func testSpoolConfig() config.SpoolConfig {
	cfg := config.SpoolConfig{
		Workers:   2,
		QueueSize: 16,
	}
	cfg.Stability.MaxRetries = 2
	cfg.Stability.CheckInterval = 10
	cfg.Stability.StabilityPeriod = 20
	return cfg
}

// makeCompletedDump legt ein Dump-Verzeichnis mit SHA256SUMS unter baseDir an.
func makeCompletedDump(t *testing.T, baseDir, name string) string {
	t.Helper()
	dumpDir := filepath.Join(baseDir, name)
	if err := os.MkdirAll(dumpDir, 0755); err != nil {
		t.Fatalf("Fehler beim Erstellen des Dump-Verzeichnisses: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dumpDir, DumpIDFile), []byte("20240517-134502 1 full\n"), 0644); err != nil {
		t.Fatalf("Fehler beim Erstellen der Testdatei: %v", err)
	}
	if err := WriteChecksums(dumpDir); err != nil {
		t.Fatalf("WriteChecksums() error = %v", err)
	}
	return dumpDir
}

func TestNewDumpWatcher(t *testing.T) {
	tempDir, cleanup := setupTempDir(t, "dump_watcher_test_*")
	defer cleanup()

	watcher, err := NewDumpWatcher(tempDir, &fakeProcessor{}, testSpoolConfig())
	if err != nil {
		t.Fatalf("NewDumpWatcher() error = %v", err)
	}
	defer watcher.watcher.Close()

	if watcher.baseDir != tempDir {
		t.Errorf("baseDir = %s, erwartet %s", watcher.baseDir, tempDir)
	}
	if watcher.maxRetries != 2 {
		t.Errorf("maxRetries = %d, erwartet 2", watcher.maxRetries)
	}
	if watcher.checkInterval != 10*time.Millisecond {
		t.Errorf("checkInterval = %v, erwartet 10ms", watcher.checkInterval)
	}
	if watcher.stabilityPeriod != 20*time.Millisecond {
		t.Errorf("stabilityPeriod = %v, erwartet 20ms", watcher.stabilityPeriod)
	}
	if watcher.QueueCapacity() != 16 {
		t.Errorf("Queue-Kapazität = %d, erwartet 16", watcher.QueueCapacity())
	}
	if watcher.WorkerCount() != 2 {
		t.Errorf("Worker = %d, erwartet 2", watcher.WorkerCount())
	}
	if watcher.inFlight == nil {
		t.Error("inFlight-Map sollte initialisiert sein")
	}
	if watcher.stopChan == nil {
		t.Error("stopChan sollte nicht nil sein")
	}
}

func TestDumpWatcher_HandleChecksumFile_Enqueues(t *testing.T) {
	tempDir, cleanup := setupTempDir(t, "dump_watcher_enqueue_*")
	defer cleanup()

	watcher, err := NewDumpWatcher(tempDir, &fakeProcessor{}, testSpoolConfig())
	if err != nil {
		t.Fatalf("NewDumpWatcher() error = %v", err)
	}
	defer watcher.watcher.Close()

	dumpDir := makeCompletedDump(t, tempDir, "listenbrainz-dump-1-20240517-134502-full")
	watcher.handleChecksumFile(filepath.Join(dumpDir, SHA256SumsFile))

	if got := watcher.QueueSize(); got != 1 {
		t.Errorf("Queue-Größe = %d, erwartet 1", got)
	}
}

func TestDumpWatcher_HandleChecksumFile_IgnoresForeignPaths(t *testing.T) {
	tempDir, cleanup := setupTempDir(t, "dump_watcher_foreign_*")
	defer cleanup()

	watcher, err := NewDumpWatcher(tempDir, &fakeProcessor{}, testSpoolConfig())
	if err != nil {
		t.Fatalf("NewDumpWatcher() error = %v", err)
	}
	defer watcher.watcher.Close()

	// SHA256SUMS direkt im Basis-Verzeichnis ist kein Dump
	rootSums := filepath.Join(tempDir, SHA256SumsFile)
	if err := os.WriteFile(rootSums, []byte("x\n"), 0644); err != nil {
		t.Fatalf("Fehler beim Erstellen der Testdatei: %v", err)
	}
	watcher.handleChecksumFile(rootSums)

	// Verzeichnisse ohne Dump-Präfix werden ignoriert
	foreignDir := filepath.Join(tempDir, "irgendein-verzeichnis")
	if err := os.MkdirAll(foreignDir, 0755); err != nil {
		t.Fatalf("Fehler beim Erstellen des Verzeichnisses: %v", err)
	}
	foreignSums := filepath.Join(foreignDir, SHA256SumsFile)
	if err := os.WriteFile(foreignSums, []byte("x\n"), 0644); err != nil {
		t.Fatalf("Fehler beim Erstellen der Testdatei: %v", err)
	}
	watcher.handleChecksumFile(foreignSums)

	if got := watcher.QueueSize(); got != 0 {
		t.Errorf("Queue-Größe = %d, erwartet 0", got)
	}
}

func TestDumpWatcher_InFlightDeduplication(t *testing.T) {
	tempDir, cleanup := setupTempDir(t, "dump_watcher_dedup_*")
	defer cleanup()

	watcher, err := NewDumpWatcher(tempDir, &fakeProcessor{}, testSpoolConfig())
	if err != nil {
		t.Fatalf("NewDumpWatcher() error = %v", err)
	}
	defer watcher.watcher.Close()

	dumpDir := makeCompletedDump(t, tempDir, "listenbrainz-dump-2-20240517-134502-full")
	sumsPath := filepath.Join(dumpDir, SHA256SumsFile)

	// CREATE, WRITE und CHMOD feuern für dieselbe Datei
	watcher.handleChecksumFile(sumsPath)
	watcher.handleChecksumFile(sumsPath)
	watcher.handleChecksumFile(sumsPath)

	if got := watcher.QueueSize(); got != 1 {
		t.Errorf("Queue-Größe = %d, erwartet 1 (Deduplizierung)", got)
	}

	// Nach Abschluss darf derselbe Dump wieder eingeplant werden
	watcher.clearInFlight(dumpDir)
	if !watcher.markInFlight(dumpDir) {
		t.Error("Dump sollte nach clearInFlight wieder reservierbar sein")
	}
}

func TestDumpWatcher_WorkersProcessQueue(t *testing.T) {
	tempDir, cleanup := setupTempDir(t, "dump_watcher_workers_*")
	defer cleanup()

	processor := &fakeProcessor{}
	watcher, err := NewDumpWatcher(tempDir, processor, testSpoolConfig())
	if err != nil {
		t.Fatalf("NewDumpWatcher() error = %v", err)
	}
	defer watcher.watcher.Close()

	first := makeCompletedDump(t, tempDir, "listenbrainz-dump-1-20240517-134502-full")
	second := makeCompletedDump(t, tempDir, "listenbrainz-dump-2-20240518-134502-incremental")

	watcher.launchWorkers()
	watcher.handleChecksumFile(filepath.Join(first, SHA256SumsFile))
	watcher.handleChecksumFile(filepath.Join(second, SHA256SumsFile))

	close(watcher.dumpQueue)
	watcher.workers.Wait()

	processed := processor.processedDirs()
	if len(processed) != 2 {
		t.Fatalf("verarbeitete Dumps = %v, erwartet 2", processed)
	}
	seen := map[string]bool{}
	for _, dir := range processed {
		seen[dir] = true
	}
	if !seen[first] || !seen[second] {
		t.Errorf("nicht alle Dumps verarbeitet: %v", processed)
	}
}

func TestDumpWatcher_ProcessExistingDumps(t *testing.T) {
	tempDir, cleanup := setupTempDir(t, "dump_watcher_existing_*")
	defer cleanup()

	watcher, err := NewDumpWatcher(tempDir, &fakeProcessor{}, testSpoolConfig())
	if err != nil {
		t.Fatalf("NewDumpWatcher() error = %v", err)
	}
	defer watcher.watcher.Close()

	makeCompletedDump(t, tempDir, "listenbrainz-dump-1-20240517-134502-full")
	makeCompletedDump(t, tempDir, "listenbrainz-dump-2-20240518-134502-incremental")

	// Unvollständiger Dump ohne SHA256SUMS wird nicht aufgegriffen
	incomplete := filepath.Join(tempDir, "listenbrainz-dump-3-20240519-134502-full")
	if err := os.MkdirAll(incomplete, 0755); err != nil {
		t.Fatalf("Fehler beim Erstellen des Verzeichnisses: %v", err)
	}

	// Fremde Verzeichnisse ebenfalls nicht
	if err := os.MkdirAll(filepath.Join(tempDir, "lost+found"), 0755); err != nil {
		t.Fatalf("Fehler beim Erstellen des Verzeichnisses: %v", err)
	}

	watcher.processExistingDumps()

	if got := watcher.QueueSize(); got != 2 {
		t.Errorf("Queue-Größe = %d, erwartet 2", got)
	}
}

func TestDumpWatcher_QueueCapacityWarning(t *testing.T) {
	tempDir, cleanup := setupTempDir(t, "dump_watcher_capacity_*")
	defer cleanup()

	cfg := testSpoolConfig()
	cfg.QueueSize = 5
	watcher, err := NewDumpWatcher(tempDir, &fakeProcessor{}, cfg)
	if err != nil {
		t.Fatalf("NewDumpWatcher() error = %v", err)
	}
	defer watcher.watcher.Close()

	// 4 von 5 Plätzen: 80% erreicht
	for i := 0; i < 4; i++ {
		watcher.dumpQueue <- filepath.Join(tempDir, "dump")
	}
	watcher.checkQueueCapacity()

	if !watcher.queueWarningLogged {
		t.Error("Warnung bei 80% Füllung erwartet")
	}

	// Nach dem Abarbeiten normalisiert sich die Queue
	for i := 0; i < 4; i++ {
		<-watcher.dumpQueue
	}
	watcher.checkQueueCapacity()

	if watcher.queueWarningLogged {
		t.Error("Entwarnung nach Leeren der Queue erwartet")
	}
}

func TestDumpWatcher_WaitUntilComplete(t *testing.T) {
	tempDir, cleanup := setupTempDir(t, "wait_complete_test_*")
	defer cleanup()

	watcher, err := NewDumpWatcher(tempDir, &fakeProcessor{}, testSpoolConfig())
	if err != nil {
		t.Fatalf("NewDumpWatcher() error = %v", err)
	}
	defer watcher.watcher.Close()

	t.Run("fertig geschriebene Datei", func(t *testing.T) {
		path := filepath.Join(tempDir, "stable.txt")
		if err := os.WriteFile(path, []byte("stable content"), 0644); err != nil {
			t.Fatalf("Fehler beim Erstellen der Testdatei: %v", err)
		}
		time.Sleep(50 * time.Millisecond)

		if err := watcher.waitUntilComplete(path); err != nil {
			t.Errorf("waitUntilComplete() error = %v", err)
		}
	})

	t.Run("nicht existierende Datei", func(t *testing.T) {
		if err := watcher.waitUntilComplete(filepath.Join(tempDir, "nonexistent.txt")); err == nil {
			t.Error("Fehler nach Ausschöpfen aller Versuche erwartet")
		}
	})
}

func TestDumpWatcher_StatUnchanged(t *testing.T) {
	tempDir, cleanup := setupTempDir(t, "file_stable_test_*")
	defer cleanup()

	watcher, err := NewDumpWatcher(tempDir, &fakeProcessor{}, testSpoolConfig())
	if err != nil {
		t.Fatalf("NewDumpWatcher() error = %v", err)
	}
	defer watcher.watcher.Close()

	stableFile := filepath.Join(tempDir, "stable.txt")
	if err := os.WriteFile(stableFile, []byte("stable content"), 0644); err != nil {
		t.Fatalf("Fehler beim Erstellen der Testdatei: %v", err)
	}

	if !watcher.statUnchanged(stableFile, 10*time.Millisecond) {
		t.Error("unveränderte Datei sollte als stabil gelten")
	}
	if watcher.statUnchanged(filepath.Join(tempDir, "nonexistent.txt"), 10*time.Millisecond) {
		t.Error("nicht existierende Datei darf nicht als stabil gelten")
	}
}

func TestDumpWatcher_FlockFree(t *testing.T) {
	tempDir, cleanup := setupTempDir(t, "exclusive_test_*")
	defer cleanup()

	watcher, err := NewDumpWatcher(tempDir, &fakeProcessor{}, testSpoolConfig())
	if err != nil {
		t.Fatalf("NewDumpWatcher() error = %v", err)
	}
	defer watcher.watcher.Close()

	filePath := filepath.Join(tempDir, "exclusive.txt")
	if err := os.WriteFile(filePath, []byte("content"), 0644); err != nil {
		t.Fatalf("Fehler beim Erstellen der Testdatei: %v", err)
	}

	if !watcher.flockFree(filePath) {
		t.Error("geschlossene Datei sollte sperrbar sein")
	}
	if watcher.flockFree(filepath.Join(tempDir, "nonexistent.txt")) {
		t.Error("nicht existierende Datei darf nicht als sperrbar gelten")
	}
}

func TestHarmlessProcess(t *testing.T) {
	tests := []struct {
		name     string
		harmless bool
	}{
		{"mds", true},
		{"mds_stores", true},
		{"mdworker", true},
		{"fseventsd", true},
		{"Finder", true},
		{"antivir", true},
		{"rsync", false},
		{"pg_dump", false},
		{"vim", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := harmlessProcess(tt.name); got != tt.harmless {
				t.Errorf("harmlessProcess(%s) = %v, erwartet %v", tt.name, got, tt.harmless)
			}
		})
	}
}

func TestDumpWatcher_ForeignProcessListed(t *testing.T) {
	tempDir, cleanup := setupTempDir(t, "lsof_parse_test_*")
	defer cleanup()

	watcher, err := NewDumpWatcher(tempDir, &fakeProcessor{}, testSpoolConfig())
	if err != nil {
		t.Fatalf("NewDumpWatcher() error = %v", err)
	}
	defer watcher.watcher.Close()

	const header = "COMMAND PID USER FD TYPE DEVICE SIZE/OFF NODE NAME\n"
	const sumsPath = "/data/dumps/SHA256SUMS"

	tests := []struct {
		name    string
		output  string
		foreign bool
	}{
		{
			name:    "nur Header",
			output:  "COMMAND PID USER FD TYPE DEVICE SIZE/OFF NODE NAME",
			foreign: false,
		},
		{
			name:    "leere Ausgabe",
			output:  "",
			foreign: false,
		},
		{
			name:    "harmloser Indexer",
			output:  header + "mds 123 root 1r REG 1,4 1024 12345 " + sumsPath,
			foreign: false,
		},
		{
			name:    "eigener Prozess",
			output:  header + fmt.Sprintf("dumpd %d root 1w REG 1,4 1024 12345 %s", os.Getpid(), sumsPath),
			foreign: false,
		},
		{
			name:    "fremder Schreiber",
			output:  header + "vim 9999 user 1w REG 1,4 1024 12345 " + sumsPath,
			foreign: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := watcher.foreignProcessListed(sumsPath, tt.output); got != tt.foreign {
				t.Errorf("foreignProcessListed() = %v, erwartet %v", got, tt.foreign)
			}
		})
	}
}
