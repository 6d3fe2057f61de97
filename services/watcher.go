package services

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/huhridge/listenbrainz-server/config"
)

// DumpProcessor verarbeitet ein abgeschlossenes Dump-Verzeichnis
// (verifizieren, veröffentlichen, übertragen, Registry aktualisieren).
type DumpProcessor interface {
	Process(dumpDir string) error
}

// DumpWatcher beobachtet dump.base-dir. Ein Dump gilt als abgeschlossen,
// sobald seine SHA256SUMS-Datei erscheint und stabil ist; er wandert dann in
// die Warteschlange des Worker-Pools.
type DumpWatcher struct {
	watcher         *fsnotify.Watcher
	baseDir         string
	processor       DumpProcessor
	stopChan        chan bool
	maxRetries      int
	checkInterval   time.Duration
	stabilityPeriod time.Duration
	lsofAvailable   bool
	// Worker-Pool für die parallele Verarbeitung
	dumpQueue   chan string
	workerCount int
	workers     sync.WaitGroup
	// Warn-Hysterese für die Füllstandsüberwachung
	queueCapacity      int
	queueWarningLogged bool
	queueMutex         sync.Mutex
	// Dumps, die gerade in der Warteschlange oder in Verarbeitung sind
	inFlight      map[string]struct{}
	inFlightMutex sync.Mutex
}

func NewDumpWatcher(baseDir string, processor DumpProcessor, cfg config.SpoolConfig) (*DumpWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dw := &DumpWatcher{
		watcher:         watcher,
		baseDir:         baseDir,
		processor:       processor,
		stopChan:        make(chan bool),
		maxRetries:      cfg.Stability.MaxRetries,
		checkInterval:   time.Duration(cfg.Stability.CheckInterval) * time.Millisecond,
		stabilityPeriod: time.Duration(cfg.Stability.StabilityPeriod) * time.Millisecond,
		dumpQueue:       make(chan string, cfg.QueueSize),
		workerCount:     cfg.Workers,
		queueCapacity:   cfg.QueueSize,
		inFlight:        make(map[string]struct{}),
	}
	dw.lsofAvailable = lsofPresent()

	return dw, nil
}

func (dw *DumpWatcher) Start() error {
	// Register watcher for the dump directory tree
	err := dw.addRecursiveWatcher(dw.baseDir)
	if err != nil {
		return err
	}

	slog.Info("Dump-Watcher gestartet", "verzeichnis", dw.baseDir)

	// Pick up dumps that were completed while the daemon was down
	go dw.processExistingDumps()

	dw.launchWorkers()

	// Event-Loop
	for {
		select {
		case <-dw.stopChan:
			slog.Info("Dump-Watcher gestoppt")
			return nil

		case event, ok := <-dw.watcher.Events:
			if !ok {
				return nil
			}
			dw.handleEvent(event)

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("Dump-Watcher Fehler", "fehler", err)
		}
	}
}

// Stop drains the queue: no new dumps are accepted, queued dumps are still
// processed before the watcher shuts down.
func (dw *DumpWatcher) Stop() {
	close(dw.dumpQueue)
	dw.workers.Wait()
	dw.stopChan <- true
	err := dw.watcher.Close()
	if err != nil {
		slog.Error("Fehler beim Schließen des Watchers", "fehler", err)
	}
	slog.Info("Dump-Watcher vollständig gestoppt")
}

func (dw *DumpWatcher) addRecursiveWatcher(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return dw.watcher.Add(path)
		}
		return nil
	})
}

func (dw *DumpWatcher) handleEvent(event fsnotify.Event) {
	slog.Debug("File-System Event empfangen", "event", event.Name, "op", event.Op)

	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Chmod) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		slog.Debug("Stat nach Event fehlgeschlagen", "datei", event.Name, "fehler", err)
		return
	}

	if info.IsDir() {
		// Neue Dump-Verzeichnisse mitbeobachten, damit wir ihr SHA256SUMS sehen
		if event.Op.Has(fsnotify.Create) {
			if err := dw.watcher.Add(event.Name); err != nil {
				slog.Error("Watch für neues Verzeichnis fehlgeschlagen", "verzeichnis", event.Name, "fehler", err)
			}
		}
		return
	}

	// Erst die Prüfsummen-Datei markiert einen Dump als abgeschlossen
	if filepath.Base(event.Name) == SHA256SumsFile {
		dw.handleChecksumFile(event.Name)
	}
}

// handleChecksumFile prüft Stabilität der SHA256SUMS-Datei und stellt das
// zugehörige Dump-Verzeichnis in die Warteschlange.
func (dw *DumpWatcher) handleChecksumFile(sumsPath string) {
	if _, err := os.Stat(sumsPath); os.IsNotExist(err) {
		slog.Debug("SHA256SUMS existiert nicht mehr", "datei", sumsPath)
		return
	}

	dumpDir := filepath.Dir(sumsPath)
	if dumpDir == dw.baseDir || !strings.HasPrefix(filepath.Base(dumpDir), "listenbrainz-dump-") {
		slog.Debug("Ignoriere SHA256SUMS außerhalb eines Dump-Verzeichnisses", "datei", sumsPath)
		return
	}

	slog.Info("Abgeschlossenen Dump erkannt", "verzeichnis", dumpDir)

	if err := dw.waitUntilComplete(sumsPath); err != nil {
		slog.Error("SHA256SUMS ist nicht stabil - Dump übersprungen", "datei", sumsPath, "fehler", err)
		return
	}

	if !dw.markInFlight(dumpDir) {
		slog.Debug("Dump ist bereits in Verarbeitung", "verzeichnis", dumpDir)
		return
	}

	dw.enqueue(dumpDir)
}

// markInFlight reserviert ein Dump-Verzeichnis. false, wenn es schon in der
// Warteschlange oder in Verarbeitung ist.
func (dw *DumpWatcher) markInFlight(dumpDir string) bool {
	dw.inFlightMutex.Lock()
	defer dw.inFlightMutex.Unlock()

	if _, exists := dw.inFlight[dumpDir]; exists {
		return false
	}
	dw.inFlight[dumpDir] = struct{}{}
	return true
}

func (dw *DumpWatcher) clearInFlight(dumpDir string) {
	dw.inFlightMutex.Lock()
	defer dw.inFlightMutex.Unlock()
	delete(dw.inFlight, dumpDir)
}

func (dw *DumpWatcher) enqueue(dumpDir string) {
	dw.dumpQueue <- dumpDir
	dw.checkQueueCapacity()
}

// checkQueueCapacity loggt eine Warnung, sobald die Warteschlange zu 80%
// gefüllt ist, und eine Entwarnung, wenn sie wieder darunter fällt.
func (dw *DumpWatcher) checkQueueCapacity() {
	dw.queueMutex.Lock()
	defer dw.queueMutex.Unlock()

	size := len(dw.dumpQueue)
	fill := float64(size) / float64(dw.queueCapacity) * 100

	switch {
	case fill >= 80 && !dw.queueWarningLogged:
		slog.Warn("Dump-Warteschlange läuft voll",
			"belegt", size,
			"kapazität", dw.queueCapacity,
			"füllgrad", fmt.Sprintf("%.1f%%", fill))
		dw.queueWarningLogged = true
	case fill < 80 && dw.queueWarningLogged:
		slog.Info("Dump-Warteschlange wieder im normalen Bereich",
			"belegt", size,
			"kapazität", dw.queueCapacity,
			"füllgrad", fmt.Sprintf("%.1f%%", fill))
		dw.queueWarningLogged = false
	}
}

// QueueSize liefert die aktuelle Füllung der Warteschlange.
func (dw *DumpWatcher) QueueSize() int {
	return len(dw.dumpQueue)
}

// QueueCapacity liefert die maximale Größe der Warteschlange.
func (dw *DumpWatcher) QueueCapacity() int {
	return dw.queueCapacity
}

// WorkerCount liefert die Anzahl der Worker.
func (dw *DumpWatcher) WorkerCount() int {
	return dw.workerCount
}

func (dw *DumpWatcher) worker() {
	defer dw.workers.Done()

	for dumpDir := range dw.dumpQueue {
		if err := dw.processor.Process(dumpDir); err != nil {
			slog.Error("Dump-Verarbeitung fehlgeschlagen", "verzeichnis", dumpDir, "fehler", err)
		}
		dw.clearInFlight(dumpDir)
		dw.checkQueueCapacity()
	}
}

func (dw *DumpWatcher) launchWorkers() {
	slog.Info("Starte Worker-Pool", "anzahl", dw.workerCount)
	dw.workers.Add(dw.workerCount)
	for i := 0; i < dw.workerCount; i++ {
		go dw.worker()
	}
}

// processExistingDumps picks up dumps whose SHA256SUMS already exists, e.g.
// after a daemon restart.
func (dw *DumpWatcher) processExistingDumps() {
	slog.Info("Suche nach vorhandenen abgeschlossenen Dumps", "verzeichnis", dw.baseDir)

	entries, err := os.ReadDir(dw.baseDir)
	if err != nil {
		slog.Error("Dump-Verzeichnis nicht lesbar", "fehler", err)
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "listenbrainz-dump-") {
			continue
		}
		sumsPath := filepath.Join(dw.baseDir, entry.Name(), SHA256SumsFile)
		if _, err := os.Stat(sumsPath); err == nil {
			dw.handleChecksumFile(sumsPath)
		}
	}
}

// waitUntilComplete blockiert, bis die Datei fertig geschrieben ist. Drei
// Prüfungen pro Versuch: Größe und ModTime bleiben über das Stabilitätsfenster
// konstant, ein exklusives flock gelingt, und lsof (falls vorhanden) sieht
// keinen fremden Schreiber mehr.
func (dw *DumpWatcher) waitUntilComplete(path string) error {
	for attempt := 1; attempt <= dw.maxRetries; attempt++ {
		if !dw.statUnchanged(path, dw.stabilityPeriod) {
			// statUnchanged hat das Stabilitätsfenster bereits abgewartet
			continue
		}

		if !dw.flockFree(path) {
			slog.Debug("Datei ist noch gesperrt", "datei", path, "versuch", attempt)
			time.Sleep(dw.checkInterval)
			continue
		}

		if dw.lsofAvailable && dw.lsofSeesWriter(path) {
			slog.Debug("Datei ist laut lsof noch offen", "datei", path, "versuch", attempt)
			time.Sleep(dw.checkInterval)
			continue
		}

		slog.Debug("Datei vollständig", "datei", path, "versuche", attempt)
		return nil
	}

	return fmt.Errorf("datei %s wird nach %d Versuchen weiterhin beschrieben", path, dw.maxRetries)
}

// statUnchanged meldet, ob Größe und ModTime der Datei über das gesamte
// Fenster konstant bleiben. Schläft selbst für die Dauer des Fensters.
func (dw *DumpWatcher) statUnchanged(path string, window time.Duration) bool {
	before, err := os.Stat(path)
	if err != nil {
		slog.Debug("Stat fehlgeschlagen", "datei", path, "fehler", err)
		return false
	}

	time.Sleep(window)

	after, err := os.Stat(path)
	if err != nil {
		slog.Debug("Zweiter Stat fehlgeschlagen", "datei", path, "fehler", err)
		return false
	}

	if before.Size() != after.Size() || !before.ModTime().Equal(after.ModTime()) {
		slog.Debug("Datei wird noch geschrieben", "datei", path,
			"vorher", before.Size(), "nachher", after.Size())
		return false
	}
	return true
}

func (dw *DumpWatcher) closeQuietly(file *os.File, path string) {
	if err := file.Close(); err != nil {
		slog.Error("Fehler beim Schließen der Datei", "datei", path, "fehler", err)
	}
}

// flockFree versucht ein nicht-blockierendes exklusives flock auf der Datei.
// Gelingt es nicht, hält ein anderer Prozess die Datei noch offen.
func (dw *DumpWatcher) flockFree(path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer dw.closeQuietly(file, path)

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return false
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Flock konnte nicht gelöst werden", "datei", path, "fehler", err)
	}
	return true
}

// lsofSeesWriter fragt lsof, ob ein fremder Prozess die Datei offen hält.
// Der eigene Prozess und bekannte Nur-Leser zählen nicht.
func (dw *DumpWatcher) lsofSeesWriter(path string) bool {
	output, err := dw.runLsof(path)
	if err != nil {
		return false
	}
	return dw.foreignProcessListed(path, output)
}

// runLsof führt lsof aus. Exit-Code 1 heißt "keine offenen Dateien" und kommt
// wie echte Fehler als error zurück, nur ohne Log.
func (dw *DumpWatcher) runLsof(path string) (string, error) {
	output, err := exec.Command("lsof", path).Output()
	if err == nil {
		return string(output), nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		slog.Debug("lsof nicht auswertbar", "datei", path, "fehler", err)
	}
	return "", err
}

// foreignProcessListed wertet die lsof-Ausgabe aus: erste Zeile ist der
// Header, danach ein Prozess pro Zeile.
func (dw *DumpWatcher) foreignProcessListed(path, output string) bool {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 2 {
		return false
	}
	for _, line := range lines[1:] {
		if dw.foreignProcessLine(path, line) {
			return true
		}
	}
	return false
}

func (dw *DumpWatcher) foreignProcessLine(path, line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return false
	}
	name, pid := fields[0], fields[1]

	if pid == strconv.Itoa(os.Getpid()) {
		return false
	}
	if harmlessProcess(name) {
		return false
	}

	slog.Debug("Fremder Prozess hält die Datei offen", "datei", path, "prozess", name, "pid", pid)
	return true
}

// Prozesse, die Dump-Dateien nur lesend anfassen: Spotlight und Finder auf
// Entwickler-Macs, Virenscanner auf den Servern.
var harmlessProcesses = []string{
	"mds", "mds_stores", "mdworker", "mdworker_shared",
	"fsevents", "fseventsd",
	"Finder", "QuickLookSatellite",
	"antivir", "avguard", "avscan",
}

func harmlessProcess(name string) bool {
	lower := strings.ToLower(name)
	for _, harmless := range harmlessProcesses {
		if strings.Contains(lower, strings.ToLower(harmless)) {
			return true
		}
	}
	return false
}

// lsofPresent prüft einmalig beim Start, ob lsof im PATH liegt.
func lsofPresent() bool {
	if _, err := exec.LookPath("lsof"); err != nil {
		slog.Debug("lsof nicht gefunden, Prüfung offener Dateien entfällt", "fehler", err)
		return false
	}
	return true
}
