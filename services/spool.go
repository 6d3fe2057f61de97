package services

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

// SpoolProcessor ist die Verarbeitungskette hinter dem DumpWatcher: ein
// abgeschlossener Dump wird veröffentlicht (Staging, LATEST, Mirror),
// zum Transfer-Ziel übertragen und in der Registry als published markiert.
// Danach greift die Aufbewahrung. Fehler lassen den Registry-Zustand auf
// complete, ein erneuter Durchlauf setzt die Kette fort.
type SpoolProcessor struct {
	registry    *Registry
	publisher   *Publisher
	transferrer *Transferrer
	cleaner     *Cleaner
}

// NewSpoolProcessor verdrahtet die Kette. cleaner darf nil sein, dann
// entfällt die Aufbewahrung nach der Veröffentlichung.
func NewSpoolProcessor(registry *Registry, publisher *Publisher, transferrer *Transferrer, cleaner *Cleaner) *SpoolProcessor {
	return &SpoolProcessor{
		registry:    registry,
		publisher:   publisher,
		transferrer: transferrer,
		cleaner:     cleaner,
	}
}

// Process veröffentlicht ein abgeschlossenes Dump-Verzeichnis. Dumps, die
// laut Registry nicht im Zustand complete sind, werden übersprungen.
func (sp *SpoolProcessor) Process(dumpDir string) error {
	start := time.Now()
	name := filepath.Base(dumpDir)

	id, _, err := ParseDumpName(name)
	if err != nil {
		return err
	}

	entry, err := sp.registry.Entry(id)
	if err != nil {
		return err
	}

	switch entry.State {
	case StateComplete:
	case StatePublished:
		slog.Info("Dump bereits veröffentlicht - übersprungen", "dump", name)
		return nil
	default:
		slog.Warn("Dump nicht abgeschlossen - übersprungen", "dump", name, "zustand", entry.State)
		return nil
	}

	kind := entry.Kind

	if err := sp.publisher.Publish(dumpDir, kind); err != nil {
		return fmt.Errorf("veröffentlichung von %s fehlgeschlagen: %w", name, err)
	}

	// Übertragen wird die Staging-Kopie: sie trägt bereits die FTP-Rechte.
	stagedDir := sp.publisher.StagedPath(name, kind)
	if err := sp.transferrer.Transfer(stagedDir, name, kind, ""); err != nil {
		return fmt.Errorf("transfer von %s fehlgeschlagen: %w", name, err)
	}

	if err := sp.registry.MarkPublished(id); err != nil {
		return err
	}

	slog.Info("Dump verarbeitet",
		"dump", name,
		"art", kind.String(),
		"dauer", time.Since(start).String())

	if sp.cleaner != nil {
		if err := sp.cleaner.Run(false); err != nil {
			slog.Warn("Cleanup nach Veröffentlichung fehlgeschlagen", "fehler", err)
		}
	}

	return nil
}
