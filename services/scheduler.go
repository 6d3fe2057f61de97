package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/huhridge/listenbrainz-server/config"
)

// DumpCreator erzeugt Dumps auf Anforderung des Zeitplans.
type DumpCreator interface {
	CreateFull(opts DumpOptions) (*DumpEntry, error)
	CreateIncremental(opts DumpOptions) (*DumpEntry, error)
}

// Scheduler stößt Dump-Läufe in festen Intervallen an. Ein Intervall von 0
// deaktiviert den jeweiligen Zeitplan. Es läuft immer höchstens ein Dump:
// fällt ein Tick in einen laufenden Dump, wird er übersprungen.
type Scheduler struct {
	dumper    DumpCreator
	fullEvery time.Duration
	incEvery  time.Duration
	stopChan  chan struct{}
	runMutex  sync.Mutex
	loops     sync.WaitGroup
}

func NewScheduler(dumper DumpCreator, cfg config.ScheduleConfig) (*Scheduler, error) {
	fullEvery, err := cfg.FullInterval()
	if err != nil {
		return nil, err
	}
	incEvery, err := cfg.IncrementalInterval()
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		dumper:    dumper,
		fullEvery: fullEvery,
		incEvery:  incEvery,
		stopChan:  make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() {
	if s.fullEvery <= 0 && s.incEvery <= 0 {
		slog.Info("Zeitplan deaktiviert - Dumps nur auf Anforderung")
		return
	}

	if s.fullEvery > 0 {
		s.loops.Add(1)
		go s.loop(config.KindFull, s.fullEvery)
	}
	if s.incEvery > 0 {
		s.loops.Add(1)
		go s.loop(config.KindIncremental, s.incEvery)
	}

	slog.Info("Zeitplan gestartet",
		"voll", s.fullEvery.String(),
		"inkrementell", s.incEvery.String())
}

// Stop beendet die Zeitplan-Schleifen. Ein laufender Dump wird noch zu Ende
// gebracht.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.loops.Wait()
	slog.Info("Zeitplan gestoppt")
}

func (s *Scheduler) loop(kind config.DumpKind, every time.Duration) {
	defer s.loops.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runOnce(kind)
		}
	}
}

// runOnce erzeugt einen Dump der angegebenen Art. Voll- und
// Inkremental-Läufe teilen sich eine Sperre, damit sich die Exporte nicht
// gegenseitig in die Quere kommen.
func (s *Scheduler) runOnce(kind config.DumpKind) {
	if !s.runMutex.TryLock() {
		slog.Warn("Geplanter Dump übersprungen - vorheriger Lauf ist noch aktiv", "art", kind.String())
		return
	}
	defer s.runMutex.Unlock()

	var err error
	if kind == config.KindFull {
		_, err = s.dumper.CreateFull(DumpOptions{})
	} else {
		_, err = s.dumper.CreateIncremental(DumpOptions{})
	}
	if err != nil {
		slog.Error("Geplanter Dump fehlgeschlagen", "art", kind.String(), "fehler", err)
	}
}
