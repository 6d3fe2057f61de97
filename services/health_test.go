package services

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/huhridge/listenbrainz-server/config"
)

func newHealthWatcher(t *testing.T, queueSize int) *DumpWatcher {
	t.Helper()

	tempDir, cleanup := setupTempDir(t, "health_watcher_*")
	t.Cleanup(cleanup)

	cfg := testSpoolConfig()
	if queueSize > 0 {
		cfg.QueueSize = queueSize
	}
	watcher, err := NewDumpWatcher(tempDir, &fakeProcessor{}, cfg)
	if err != nil {
		t.Fatalf("NewDumpWatcher() error = %v", err)
	}
	t.Cleanup(func() { watcher.watcher.Close() })
	return watcher
}

func seedFreshFullDump(t *testing.T, registry *Registry) {
	t.Helper()

	entry, err := registry.Begin(config.KindFull, time.Now())
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	if err := registry.Complete(entry.ID, "/data/dumps/"+entry.Name()); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}
}

func TestHealthMonitor_Endpoints(t *testing.T) {
	registry := openTestRegistry(t)
	seedFreshFullDump(t, registry)
	watcher := newHealthWatcher(t, 0)

	monitor := NewHealthMonitor(registry, watcher, nil, 360*time.Hour, "18091")
	monitor.Start()
	defer monitor.Stop()

	// Dem Server einen Moment zum Binden geben.
	time.Sleep(100 * time.Millisecond)

	t.Run("health liefert den Gesamtbericht", func(t *testing.T) {
		resp, err := http.Get("http://localhost:18091/health")
		if err != nil {
			t.Fatalf("GET /health: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("Statuscode = %d, want %d", resp.StatusCode, http.StatusOK)
		}

		var report HealthReport
		if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
			t.Fatalf("Antwort nicht dekodierbar: %v", err)
		}
		if report.State != HealthOK {
			t.Errorf("State = %s, want %s", report.State, HealthOK)
		}
		for _, component := range []string{"registry", "dump_watcher", "worker_pool", "dump_freshness"} {
			if _, ok := report.Components[component]; !ok {
				t.Errorf("Komponente %s fehlt in der Antwort", component)
			}
		}
	})

	for _, path := range []string{"/health/live", "/health/ready"} {
		t.Run("GET "+path, func(t *testing.T) {
			resp, err := http.Get("http://localhost:18091" + path)
			if err != nil {
				t.Fatalf("GET %s: %v", path, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Errorf("Statuscode = %d, want %d", resp.StatusCode, http.StatusOK)
			}
		})
	}
}

func TestHealthMonitor_FreshnessDegradations(t *testing.T) {
	t.Run("kein Voll-Dump", func(t *testing.T) {
		registry := openTestRegistry(t)
		monitor := NewHealthMonitor(registry, newHealthWatcher(t, 0), nil, 360*time.Hour, "0")

		report := monitor.report()
		if report.State != HealthDegraded {
			t.Errorf("State = %s, want %s", report.State, HealthDegraded)
		}
		if report.Components["dump_freshness"].State != HealthDegraded {
			t.Errorf("dump_freshness = %s, want %s", report.Components["dump_freshness"].State, HealthDegraded)
		}
	})

	t.Run("veralteter Voll-Dump", func(t *testing.T) {
		registry := openTestRegistry(t)
		entry, err := registry.Begin(config.KindFull, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		if err != nil {
			t.Fatalf("Begin() failed: %v", err)
		}
		if err := registry.Complete(entry.ID, "/data/dumps/"+entry.Name()); err != nil {
			t.Fatalf("Complete() failed: %v", err)
		}

		monitor := NewHealthMonitor(registry, newHealthWatcher(t, 0), nil, 360*time.Hour, "0")

		report := monitor.report()
		if report.Components["dump_freshness"].State != HealthDegraded {
			t.Errorf("dump_freshness = %s, want %s", report.Components["dump_freshness"].State, HealthDegraded)
		}
	})

	t.Run("frischer Voll-Dump", func(t *testing.T) {
		registry := openTestRegistry(t)
		seedFreshFullDump(t, registry)

		monitor := NewHealthMonitor(registry, newHealthWatcher(t, 0), nil, 360*time.Hour, "0")

		if report := monitor.report(); report.State != HealthOK {
			t.Errorf("State = %s, want %s", report.State, HealthOK)
		}
	})

	t.Run("Frische-Prüfung deaktiviert", func(t *testing.T) {
		registry := openTestRegistry(t)
		monitor := NewHealthMonitor(registry, newHealthWatcher(t, 0), nil, 0, "0")

		report := monitor.report()
		if _, ok := report.Components["dump_freshness"]; ok {
			t.Error("dump_freshness sollte ohne Intervall fehlen")
		}
		if report.State != HealthOK {
			t.Errorf("State = %s, want %s", report.State, HealthOK)
		}
	})
}

func TestHealthMonitor_QueueFill(t *testing.T) {
	t.Run("kritisch gefüllt", func(t *testing.T) {
		registry := openTestRegistry(t)
		seedFreshFullDump(t, registry)
		watcher := newHealthWatcher(t, 10)
		for i := 0; i < 10; i++ {
			watcher.dumpQueue <- "dump"
		}

		monitor := NewHealthMonitor(registry, watcher, nil, 360*time.Hour, "0")

		report := monitor.report()
		if report.State != HealthDown {
			t.Errorf("State = %s, want %s", report.State, HealthDown)
		}
		if report.Components["dump_watcher"].State != HealthDown {
			t.Errorf("dump_watcher = %s, want %s", report.Components["dump_watcher"].State, HealthDown)
		}
	})

	t.Run("stark ausgelastet", func(t *testing.T) {
		registry := openTestRegistry(t)
		seedFreshFullDump(t, registry)
		watcher := newHealthWatcher(t, 10)
		for i := 0; i < 9; i++ {
			watcher.dumpQueue <- "dump"
		}

		monitor := NewHealthMonitor(registry, watcher, nil, 360*time.Hour, "0")

		if report := monitor.report(); report.State != HealthDegraded {
			t.Errorf("State = %s, want %s", report.State, HealthDegraded)
		}
	})
}

func TestHealthMonitor_DownWithoutWatcher(t *testing.T) {
	registry := openTestRegistry(t)
	seedFreshFullDump(t, registry)

	monitor := NewHealthMonitor(registry, nil, nil, 360*time.Hour, "0")

	report := monitor.report()
	if report.State != HealthDown {
		t.Errorf("State = %s, want %s", report.State, HealthDown)
	}
	if report.Components["dump_watcher"].State != HealthDown {
		t.Errorf("dump_watcher = %s, want %s", report.Components["dump_watcher"].State, HealthDown)
	}
}

func TestHealthMonitor_DownWithClosedRegistry(t *testing.T) {
	registry := openTestRegistry(t)
	registry.Close()

	monitor := NewHealthMonitor(registry, newHealthWatcher(t, 0), nil, 0, "0")

	report := monitor.report()
	if report.State != HealthDown {
		t.Errorf("State = %s, want %s", report.State, HealthDown)
	}
	if report.Components["registry"].State != HealthDown {
		t.Errorf("registry = %s, want %s", report.Components["registry"].State, HealthDown)
	}
}
