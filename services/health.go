package services

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/huhridge/listenbrainz-server/config"
)

// Abstand der periodischen Proben, die Warnungen ins Log schreiben.
const probeInterval = 10 * time.Second

// HealthState ist das Urteil über eine Komponente oder den Gesamtzustand.
type HealthState string

const (
	HealthOK       HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "unhealthy"
)

// ComponentReport beschreibt den Zustand einer einzelnen Komponente.
type ComponentReport struct {
	State   HealthState `json:"state"`
	Checked time.Time   `json:"checked"`
	Detail  string      `json:"detail,omitempty"`
}

// HealthReport ist die Antwort von /health und /health/ready.
type HealthReport struct {
	State      HealthState                `json:"state"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentReport `json:"components"`
}

// HealthMonitor stellt die Health-Endpunkte des Watch-Daemons bereit:
// /health, /health/live und /health/ready. Geprüft werden Registry,
// Dump-Warteschlange, Worker-Pool und das Alter des letzten Voll-Dumps.
type HealthMonitor struct {
	registry     *Registry
	watcher      *DumpWatcher
	s3Pool       *S3ClientPool
	fullInterval time.Duration
	port         string

	server *http.Server
	ticker *time.Ticker
	done   chan struct{}

	mu        sync.RWMutex
	lastProbe time.Time
	healthy   bool
}

// NewHealthMonitor verdrahtet den Monitor. watcher und s3Pool dürfen nil
// sein, die zugehörigen Komponenten werden dann entsprechend gemeldet bzw.
// weggelassen. fullInterval 0 deaktiviert die Frische-Prüfung.
func NewHealthMonitor(registry *Registry, watcher *DumpWatcher, s3Pool *S3ClientPool, fullInterval time.Duration, port string) *HealthMonitor {
	return &HealthMonitor{
		registry:     registry,
		watcher:      watcher,
		s3Pool:       s3Pool,
		fullInterval: fullInterval,
		port:         port,
		done:         make(chan struct{}),
		healthy:      true,
	}
}

// Start öffnet den HTTP-Endpunkt und beginnt mit den periodischen Proben.
func (hm *HealthMonitor) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/health/live", hm.handleLive)
	mux.HandleFunc("/health/ready", hm.handleReady)
	hm.server = &http.Server{Addr: ":" + hm.port, Handler: mux}

	hm.ticker = time.NewTicker(probeInterval)
	go hm.probeLoop()

	go func() {
		slog.Info("Health-Endpunkt gestartet", "port", hm.port)
		if err := hm.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Health-Endpunkt abgebrochen", "fehler", err)
		}
	}()
}

// Stop beendet Proben und HTTP-Server.
func (hm *HealthMonitor) Stop() {
	if hm.ticker != nil {
		hm.ticker.Stop()
	}
	close(hm.done)
	if hm.server != nil {
		hm.server.Close()
	}
	slog.Info("Health-Endpunkt gestoppt")
}

func (hm *HealthMonitor) probeLoop() {
	for {
		select {
		case <-hm.done:
			return
		case <-hm.ticker.C:
			hm.probe()
		}
	}
}

// probe schreibt Warnungen ins Log, sobald eine Kernkomponente kippt. Das
// Urteil für die Handler wird davon unabhängig pro Anfrage berechnet.
func (hm *HealthMonitor) probe() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.lastProbe = time.Now()
	hm.healthy = true

	if err := hm.registry.Ping(); err != nil {
		slog.Warn("Health-Probe: Registry nicht erreichbar", "fehler", err)
		hm.healthy = false
		return
	}
	if hm.watcher == nil {
		slog.Warn("Health-Probe: Dump-Watcher nicht initialisiert")
		hm.healthy = false
		return
	}

	size, capacity := hm.watcher.QueueSize(), hm.watcher.QueueCapacity()
	if capacity > 0 && float64(size)/float64(capacity) > 0.9 {
		slog.Warn("Health-Probe: Dump-Warteschlange kritisch gefüllt",
			"belegt", size, "kapazität", capacity)
		hm.healthy = false
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	hm.writeReport(w, hm.report())
}

// Liveness: solange der Prozess antwortet, lebt er.
func (hm *HealthMonitor) handleLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// Readiness: degraded bedient weiter, erst unhealthy nimmt den Daemon aus
// der Rotation.
func (hm *HealthMonitor) handleReady(w http.ResponseWriter, r *http.Request) {
	hm.writeReport(w, hm.report())
}

func (hm *HealthMonitor) writeReport(w http.ResponseWriter, report HealthReport) {
	w.Header().Set("Content-Type", "application/json")
	if report.State == HealthDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(report)
}

// report prüft alle Komponenten und verdichtet sie zu einem Gesamturteil.
func (hm *HealthMonitor) report() HealthReport {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	now := time.Now()
	components := make(map[string]ComponentReport)
	overall := HealthOK

	worsen := func(to HealthState) {
		if to == HealthDown {
			overall = HealthDown
		} else if to == HealthDegraded && overall == HealthOK {
			overall = HealthDegraded
		}
	}

	if err := hm.registry.Ping(); err != nil {
		components["registry"] = ComponentReport{
			State: HealthDown, Checked: now,
			Detail: fmt.Sprintf("Registry nicht erreichbar: %v", err),
		}
		worsen(HealthDown)
	} else {
		components["registry"] = ComponentReport{State: HealthOK, Checked: now, Detail: "Registry erreichbar"}
	}

	if hm.watcher != nil {
		size, capacity := hm.watcher.QueueSize(), hm.watcher.QueueCapacity()
		fill := float64(size) / float64(capacity)

		state, detail := HealthOK, "Dump-Watcher läuft normal"
		if fill > 0.9 {
			state, detail = HealthDown, "Dump-Warteschlange kritisch gefüllt (>90%)"
		} else if fill > 0.8 {
			state, detail = HealthDegraded, "Dump-Warteschlange stark ausgelastet (>80%)"
		}
		worsen(state)

		components["dump_watcher"] = ComponentReport{State: state, Checked: now, Detail: detail}
		components["worker_pool"] = ComponentReport{
			State: HealthOK, Checked: now,
			Detail: fmt.Sprintf("%d Worker aktiv", hm.watcher.WorkerCount()),
		}
	} else {
		components["dump_watcher"] = ComponentReport{State: HealthDown, Checked: now, Detail: "Dump-Watcher nicht initialisiert"}
		worsen(HealthDown)
	}

	// Der neueste Voll-Dump darf nicht älter als zwei Intervalle sein.
	if hm.fullInterval > 0 {
		state, detail := HealthOK, ""

		entry, err := hm.registry.Latest(config.KindFull)
		switch {
		case err != nil:
			state = HealthDown
			detail = fmt.Sprintf("Registry-Abfrage fehlgeschlagen: %v", err)
		case entry == nil:
			state = HealthDegraded
			detail = "Noch kein Voll-Dump vorhanden"
		case time.Since(entry.Created) > 2*hm.fullInterval:
			state = HealthDegraded
			detail = fmt.Sprintf("Letzter Voll-Dump vom %s ist älter als zwei Intervalle", entry.Created.Format(time.RFC3339))
		default:
			detail = fmt.Sprintf("Letzter Voll-Dump vom %s", entry.Created.Format(time.RFC3339))
		}
		worsen(state)

		components["dump_freshness"] = ComponentReport{State: state, Checked: now, Detail: detail}
	}

	if hm.s3Pool != nil {
		components["s3_clients"] = ComponentReport{
			State: HealthOK, Checked: now,
			Detail: fmt.Sprintf("%d aktive S3-Clients", hm.s3Pool.Size()),
		}
	}

	return HealthReport{State: overall, CheckedAt: now, Components: components}
}
