package services

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/lib/pq"

	"github.com/huhridge/listenbrainz-server/config"
)

// Daemon bündelt die Komponenten des Watch-Betriebs: Registry, Dumper mit
// Zeitplan, Watcher mit Publish-Kette und die Health-Endpunkte.
type Daemon struct {
	stopChan      chan bool
	db            *sql.DB
	Registry      *Registry
	Dumper        *Dumper
	Publisher     *Publisher
	Transferrer   *Transferrer
	Cleaner       *Cleaner
	Processor     *SpoolProcessor
	DumpWatcher   *DumpWatcher
	Scheduler     *Scheduler
	HealthMonitor *HealthMonitor
	S3Pool        *S3ClientPool
}

func NewDaemon(cfg *config.EnvConfig) *Daemon {
	d := &Daemon{
		stopChan: make(chan bool),
		S3Pool:   NewS3ClientPool(),
	}

	// Die Dump-Verzeichnisse müssen existieren, bevor der Watcher startet
	if err := os.MkdirAll(cfg.Dump.BaseDir, 0755); err != nil {
		slog.Error("Fehler beim Erstellen des Dump-Verzeichnisses", "verzeichnis", cfg.Dump.BaseDir, "fehler", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Dump.PrivateBaseDir, 0700); err != nil {
		slog.Error("Fehler beim Erstellen des privaten Dump-Verzeichnisses", "verzeichnis", cfg.Dump.PrivateBaseDir, "fehler", err)
		os.Exit(1)
	}

	// Target-Konfigurationen validieren
	if err := d.validateTargets(cfg.Output); err != nil {
		slog.Error("Target-Validierung fehlgeschlagen", "fehler", err)
		os.Exit(1)
	}

	registry, err := OpenRegistry(cfg.Dump.RegistryFile)
	if err != nil {
		slog.Error("Registry konnte nicht geöffnet werden", "fehler", err)
		os.Exit(1)
	}
	d.Registry = registry

	// Quell-Datenbank: ohne URI laufen Watcher und Veröffentlichung weiter,
	// der Zeitplan bleibt aus
	if cfg.DB.URI != "" {
		db, err := sql.Open(cfg.DB.Driver, cfg.DB.URI)
		if err != nil {
			slog.Error("Quell-Datenbank konnte nicht geöffnet werden", "fehler", err)
			os.Exit(1)
		}
		d.db = db

		backup, err := NewBackupManager(cfg.Backup, NewPGDumper(cfg.DB.URI))
		if err != nil {
			slog.Error("Backup-Konfiguration ungültig", "fehler", err)
			os.Exit(1)
		}
		d.Dumper = NewDumper(db, registry, cfg.Dump, backup)
	} else {
		slog.Warn("Keine Quell-Datenbank konfiguriert - der Zeitplan bleibt deaktiviert")
	}

	publisher, err := NewPublisher(cfg.FTP, cfg.Output, d.S3Pool)
	if err != nil {
		slog.Error("Publisher-Konfiguration ungültig", "fehler", err)
		os.Exit(1)
	}
	d.Publisher = publisher
	d.Transferrer = NewTransferrer(cfg.Rsync)
	d.Cleaner = NewCleaner(registry, cfg.Dump, cfg.Backup, cfg.FTP, cfg.Retention)
	d.Processor = NewSpoolProcessor(registry, publisher, d.Transferrer, d.Cleaner)

	watcher, err := NewDumpWatcher(cfg.Dump.BaseDir, d.Processor, cfg.Spool)
	if err != nil {
		slog.Error("Fehler beim Initialisieren des Dump-Watchers", "fehler", err)
		os.Exit(1)
	}
	d.DumpWatcher = watcher

	if d.Dumper != nil {
		scheduler, err := NewScheduler(d.Dumper, cfg.Schedule)
		if err != nil {
			slog.Error("Zeitplan-Konfiguration ungültig", "fehler", err)
			os.Exit(1)
		}
		d.Scheduler = scheduler
	}

	if cfg.Health.Port != "" {
		fullInterval, err := cfg.Schedule.FullInterval()
		if err != nil {
			fullInterval = 0
		}
		d.HealthMonitor = NewHealthMonitor(registry, watcher, d.S3Pool, fullInterval, cfg.Health.Port)
	}

	return d
}

func (d *Daemon) Start() {
	slog.Info("Dump-Daemon gestartet - beobachte abgeschlossene Dumps")

	// Dump-Watcher in separater Goroutine starten
	go func() {
		if err := d.DumpWatcher.Start(); err != nil {
			slog.Error("Dump-Watcher Fehler", "fehler", err)
		}
	}()

	if d.Scheduler != nil {
		d.Scheduler.Start()
	}
	if d.HealthMonitor != nil {
		d.HealthMonitor.Start()
	}

	// Auf Stop-Signal warten
	<-d.stopChan
	slog.Info("Dump-Daemon gestoppt")
}

// Stop fährt den Daemon geordnet herunter: erst entstehen keine neuen
// Dumps mehr, dann wird die Warteschlange leer verarbeitet, zum Schluss
// werden die Verbindungen geschlossen.
func (d *Daemon) Stop() {
	if d.Scheduler != nil {
		d.Scheduler.Stop()
	}
	if d.DumpWatcher != nil {
		d.DumpWatcher.Stop()
	}
	if d.HealthMonitor != nil {
		d.HealthMonitor.Stop()
	}
	if d.S3Pool != nil {
		d.S3Pool.Close()
	}
	if d.db != nil {
		d.db.Close()
	}
	if d.Registry != nil {
		d.Registry.Close()
	}
	d.stopChan <- true
}

// validateTargets prüft alle Mirror-Ziele und baut die S3-Clients vorab auf.
func (d *Daemon) validateTargets(targets []config.OutputTarget) error {
	if len(targets) == 0 {
		slog.Info("Keine Mirror-Ziele konfiguriert - nur Staging und Transfer")
		return nil
	}

	for _, target := range targets {
		if err := d.validateTarget(target); err != nil {
			return err
		}
	}

	slog.Info("Mirror-Ziele geprüft", "anzahl", len(targets), "s3_clients", d.S3Pool.Size())
	return nil
}

func (d *Daemon) validateTarget(target config.OutputTarget) error {
	switch target.Type {
	case "s3":
		return d.validateS3(target)
	case "ftp", "sftp":
		return d.validateFTP(target)
	case "filesystem":
		return d.validateFilesystem(target)
	default:
		slog.Error("Unbekannter Zieltyp", "typ", target.Type, "path", target.Path)
		return fmt.Errorf("unbekannter Zieltyp: %s", target.Type)
	}
}

func (d *Daemon) validateS3(target config.OutputTarget) error {
	s3Config := target.GetS3Config()
	complete := s3Config.Endpoint != "" && s3Config.AccessKey != "" &&
		s3Config.SecretKey != "" && s3Config.Region != ""
	if !complete {
		slog.Error("s3-Ziel unvollständig konfiguriert", "path", target.Path)
		return fmt.Errorf("s3-Ziel %s: endpoint, access-key, secret-key und region sind Pflicht", target.Path)
	}

	// Mirror-Client vorab aufbauen, damit Fehler beim Start auffallen
	if _, err := d.S3Pool.Mirror(s3Config); err != nil {
		slog.Error("S3-Client nicht aufbaubar", "endpoint", s3Config.Endpoint, "fehler", err)
		return fmt.Errorf("s3-Client für %s nicht aufbaubar: %w", s3Config.Endpoint, err)
	}
	return nil
}

// validateFTP prüft ftp- und sftp-Ziele. SFTP-Ziele dürfen statt eines
// Passworts einen SSH-Schlüssel mitbringen.
func (d *Daemon) validateFTP(target config.OutputTarget) error {
	ftpConfig := target.GetFTPConfig()
	if ftpConfig.Host == "" || ftpConfig.Username == "" {
		slog.Error("FTP/SFTP-Ziel unvollständig konfiguriert", "path", target.Path, "typ", target.Type)
		return fmt.Errorf("%s-Ziel %s: host und username sind Pflicht", target.Type, target.Path)
	}
	if target.Type == "sftp" {
		if ftpConfig.Password == "" && ftpConfig.KeyFile == "" {
			return fmt.Errorf("sftp-Ziel %s braucht Passwort oder SSH-Schlüssel", target.Path)
		}
	} else if ftpConfig.Password == "" {
		return fmt.Errorf("ftp-Ziel %s braucht ein Passwort", target.Path)
	}
	return nil
}

func (d *Daemon) validateFilesystem(target config.OutputTarget) error {
	if target.Path == "" {
		slog.Error("Dateisystem-Ziel ohne Pfad")
		return fmt.Errorf("dateisystem-Ziel ohne Pfad")
	}
	return nil
}
