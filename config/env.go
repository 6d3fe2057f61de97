package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type EnvConfig struct {
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	DB        DBConfig        `yaml:"db"`
	Dump      DumpConfig      `yaml:"dump"`
	Backup    BackupConfig    `yaml:"backup"`
	FTP       FTPStaging      `yaml:"ftp"`
	Rsync     RsyncConfig     `yaml:"rsync"`
	Output    OutputConfig    `yaml:"output"`
	Spool     SpoolConfig     `yaml:"spool"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Retention RetentionConfig `yaml:"retention"`
	Health    HealthConfig    `yaml:"health"`
}

// DBConfig ist die Quell-Datenbank, aus der die Dumps erzeugt werden.
type DBConfig struct {
	Driver string `yaml:"driver"`
	URI    string `yaml:"uri"`
}

// DumpConfig steuert die Dump-Erzeugung selbst.
type DumpConfig struct {
	Threads        int    `yaml:"threads"`          // Parallelität der Dump-Erzeugung
	BaseDir        string `yaml:"base-dir"`         // Wurzel für öffentliche Dumps
	PrivateBaseDir string `yaml:"private-base-dir"` // Wurzel für private Dumps
	RegistryFile   string `yaml:"registry-file"`    // SQLite-Registry der erzeugten Dumps
}

// SpoolConfig configures the watch daemon: how completed dumps are detected
// and how many workers publish them in parallel.
type SpoolConfig struct {
	Stability struct {
		MaxRetries      int `yaml:"max-retries"`      // Maximum number of repetitions in case of file instability
		CheckInterval   int `yaml:"check-interval"`   // Check interval in milliseconds
		StabilityPeriod int `yaml:"stability-period"` // Period during which a file must remain stable in milliseconds
	} `yaml:"stability"`
	Workers   int `yaml:"workers"`    // Number of parallel publish workers
	QueueSize int `yaml:"queue-size"` // Size of the dump queue
}

// ScheduleConfig: intervals for periodic dump creation inside the watch
// daemon. Values are Go durations; "0" disables a schedule.
type ScheduleConfig struct {
	Full        string `yaml:"full"`
	Incremental string `yaml:"incremental"`
}

// FullInterval parses the full-dump interval.
func (s ScheduleConfig) FullInterval() (time.Duration, error) {
	return parseInterval(s.Full)
}

// IncrementalInterval parses the incremental-dump interval.
func (s ScheduleConfig) IncrementalInterval() (time.Duration, error) {
	return parseInterval(s.Incremental)
}

func parseInterval(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("ungültiges Intervall %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negatives Intervall %q", s)
	}
	return d, nil
}

// RetentionConfig: how many dumps of each class are kept (n newest).
type RetentionConfig struct {
	Full        int `yaml:"full"`
	Incremental int `yaml:"incremental"`
	Backup      int `yaml:"backup"`
}

// HealthConfig: port of the health endpoint in the watch daemon. An empty
// port disables the endpoint.
type HealthConfig struct {
	Port string `yaml:"port"`
}

// firstEnv liefert den ersten nicht-leeren Wert der angegebenen Variablen.
func firstEnv(names ...string) string {
	for _, name := range names {
		if value := os.Getenv(name); value != "" {
			return value
		}
	}
	return ""
}

// LoadFromEnvironment loads the configuration from environment variables.
// The dump surface keys (DUMP_*, BACKUP_*, FTP_*, RSYNC_*) are read verbatim.
func (c *EnvConfig) LoadFromEnvironment() error {
	// Neben der üblichen Schreibweise wird auch die Punkt-Notation aus den
	// Container-Umgebungen akzeptiert
	if level := firstEnv("LOG_LEVEL", "log.level"); level != "" {
		c.Log.Level = level
	}

	// Quell-Datenbank
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.DB.Driver = driver
	}
	if uri := firstEnv("DB_URI", "db.uri"); uri != "" {
		c.DB.URI = uri
	}

	c.loadDumpFromEnv()
	c.loadBackupFromEnv()
	c.loadFTPFromEnv()
	c.loadRsyncFromEnv()
	c.loadSpoolFromEnv()
	c.loadScheduleAndRetentionFromEnv()

	if port := os.Getenv("HEALTH_PORT"); port != "" {
		c.Health.Port = port
	}

	// Mirror-Targets: flache OUTPUT_N_*-Variablen haben Vorrang, OUTPUTS als
	// JSON/YAML-Block ist der Fallback
	c.loadOutputTargetsFromEnv()
	if len(c.Output) == 0 {
		c.loadOutputTargetsFromBlob()
	}

	return nil
}

// loadDumpFromEnv lädt die Dump-Konfiguration aus Umgebungsvariablen.
func (c *EnvConfig) loadDumpFromEnv() {
	if threads := os.Getenv("DUMP_THREADS"); threads != "" {
		if val, err := strconv.Atoi(threads); err == nil && val > 0 {
			c.Dump.Threads = val
		}
	}
	if dir := os.Getenv("DUMP_BASE_DIR"); dir != "" {
		c.Dump.BaseDir = dir
	}
	if dir := os.Getenv("PRIVATE_DUMP_BASE_DIR"); dir != "" {
		c.Dump.PrivateBaseDir = dir
	}
	if file := os.Getenv("REGISTRY_FILE"); file != "" {
		c.Dump.RegistryFile = file
	}
}

// loadBackupFromEnv lädt Backup-Verzeichnisse, Eigentümer und Modus-Bits.
func (c *EnvConfig) loadBackupFromEnv() {
	if dir := os.Getenv("BACKUP_DIR"); dir != "" {
		c.Backup.Dir = dir
	}
	if dir := os.Getenv("PRIVATE_BACKUP_DIR"); dir != "" {
		c.Backup.PrivateDir = dir
	}
	if user := os.Getenv("BACKUP_USER"); user != "" {
		c.Backup.User = user
	}
	if group := os.Getenv("BACKUP_GROUP"); group != "" {
		c.Backup.Group = group
	}
	if mode := os.Getenv("BACKUP_DIR_MODE"); mode != "" {
		c.Backup.DirMode = mode
	}
	if mode := os.Getenv("BACKUP_FILE_MODE"); mode != "" {
		c.Backup.FileMode = mode
	}
}

// loadFTPFromEnv lädt das FTP-Staging-Verzeichnis, Eigentümer und Modus-Bits.
func (c *EnvConfig) loadFTPFromEnv() {
	if dir := os.Getenv("FTP_DIR"); dir != "" {
		c.FTP.Dir = dir
	}
	if user := os.Getenv("FTP_USER"); user != "" {
		c.FTP.User = user
	}
	if group := os.Getenv("FTP_GROUP"); group != "" {
		c.FTP.Group = group
	}
	if mode := os.Getenv("FTP_DIR_MODE"); mode != "" {
		c.FTP.DirMode = mode
	}
	if mode := os.Getenv("FTP_FILE_MODE"); mode != "" {
		c.FTP.FileMode = mode
	}
}

// loadRsyncFromEnv lädt Transfer-Ziel und Schlüssel je Export-Art.
func (c *EnvConfig) loadRsyncFromEnv() {
	if user := os.Getenv("RSYNC_USER"); user != "" {
		c.Rsync.User = user
	}
	if host := os.Getenv("RSYNC_FULLEXPORT_HOST"); host != "" {
		c.Rsync.FullHost = host
	}
	if port := os.Getenv("RSYNC_FULLEXPORT_PORT"); port != "" {
		if val, err := strconv.Atoi(port); err == nil && val > 0 {
			c.Rsync.FullPort = val
		}
	}
	if dir := os.Getenv("RSYNC_FULLEXPORT_DIR"); dir != "" {
		c.Rsync.FullDir = dir
	}
	if key := os.Getenv("RSYNC_FULLEXPORT_KEY"); key != "" {
		c.Rsync.FullKey = key
	}
	if dir := os.Getenv("RSYNC_INCREMENTAL_DIR"); dir != "" {
		c.Rsync.IncrementalDir = dir
	}
	if key := os.Getenv("RSYNC_INCREMENTAL_KEY"); key != "" {
		c.Rsync.IncrementalKey = key
	}
	if backend := os.Getenv("RSYNC_BACKEND"); backend != "" {
		c.Rsync.Backend = backend
	}
}

// loadSpoolFromEnv lädt die Spool-Konfiguration aus Umgebungsvariablen.
func (c *EnvConfig) loadSpoolFromEnv() {
	if maxRetries := os.Getenv("FILE_STABILITY_MAX_RETRIES"); maxRetries != "" {
		if val, err := strconv.Atoi(maxRetries); err == nil && val > 0 {
			c.Spool.Stability.MaxRetries = val
		}
	}
	if checkInterval := os.Getenv("FILE_STABILITY_CHECK_INTERVAL"); checkInterval != "" {
		if val, err := strconv.Atoi(checkInterval); err == nil && val > 0 {
			c.Spool.Stability.CheckInterval = val
		}
	}
	if stabilityPeriod := os.Getenv("FILE_STABILITY_PERIOD"); stabilityPeriod != "" {
		if val, err := strconv.Atoi(stabilityPeriod); err == nil && val > 0 {
			c.Spool.Stability.StabilityPeriod = val
		}
	}
	if workers := os.Getenv("SPOOL_WORKERS"); workers != "" {
		if val, err := strconv.Atoi(workers); err == nil && val > 0 {
			c.Spool.Workers = val
		}
	}
	if queueSize := os.Getenv("SPOOL_QUEUE_SIZE"); queueSize != "" {
		if val, err := strconv.Atoi(queueSize); err == nil && val > 0 {
			c.Spool.QueueSize = val
		}
	}
}

// loadScheduleAndRetentionFromEnv lädt Zeitplan und Aufbewahrung.
func (c *EnvConfig) loadScheduleAndRetentionFromEnv() {
	if full := os.Getenv("SCHEDULE_FULL"); full != "" {
		c.Schedule.Full = full
	}
	if inc := os.Getenv("SCHEDULE_INCREMENTAL"); inc != "" {
		c.Schedule.Incremental = inc
	}
	if keep := os.Getenv("RETENTION_FULL"); keep != "" {
		if val, err := strconv.Atoi(keep); err == nil && val > 0 {
			c.Retention.Full = val
		}
	}
	if keep := os.Getenv("RETENTION_INCREMENTAL"); keep != "" {
		if val, err := strconv.Atoi(keep); err == nil && val > 0 {
			c.Retention.Incremental = val
		}
	}
	if keep := os.Getenv("RETENTION_BACKUP"); keep != "" {
		if val, err := strconv.Atoi(keep); err == nil && val > 0 {
			c.Retention.Backup = val
		}
	}
}

// loadOutputTargetsFromEnv sammelt Spiegel-Ziele aus flachen Variablen der
// Form OUTPUT_<N>_PATH, OUTPUT_<N>_TYPE usw. Die Indizes müssen nicht
// lückenlos sein; Ziele ohne Pfad werden verworfen.
func (c *EnvConfig) loadOutputTargetsFromEnv() {
	byIndex := make(map[string]*OutputTarget)

	// Nur *_PATH legt ein Ziel an, alle weiteren Eigenschaften werden danach
	// über den Index zugeladen
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "OUTPUT_") || !strings.HasSuffix(name, "_PATH") {
			continue
		}

		index := strings.TrimSuffix(strings.TrimPrefix(name, "OUTPUT_"), "_PATH")
		if byIndex[index] == nil {
			byIndex[index] = &OutputTarget{}
		}
		byIndex[index].Path = value
	}

	var targets []OutputTarget
	for index, target := range byIndex {
		c.loadTargetProperties(target, index)
		if target.Path != "" {
			targets = append(targets, *target)
		}
	}

	if len(targets) > 0 {
		c.Output = targets
	}
}

// loadTargetProperties liest die übrigen OUTPUT_<N>_*-Eigenschaften eines
// Ziels nach. Leere Werte lassen das Feld unangetastet.
func (c *EnvConfig) loadTargetProperties(target *OutputTarget, index string) {
	prefix := "OUTPUT_" + index + "_"

	fields := map[string]*string{
		"TYPE":  &target.Type,
		"KINDS": &target.Kinds,
		// S3
		"ENDPOINT":   &target.Endpoint,
		"ACCESS_KEY": &target.AccessKey,
		"SECRET_KEY": &target.SecretKey,
		"REGION":     &target.Region,
		// FTP/SFTP
		"HOST":     &target.Host,
		"USERNAME": &target.Username,
		"PASSWORD": &target.Password,
		"KEY_FILE": &target.KeyFile,
	}
	for suffix, field := range fields {
		if value := os.Getenv(prefix + suffix); value != "" {
			*field = value
		}
	}

	// SSL ist dreiwertig: nicht gesetzt, true oder false
	if value := os.Getenv(prefix + "SSL"); value != "" {
		ssl := strings.ToLower(value) == "true"
		target.SSL = &ssl
	}
}

// loadOutputTargetsFromBlob liest die komplette Ziel-Liste aus OUTPUTS, als
// JSON oder notfalls als YAML. Unlesbare Werte werden ignoriert, der Daemon
// läuft dann ohne Spiegel-Ziele.
func (c *EnvConfig) loadOutputTargetsFromBlob() {
	raw := os.Getenv("OUTPUTS")
	if raw == "" {
		return
	}

	var targets []OutputTarget
	if err := json.Unmarshal([]byte(raw), &targets); err != nil {
		if err := yaml.Unmarshal([]byte(raw), &targets); err != nil {
			return
		}
	}
	c.Output = targets
}

// SetDefaults setzt Standard-Werte für die Konfiguration.
func (c *EnvConfig) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "postgres"
	}
	// Dump Defaults
	if c.Dump.Threads == 0 {
		c.Dump.Threads = 4 // 4 parallele Export-Worker
	}
	if c.Dump.BaseDir == "" {
		c.Dump.BaseDir = "/data/dumps"
	}
	if c.Dump.PrivateBaseDir == "" {
		c.Dump.PrivateBaseDir = "/data/private-dumps"
	}
	if c.Dump.RegistryFile == "" {
		c.Dump.RegistryFile = c.Dump.BaseDir + "/.dumps.db"
	}
	// Backup Defaults (0700 Verzeichnisse, 0600 Dateien)
	if c.Backup.Dir == "" {
		c.Backup.Dir = "/data/backup"
	}
	if c.Backup.PrivateDir == "" {
		c.Backup.PrivateDir = "/data/private-backup"
	}
	if c.Backup.User == "" {
		c.Backup.User = "listenbrainz"
	}
	if c.Backup.Group == "" {
		c.Backup.Group = "listenbrainz"
	}
	if c.Backup.DirMode == "" {
		c.Backup.DirMode = "0700"
	}
	if c.Backup.FileMode == "" {
		c.Backup.FileMode = "0600"
	}
	// FTP Defaults (0755 Verzeichnisse, 0644 Dateien)
	if c.FTP.Dir == "" {
		c.FTP.Dir = "/data/ftp"
	}
	if c.FTP.User == "" {
		c.FTP.User = "upload"
	}
	if c.FTP.Group == "" {
		c.FTP.Group = "upload"
	}
	if c.FTP.DirMode == "" {
		c.FTP.DirMode = "0755"
	}
	if c.FTP.FileMode == "" {
		c.FTP.FileMode = "0644"
	}
	// Rsync Defaults
	if c.Rsync.User == "" {
		c.Rsync.User = "brainz"
	}
	if c.Rsync.FullPort == 0 {
		c.Rsync.FullPort = 22
	}
	if c.Rsync.Backend == "" {
		c.Rsync.Backend = "rsync"
	}
	// Spool Defaults
	if c.Spool.Stability.MaxRetries == 0 {
		c.Spool.Stability.MaxRetries = 30 // 30 Versuche
	}
	if c.Spool.Stability.CheckInterval == 0 {
		c.Spool.Stability.CheckInterval = 1000 // 1000ms = 1 Sekunde
	}
	if c.Spool.Stability.StabilityPeriod == 0 {
		c.Spool.Stability.StabilityPeriod = 1000 // 1000ms = 1 Sekunde
	}
	if c.Spool.Workers == 0 {
		c.Spool.Workers = 2 // 2 parallele Publish-Worker
	}
	if c.Spool.QueueSize == 0 {
		c.Spool.QueueSize = 16 // 16 Dumps in der Warteschlange
	}
	// Schedule Defaults: Voll-Dump alle 15 Tage, Inkremental täglich
	if c.Schedule.Full == "" {
		c.Schedule.Full = "360h"
	}
	if c.Schedule.Incremental == "" {
		c.Schedule.Incremental = "24h"
	}
	// Retention Defaults
	if c.Retention.Full == 0 {
		c.Retention.Full = 2
	}
	if c.Retention.Incremental == 0 {
		c.Retention.Incremental = 30
	}
	if c.Retention.Backup == 0 {
		c.Retention.Backup = 2
	}
	if c.Health.Port == "" {
		c.Health.Port = "8080"
	}
}

// Validate checks the configuration for completeness and parseability.
func (c *EnvConfig) Validate() error {
	if c.Dump.BaseDir == "" {
		return fmt.Errorf("dump.base-dir darf nicht leer sein")
	}
	if c.Dump.PrivateBaseDir == "" {
		return fmt.Errorf("dump.private-base-dir darf nicht leer sein")
	}
	if c.Dump.BaseDir == c.Dump.PrivateBaseDir {
		return fmt.Errorf("dump.base-dir und dump.private-base-dir dürfen nicht identisch sein")
	}
	if c.Dump.Threads <= 0 {
		return fmt.Errorf("dump.threads muss größer als 0 sein")
	}
	if _, err := c.Backup.Permissions(); err != nil {
		return err
	}
	if _, err := c.FTP.Permissions(); err != nil {
		return err
	}
	if _, err := c.Schedule.FullInterval(); err != nil {
		return fmt.Errorf("schedule.full: %w", err)
	}
	if _, err := c.Schedule.IncrementalInterval(); err != nil {
		return fmt.Errorf("schedule.incremental: %w", err)
	}
	switch c.Rsync.Backend {
	case "", "rsync", "sftp":
	default:
		return fmt.Errorf("unbekanntes Transfer-Backend: %s (erlaubt: rsync, sftp)", c.Rsync.Backend)
	}
	for i, target := range c.Output {
		if err := target.Validate(); err != nil {
			return fmt.Errorf("output-Target %d: %w", i+1, err)
		}
	}
	return nil
}

// GetLogLevel liefert die konfigurierte Log-Stufe in Großschreibung.
// Unbekannte Werte fallen auf INFO zurück.
func (c *EnvConfig) GetLogLevel() string {
	switch level := strings.ToUpper(c.Log.Level); level {
	case "DEBUG", "INFO", "WARN", "ERROR":
		return level
	}
	return "INFO"
}
