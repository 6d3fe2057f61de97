package config

import (
	"fmt"
	"os"
)

// RsyncConfig beschreibt das Transfer-Ziel für veröffentlichte Dumps.
// Voll- und Inkremental-Exporte teilen sich Host und Port, verwenden aber
// getrennte Zielverzeichnisse und getrennte SSH-Schlüssel.
type RsyncConfig struct {
	User           string `yaml:"user"`
	FullHost       string `yaml:"fullexport-host"`
	FullPort       int    `yaml:"fullexport-port"`
	FullDir        string `yaml:"fullexport-dir"`
	FullKey        string `yaml:"fullexport-key"`
	IncrementalDir string `yaml:"incremental-dir"`
	IncrementalKey string `yaml:"incremental-key"`
	Backend        string `yaml:"backend"` // "rsync" oder "sftp"
}

// DirFor returns the remote directory for the given export kind.
func (r RsyncConfig) DirFor(kind DumpKind) string {
	if kind == KindIncremental {
		return r.IncrementalDir
	}
	return r.FullDir
}

// KeyFor returns the private key path for the given export kind. Full and
// incremental transfers never share a credential.
func (r RsyncConfig) KeyFor(kind DumpKind) string {
	if kind == KindIncremental {
		return r.IncrementalKey
	}
	return r.FullKey
}

// Enabled reports whether a transfer target is configured at all.
func (r RsyncConfig) Enabled() bool {
	return r.FullHost != ""
}

// ValidateFor checks that everything a transfer of the given kind needs is
// present and that the key file is readable. Called before any network use.
func (r RsyncConfig) ValidateFor(kind DumpKind) error {
	if r.FullHost == "" {
		return fmt.Errorf("rsync-Host nicht konfiguriert")
	}
	if r.DirFor(kind) == "" {
		return fmt.Errorf("rsync-Zielverzeichnis für %s-Export nicht konfiguriert", kind)
	}
	key := r.KeyFor(kind)
	if key == "" {
		return fmt.Errorf("SSH-Schlüssel für %s-Export nicht konfiguriert", kind)
	}
	if _, err := os.Stat(key); err != nil {
		return fmt.Errorf("SSH-Schlüssel %s nicht lesbar: %w", key, err)
	}
	return nil
}

// Address returns host:port for dialing.
func (r RsyncConfig) Address() string {
	port := r.FullPort
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", r.FullHost, port)
}
