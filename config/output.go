package config

import (
	"fmt"
	"net/url"
	"strings"
)

// OutputTarget ist ein Spiegel-Ziel für veröffentlichte Dumps, zusätzlich
// zum FTP-Staging und zum Rsync-Transfer. Über Kinds kann ein Ziel auf eine
// Export-Art eingeschränkt werden.
type OutputTarget struct {
	Path  string `yaml:"path"`
	Type  string `yaml:"type"`
	Kinds string `yaml:"kinds,omitempty"` // "full", "incremental" oder "both" (Standard)

	// Zugangsdaten für s3-Ziele
	Endpoint  string `yaml:"endpoint,omitempty"`
	Region    string `yaml:"region,omitempty"`
	AccessKey string `yaml:"access-key,omitempty"`
	SecretKey string `yaml:"secret-key,omitempty"`
	SSL       *bool  `yaml:"ssl,omitempty"` // fehlend heißt TLS an

	// Zugangsdaten für ftp- und sftp-Ziele
	Host     string `yaml:"host,omitempty"` // "host" oder "host:port"
	Port     int    `yaml:"port,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	KeyFile  string `yaml:"key-file,omitempty"` // SSH-Schlüssel statt Passwort (nur sftp)
}

// AppliesTo reports whether this target accepts dumps of the given kind.
func (ot *OutputTarget) AppliesTo(kind DumpKind) bool {
	switch ot.Kinds {
	case "", "both":
		return true
	default:
		return ot.Kinds == kind.String()
	}
}

// Validate checks type, kind filter and the type-specific required fields.
func (ot *OutputTarget) Validate() error {
	if ot.Path == "" {
		return fmt.Errorf("path darf nicht leer sein")
	}
	switch ot.Type {
	case "filesystem", "s3", "ftp", "sftp":
	default:
		return fmt.Errorf("unbekannter Zieltyp: %s (erlaubt: filesystem, s3, ftp, sftp)", ot.Type)
	}
	switch ot.Kinds {
	case "", "both", "full", "incremental":
	default:
		return fmt.Errorf("ungültiger kinds-Filter: %s (erlaubt: full, incremental, both)", ot.Kinds)
	}
	return nil
}

// GetS3Config extrahiert die S3-Konfiguration aus dem OutputTarget.
// Ohne ssl-Angabe gilt TLS.
func (ot *OutputTarget) GetS3Config() S3Config {
	cfg := S3Config{
		Endpoint:  ot.Endpoint,
		Region:    ot.Region,
		AccessKey: ot.AccessKey,
		SecretKey: ot.SecretKey,
		SSL:       true,
	}
	if ot.SSL != nil {
		cfg.SSL = *ot.SSL
	}
	return cfg
}

// defaultPort liefert den Standard-Port des Zieltyps.
func defaultPort(targetType string) int {
	if targetType == "sftp" {
		return 22
	}
	return 21
}

// GetFTPConfig extrahiert die FTP/SFTP-Konfiguration aus dem OutputTarget.
// Ohne expliziten Host wird er aus der Ziel-URL gewonnen und um den
// Standard-Port ergänzt.
func (ot *OutputTarget) GetFTPConfig() FTPConfig {
	host := ot.Host
	if host == "" && (ot.Type == "ftp" || ot.Type == "sftp") {
		if u, err := url.Parse(ot.Path); err == nil && u.Host != "" {
			host = u.Host
			if !strings.Contains(host, ":") {
				host = fmt.Sprintf("%s:%d", host, defaultPort(ot.Type))
			}
		}
	}

	port := ot.Port
	if port == 0 {
		port = defaultPort(ot.Type)
	}

	return FTPConfig{
		Host:     host,
		Username: ot.Username,
		Password: ot.Password,
		Port:     port,
		KeyFile:  ot.KeyFile,
	}
}

type OutputConfig []OutputTarget
