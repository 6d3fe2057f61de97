package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Named permission constants for the two artifact classes the pipeline
// produces. Backups are private to the backup account, FTP publications
// are world-readable.
const (
	// Owner: read+write+execute, Group: none, Others: none
	DefaultBackupDirMode = os.FileMode(0700)

	// Owner: read+write, Group: none, Others: none
	DefaultBackupFileMode = os.FileMode(0600)

	// Owner: read+write+execute, Group: read+execute, Others: read+execute
	DefaultFTPDirMode = os.FileMode(0755)

	// Owner: read+write, Group: read, Others: read
	DefaultFTPFileMode = os.FileMode(0644)
)

// PermissionSet bündelt Eigentümer und Modus-Bits für einen Artefakt-Baum.
type PermissionSet struct {
	User     string
	Group    string
	DirMode  os.FileMode
	FileMode os.FileMode
}

// ParseFileMode parses an octal mode string as found in the environment
// ("0700", "700", "0o700") into a FileMode.
func ParseFileMode(s string) (os.FileMode, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0o")
	if trimmed == "" {
		return 0, fmt.Errorf("leerer Datei-Modus")
	}
	val, err := strconv.ParseUint(trimmed, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("ungültiger Datei-Modus %q: %w", s, err)
	}
	if val > 0777 {
		return 0, fmt.Errorf("Datei-Modus %q außerhalb des gültigen Bereichs", s)
	}
	return os.FileMode(val), nil
}

// BackupConfig describes the backup storage roots and the ownership and
// permission bits every backup artifact must carry.
type BackupConfig struct {
	Dir        string `yaml:"dir"`
	PrivateDir string `yaml:"private-dir"`
	User       string `yaml:"user"`
	Group      string `yaml:"group"`
	DirMode    string `yaml:"dir-mode"`
	FileMode   string `yaml:"file-mode"`
	Strict     bool   `yaml:"strict"` // chown-Fehler als Fehler statt Warnung behandeln
}

// Permissions resolves the configured mode strings into a PermissionSet.
func (b BackupConfig) Permissions() (PermissionSet, error) {
	dirMode, err := ParseFileMode(b.DirMode)
	if err != nil {
		return PermissionSet{}, fmt.Errorf("backup dir-mode: %w", err)
	}
	fileMode, err := ParseFileMode(b.FileMode)
	if err != nil {
		return PermissionSet{}, fmt.Errorf("backup file-mode: %w", err)
	}
	return PermissionSet{
		User:     b.User,
		Group:    b.Group,
		DirMode:  dirMode,
		FileMode: fileMode,
	}, nil
}

// FTPStaging describes the public FTP publication tree and the ownership and
// permission bits every published artifact must carry.
type FTPStaging struct {
	Dir      string `yaml:"dir"`
	User     string `yaml:"user"`
	Group    string `yaml:"group"`
	DirMode  string `yaml:"dir-mode"`
	FileMode string `yaml:"file-mode"`
	Strict   bool   `yaml:"strict"`
}

// Permissions resolves the configured mode strings into a PermissionSet.
func (f FTPStaging) Permissions() (PermissionSet, error) {
	dirMode, err := ParseFileMode(f.DirMode)
	if err != nil {
		return PermissionSet{}, fmt.Errorf("ftp dir-mode: %w", err)
	}
	fileMode, err := ParseFileMode(f.FileMode)
	if err != nil {
		return PermissionSet{}, fmt.Errorf("ftp file-mode: %w", err)
	}
	return PermissionSet{
		User:     f.User,
		Group:    f.Group,
		DirMode:  dirMode,
		FileMode: fileMode,
	}, nil
}
