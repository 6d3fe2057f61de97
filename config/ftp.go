package config

// FTPConfig ist die aufgelöste Sicht eines ftp- oder sftp-Mirror-Ziels.
// GetFTPConfig füllt sie aus einem OutputTarget und ergänzt Host und Port
// aus der Ziel-URL, falls sie dort nicht explizit stehen.
type FTPConfig struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Port     int    `yaml:"port"`               // Optional, Standard 21 für FTP, 22 für SFTP
	KeyFile  string `yaml:"key-file,omitempty"` // nur sftp, ersetzt das Passwort
}
