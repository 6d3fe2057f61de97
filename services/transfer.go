package services

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/huhridge/listenbrainz-server/config"
)

// Transferrer schiebt abgeschlossene öffentliche Dumps zum konfigurierten
// Export-Host. Voll- und Inkremental-Exporte verwenden getrennte
// Zielverzeichnisse und getrennte SSH-Schlüssel; der Schlüssel wird vor
// jedem Netz-Zugriff validiert.
type Transferrer struct {
	cfg config.RsyncConfig
}

func NewTransferrer(cfg config.RsyncConfig) *Transferrer {
	return &Transferrer{cfg: cfg}
}

// Transfer überträgt srcDir als <name>/ in das Zielverzeichnis der Dump-Art.
// backend überschreibt rsync.backend; leer nimmt den konfigurierten Wert.
func (tr *Transferrer) Transfer(srcDir, name string, kind config.DumpKind, backend string) error {
	if !tr.cfg.Enabled() {
		slog.Info("Kein Export-Host konfiguriert - Transfer übersprungen", "dump", name)
		return nil
	}
	if err := tr.cfg.ValidateFor(kind); err != nil {
		return err
	}

	if backend == "" {
		backend = tr.cfg.Backend
	}
	if backend == "" {
		backend = "rsync"
	}

	start := time.Now()
	var err error
	switch backend {
	case "rsync":
		err = tr.transferRsync(srcDir, name, kind)
	case "sftp":
		err = tr.transferSFTP(srcDir, name, kind)
	default:
		return fmt.Errorf("unbekanntes Transfer-Backend: %s (erlaubt: rsync, sftp)", backend)
	}
	if err != nil {
		return err
	}

	slog.Info("Dump übertragen",
		"dump", name,
		"art", kind,
		"backend", backend,
		"ziel", tr.cfg.Address(),
		"dauer", time.Since(start).Round(time.Millisecond))
	return nil
}

// transferRsync ruft das rsync-Binary mit SSH-Transport auf. Die Ausgabe
// wandert bei Fehlern mit in die Fehlermeldung.
func (tr *Transferrer) transferRsync(srcDir, name string, kind config.DumpKind) error {
	if _, err := exec.LookPath("rsync"); err != nil {
		return fmt.Errorf("rsync nicht im PATH (alternativ rsync.backend=sftp verwenden): %w", err)
	}

	cmd := exec.Command("rsync", tr.rsyncArgs(srcDir, name, kind)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rsync fehlgeschlagen: %w, Ausgabe: %s", err, string(output))
	}
	return nil
}

// rsyncArgs baut die Argumentliste: Archiv-Modus, SSH-Transport mit dem
// Schlüssel der Dump-Art, Ziel <user>@<host>:<dir>/<name>/.
func (tr *Transferrer) rsyncArgs(srcDir, name string, kind config.DumpKind) []string {
	port := tr.cfg.FullPort
	if port == 0 {
		port = 22
	}
	sshCommand := fmt.Sprintf("ssh -i %s -p %d -o StrictHostKeyChecking=no", tr.cfg.KeyFor(kind), port)
	dest := fmt.Sprintf("%s@%s:%s/", tr.cfg.User, tr.cfg.FullHost, path.Join(tr.cfg.DirFor(kind), name))
	return []string{"-a", "-e", sshCommand, srcDir + "/", dest}
}

// transferSFTP überträgt den Baum nativ über pkg/sftp.
func (tr *Transferrer) transferSFTP(srcDir, name string, kind config.DumpKind) error {
	sshConfig, err := sshConfigForKey(tr.cfg.User, tr.cfg.KeyFor(kind))
	if err != nil {
		return err
	}

	conn, err := ssh.Dial("tcp", tr.cfg.Address(), sshConfig)
	if err != nil {
		return fmt.Errorf("SSH-Verbindung fehlgeschlagen: %w", err)
	}
	defer conn.Close()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("SFTP-Client-Erstellung fehlgeschlagen: %w", err)
	}
	defer client.Close()

	return uploadTreeSFTP(client, srcDir, path.Join(tr.cfg.DirFor(kind), name))
}

// uploadTreeSFTP lädt einen Verzeichnisbaum rekursiv auf den SFTP-Server.
func uploadTreeSFTP(client *sftp.Client, srcDir, remoteBase string) error {
	return filepath.Walk(srcDir, func(srcPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, srcPath)
		if err != nil {
			return fmt.Errorf("fehler beim Bestimmen des relativen Pfads: %w", err)
		}
		remotePath := path.Join(remoteBase, filepath.ToSlash(rel))

		if info.IsDir() {
			if err := client.MkdirAll(remotePath); err != nil {
				return fmt.Errorf("remote-Verzeichnis %s nicht erstellbar: %w", remotePath, err)
			}
			return nil
		}

		srcFile, err := os.Open(srcPath)
		if err != nil {
			return fmt.Errorf("fehler beim Öffnen der Quelldatei: %w", err)
		}
		defer srcFile.Close()

		dstFile, err := client.Create(remotePath)
		if err != nil {
			return fmt.Errorf("fehler beim Erstellen der Remote-Datei: %w", err)
		}
		defer dstFile.Close()

		if _, err := io.Copy(dstFile, srcFile); err != nil {
			return fmt.Errorf("fehler beim SFTP-Upload: %w", err)
		}

		slog.Debug("Datei über SFTP hochgeladen", "quelle", srcPath, "ziel", remotePath)
		return nil
	})
}

// sshConfigForKey baut eine SSH-Konfiguration mit Public-Key-Auth aus einer
// privaten Schlüsseldatei.
func sshConfigForKey(user, keyFile string) (*ssh.ClientConfig, error) {
	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("SSH-Schlüssel %s nicht lesbar: %w", keyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("SSH-Schlüssel %s ungültig: %w", keyFile, err)
	}

	return &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}, nil
}
