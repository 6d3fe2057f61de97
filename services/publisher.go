package services

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/huhridge/listenbrainz-server/config"
)

// LatestFile nennt pro Export-Art den Namen des zuletzt veröffentlichten
// Dumps. Konsumenten lesen erst LATEST und laden dann das Verzeichnis.
const LatestFile = "LATEST"

// StageSubdir liefert das Unterverzeichnis der Export-Art im FTP-Staging.
func StageSubdir(kind config.DumpKind) string {
	if kind == config.KindIncremental {
		return "incremental"
	}
	return "fullexport"
}

// Publisher veröffentlicht abgeschlossene öffentliche Dumps: Staging unter
// ftp.dir, LATEST-Zeiger und Spiegelung zu den konfigurierten Zielen
// (filesystem, s3, ftp, sftp). Das Staging überlebt Mirror-Fehler.
type Publisher struct {
	cfg     config.FTPStaging
	targets []config.OutputTarget
	applier *PermissionApplier
	s3Pool  *S3ClientPool
}

func NewPublisher(cfg config.FTPStaging, targets []config.OutputTarget, s3Pool *S3ClientPool) (*Publisher, error) {
	perms, err := cfg.Permissions()
	if err != nil {
		return nil, fmt.Errorf("FTP-Berechtigungen ungültig: %w", err)
	}
	applier, err := NewPermissionApplier(perms, cfg.Strict)
	if err != nil {
		return nil, err
	}

	return &Publisher{
		cfg:     cfg,
		targets: targets,
		applier: applier,
		s3Pool:  s3Pool,
	}, nil
}

// Publish verifiziert die Prüfsummen, staged den Dump und bedient danach
// die Mirror-Ziele. Ein Dump, der die Verifikation nicht besteht, wird
// weder gestaged noch gespiegelt.
func (p *Publisher) Publish(dumpDir string, kind config.DumpKind) error {
	name := filepath.Base(dumpDir)
	start := time.Now()

	if err := VerifyChecksums(dumpDir); err != nil {
		return fmt.Errorf("prüfsummen-Verifikation für %s fehlgeschlagen: %w", name, err)
	}

	stageDir := filepath.Join(p.cfg.Dir, StageSubdir(kind), name)
	if err := copyTree(dumpDir, stageDir); err != nil {
		return fmt.Errorf("staging von %s fehlgeschlagen: %w", name, err)
	}
	if err := p.applier.ApplyTree(stageDir); err != nil {
		return fmt.Errorf("FTP-Berechtigungen nicht anwendbar: %w", err)
	}

	// LATEST erst, wenn der Baum vollständig liegt
	if err := p.writeLatest(kind, name); err != nil {
		return err
	}

	slog.Info("Dump veröffentlicht",
		"dump", name,
		"art", kind,
		"staging", stageDir,
		"dauer", time.Since(start).Round(time.Millisecond))

	return p.mirror(dumpDir, name, kind)
}

// StagedPath liefert den Pfad, unter dem ein Dump nach Publish im
// FTP-Staging liegt.
func (p *Publisher) StagedPath(name string, kind config.DumpKind) string {
	return filepath.Join(p.cfg.Dir, StageSubdir(kind), name)
}

func (p *Publisher) writeLatest(kind config.DumpKind, name string) error {
	latestPath := filepath.Join(p.cfg.Dir, StageSubdir(kind), LatestFile)
	if err := os.WriteFile(latestPath, []byte(name+"\n"), p.applier.perms.FileMode); err != nil {
		return fmt.Errorf("LATEST nicht schreibbar: %w", err)
	}
	return p.applier.ApplyFile(latestPath)
}

// mirror bedient alle Ziele, deren kinds-Filter zur Export-Art passt.
// Fehler werden pro Ziel gesammelt; das FTP-Staging bleibt bestehen.
func (p *Publisher) mirror(dumpDir, name string, kind config.DumpKind) error {
	var transferErrors []error

	for _, target := range p.targets {
		if !target.AppliesTo(kind) {
			slog.Debug("Mirror-Ziel übersprungen - andere Export-Art", "ziel", target.Path, "art", kind)
			continue
		}

		var err error
		switch target.Type {
		case "filesystem":
			err = p.mirrorToFilesystem(dumpDir, name, target)
		case "s3":
			err = p.mirrorToS3(dumpDir, name, target)
		case "ftp":
			err = p.mirrorToFTP(dumpDir, name, target)
		case "sftp":
			err = p.mirrorToSFTP(dumpDir, name, target)
		default:
			err = fmt.Errorf("unbekannter Zieltyp: %s", target.Type)
		}
		if err != nil {
			transferErrors = append(transferErrors, fmt.Errorf("%s-transfer fehlgeschlagen: %w", target.Type, err))
			slog.Error("Mirror-Transfer fehlgeschlagen", "typ", target.Type, "ziel", target.Path, "fehler", err)
		}
	}

	if len(transferErrors) > 0 {
		return fmt.Errorf("transfers fehlgeschlagen: %v", transferErrors)
	}
	return nil
}

func (p *Publisher) mirrorToFilesystem(dumpDir, name string, target config.OutputTarget) error {
	destDir := filepath.Join(target.Path, name)
	if err := copyTree(dumpDir, destDir); err != nil {
		return err
	}
	slog.Info("Dump zu Filesystem gespiegelt", "dump", name, "ziel", destDir)
	return nil
}

func (p *Publisher) mirrorToS3(dumpDir, name string, target config.OutputTarget) error {
	if p.s3Pool == nil {
		return fmt.Errorf("s3-Client-Pool nicht initialisiert")
	}

	s3Config := target.GetS3Config()
	client, err := p.s3Pool.Mirror(s3Config)
	if err != nil {
		return err
	}

	base, err := parseS3Path(target.Path, name)
	if err != nil {
		return err
	}
	if err := client.EnsureBucket(base.bucketName); err != nil {
		return err
	}

	err = walkDumpFiles(dumpDir, name, func(srcPath, relPath string, info os.FileInfo) error {
		s3Path, err := parseS3Path(target.Path, relPath)
		if err != nil {
			return err
		}

		// Beim erneuten Veröffentlichen nach einem Neustart werden schon
		// vorhandene Objekte übersprungen
		exists, err := client.ObjectExists(s3Path.bucketName, s3Path.objectKey)
		if err == nil && exists {
			slog.Debug("Objekt existiert bereits", "bucket", s3Path.bucketName, "key", s3Path.objectKey)
			return nil
		}

		return client.Upload(srcPath, s3Path.bucketName, s3Path.objectKey)
	})
	if err != nil {
		return err
	}

	slog.Info("Dump zu S3 gespiegelt", "dump", name, "bucket", base.bucketName, "endpoint", s3Config.Endpoint)
	return nil
}

func (p *Publisher) mirrorToFTP(dumpDir, name string, target config.OutputTarget) error {
	host, remoteBase, err := parseRemotePath(target.Path, name, "21")
	if err != nil {
		return fmt.Errorf("fehler beim Parsen des FTP-Pfads: %w", err)
	}

	ftpConfig := target.GetFTPConfig()
	client, err := connectAndLoginFTP(host, ftpConfig)
	if err != nil {
		return err
	}
	defer client.Quit()

	err = walkDumpFiles(dumpDir, name, func(srcPath, relPath string, info os.FileInfo) error {
		remotePath := normalizeRemotePath(filepath.Join(filepath.Dir(remoteBase), relPath))
		ensureFTPDirs(client, path.Dir(remotePath))

		srcFile, err := os.Open(srcPath)
		if err != nil {
			return fmt.Errorf("fehler beim Öffnen der Quelldatei: %w", err)
		}
		defer srcFile.Close()

		if err := client.Stor(remotePath, srcFile); err != nil {
			return fmt.Errorf("fehler beim FTP-Upload: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("Dump über FTP gespiegelt", "dump", name, "host", host)
	return nil
}

func (p *Publisher) mirrorToSFTP(dumpDir, name string, target config.OutputTarget) error {
	host, remoteBase, err := parseRemotePath(target.Path, name, "22")
	if err != nil {
		return fmt.Errorf("fehler beim Parsen des SFTP-Pfads: %w", err)
	}

	ftpConfig := target.GetFTPConfig()
	sshConfig, err := sshConfigForTarget(ftpConfig)
	if err != nil {
		return err
	}

	conn, err := ssh.Dial("tcp", host, sshConfig)
	if err != nil {
		return fmt.Errorf("SSH-Verbindung fehlgeschlagen: %w", err)
	}
	defer conn.Close()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("SFTP-Client-Erstellung fehlgeschlagen: %w", err)
	}
	defer client.Close()

	if err := uploadTreeSFTP(client, dumpDir, remoteBase); err != nil {
		return err
	}

	slog.Info("Dump über SFTP gespiegelt", "dump", name, "host", host)
	return nil
}

// walkDumpFiles ruft fn für jede reguläre Datei des Dump-Verzeichnisses mit
// dem relativen Pfad <name>/<datei> auf.
func walkDumpFiles(dumpDir, name string, fn func(srcPath, relPath string, info os.FileInfo) error) error {
	return filepath.Walk(dumpDir, func(srcPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dumpDir, srcPath)
		if err != nil {
			return fmt.Errorf("fehler beim Bestimmen des relativen Pfads: %w", err)
		}
		return fn(srcPath, filepath.ToSlash(filepath.Join(name, rel)), info)
	})
}

// ensureFTPDirs legt die Verzeichniskette schrittweise an. Fehler werden
// ignoriert, falls das Verzeichnis bereits existiert.
func ensureFTPDirs(client *ftp.ServerConn, remoteDir string) {
	if remoteDir == "." || remoteDir == "/" || remoteDir == "" {
		return
	}
	currentPath := ""
	for _, dir := range strings.Split(remoteDir, "/") {
		if dir == "" {
			continue
		}
		currentPath = path.Join(currentPath, dir)
		if err := client.MakeDir(currentPath); err != nil {
			slog.Debug("Verzeichnis existiert möglicherweise bereits", "verzeichnis", currentPath)
		}
	}
}

// normalizeRemotePath konvertiert Windows-Pfade zu Unix-Style für die
// Remote-Übertragung.
func normalizeRemotePath(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// parseRemotePath zerlegt FTP/SFTP-Ziel-URLs in Host und Remote-Pfad und
// ergänzt den Standard-Port, falls keiner angegeben ist.
func parseRemotePath(targetPath, relPath string, defaultPort string) (host, remotePath string, err error) {
	u, err := url.Parse(targetPath)
	if err != nil {
		return "", "", fmt.Errorf("ungültiger Remote-Pfad: %w", err)
	}

	host = u.Host
	remotePath = strings.TrimPrefix(u.Path, "/")
	if remotePath != "" {
		remotePath = filepath.Join(remotePath, relPath)
	} else {
		remotePath = relPath
	}

	if !strings.Contains(host, ":") {
		host += ":" + defaultPort
	}

	return host, normalizeRemotePath(remotePath), nil
}

// sshConfigForTarget bevorzugt Public-Key-Auth, wenn das Ziel eine
// Schlüsseldatei angibt, sonst Passwort-Auth.
func sshConfigForTarget(ftpConfig config.FTPConfig) (*ssh.ClientConfig, error) {
	if ftpConfig.KeyFile != "" {
		return sshConfigForKey(ftpConfig.Username, ftpConfig.KeyFile)
	}
	return &ssh.ClientConfig{
		User: ftpConfig.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(ftpConfig.Password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}, nil
}

func connectAndLoginFTP(host string, ftpConfig config.FTPConfig) (*ftp.ServerConn, error) {
	client, err := ftp.Dial(host, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("FTP-Verbindung fehlgeschlagen: %w", err)
	}

	if err := client.Login(ftpConfig.Username, ftpConfig.Password); err != nil {
		client.Quit()
		return nil, fmt.Errorf("FTP-Anmeldung fehlgeschlagen: %w", err)
	}

	return client, nil
}

type s3PathInfo struct {
	bucketName string
	objectKey  string
}

// parseS3Path zerlegt S3-Ziel-URLs in Bucket und Objekt-Key.
func parseS3Path(targetPath, relPath string) (s3PathInfo, error) {
	u, err := url.Parse(targetPath)
	if err != nil {
		return s3PathInfo{}, fmt.Errorf("ungültiger S3-Pfad: %w", err)
	}

	bucketName := u.Host
	prefix := strings.TrimPrefix(u.Path, "/")

	objectKey := relPath
	if prefix != "" {
		objectKey = filepath.Join(prefix, relPath)
	}
	objectKey = normalizeRemotePath(objectKey)

	return s3PathInfo{
		bucketName: bucketName,
		objectKey:  objectKey,
	}, nil
}
