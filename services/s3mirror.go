package services

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/huhridge/listenbrainz-server/config"
)

var errMirrorNotInitialized = errors.New("S3-Mirror ist nicht initialisiert")

// S3Mirror kapselt den minio-Client für ein einzelnes Mirror-Ziel. Dumps
// landen dort als vollständige Verzeichnisbäume, der Objekt-Key entspricht
// dem relativen Pfad im FTP-Staging.
type S3Mirror struct {
	client *minio.Client
}

// NewS3Mirror baut den Client aus der Ziel-Konfiguration auf. Die Verbindung
// entsteht lazy, Erreichbarkeit prüft erst Ping.
func NewS3Mirror(cfg config.S3Config) (*S3Mirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.SSL,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("S3-Mirror initialisiert", "endpoint", cfg.Endpoint)
	return &S3Mirror{client: client}, nil
}

// Ping prüft die Erreichbarkeit des Ziels über ListBuckets.
func (m *S3Mirror) Ping() error {
	if m.client == nil {
		return errMirrorNotInitialized
	}
	_, err := m.client.ListBuckets(context.Background())
	return err
}

// EnsureBucket legt den Ziel-Bucket an, falls er noch nicht existiert.
func (m *S3Mirror) EnsureBucket(bucket string) error {
	if m.client == nil {
		return errMirrorNotInitialized
	}

	ctx := context.Background()
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return err
	}
	slog.Info("Bucket angelegt", "bucket", bucket)
	return nil
}

// ObjectExists meldet, ob der Key bereits im Bucket liegt. NoSuchKey ist
// kein Fehler, sondern ein sauberes false.
func (m *S3Mirror) ObjectExists(bucket, key string) (bool, error) {
	if m.client == nil {
		return false, errMirrorNotInitialized
	}

	_, err := m.client.StatObject(context.Background(), bucket, key, minio.StatObjectOptions{})
	switch {
	case err == nil:
		return true, nil
	case minio.ToErrorResponse(err).Code == "NoSuchKey":
		return false, nil
	default:
		return false, err
	}
}

// Upload lädt ein Dump-Artefakt unter dem gegebenen Key hoch.
func (m *S3Mirror) Upload(localPath, bucket, key string) error {
	if m.client == nil {
		return errMirrorNotInitialized
	}

	info, err := m.client.FPutObject(context.Background(), bucket, key, localPath,
		minio.PutObjectOptions{ContentType: contentTypeFor(key)})
	if err != nil {
		slog.Warn("Upload fehlgeschlagen", "bucket", bucket, "key", key, "err", err)
		return err
	}

	slog.Info("Artefakt hochgeladen", "bucket", bucket, "key", key, "größe", info.Size)
	return nil
}

// contentTypeFor liefert den Content-Type eines Dump-Artefakts anhand der
// Dateierweiterung. Die Metadaten-Dateien (MD5SUMS, SHA256SUMS, DUMP_ID,
// LATEST) tragen keine Erweiterung und sind Klartext.
func contentTypeFor(fileName string) string {
	switch filepath.Ext(fileName) {
	case ".zst":
		return "application/zstd"
	case ".tar":
		return "application/x-tar"
	case ".jsonl":
		return "application/x-ndjson"
	case ".tsv":
		return "text/tab-separated-values"
	case "":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
