package services

import (
	"crypto/md5"
	"fmt"
	"log/slog"
	"sync"

	"github.com/huhridge/listenbrainz-server/config"
)

// S3ClientPool teilt S3Mirror-Clients zwischen Publisher, Spool-Workern und
// dem HealthMonitor. Pro Ziel-Konfiguration entsteht genau ein Client, der
// beim ersten Zugriff aufgebaut und danach wiederverwendet wird.
type S3ClientPool struct {
	mu      sync.RWMutex
	mirrors map[string]*S3Mirror
}

func NewS3ClientPool() *S3ClientPool {
	return &S3ClientPool{mirrors: make(map[string]*S3Mirror)}
}

// poolKey bildet Endpoint, Credentials, SSL und Region einer Konfiguration
// auf einen stabilen Cache-Schlüssel ab.
func poolKey(cfg config.S3Config) string {
	data := fmt.Sprintf("%s:%s:%s:%t:%s",
		cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.SSL, cfg.Region)
	return fmt.Sprintf("%x", md5.Sum([]byte(data)))
}

// Mirror liefert den Client für die gegebene Konfiguration und legt ihn beim
// ersten Zugriff an. Ein Ziel, dessen Ping fehlschlägt, wandert nicht in
// den Pool.
func (p *S3ClientPool) Mirror(cfg config.S3Config) (*S3Mirror, error) {
	key := poolKey(cfg)

	p.mu.RLock()
	m, ok := p.mirrors[key]
	p.mu.RUnlock()
	if ok {
		return m, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Eine andere Goroutine kann den Client inzwischen angelegt haben
	if m, ok := p.mirrors[key]; ok {
		return m, nil
	}

	m, err := NewS3Mirror(cfg)
	if err != nil {
		return nil, fmt.Errorf("mirror-Client für %s: %w", cfg.Endpoint, err)
	}
	if err := m.Ping(); err != nil {
		return nil, fmt.Errorf("mirror %s nicht erreichbar: %w", cfg.Endpoint, err)
	}

	p.mirrors[key] = m
	slog.Info("S3-Mirror in den Pool aufgenommen", "endpoint", cfg.Endpoint, "key", key[:8])
	return m, nil
}

// Size liefert die Anzahl der gepoolten Clients.
func (p *S3ClientPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.mirrors)
}

// Close verwirft alle gepoolten Clients. Der minio-Client hält keine
// dauerhafte Verbindung, das Leeren der Map genügt.
func (p *S3ClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.mirrors = make(map[string]*S3Mirror)
	slog.Info("S3-Client-Pool geleert")
}
