package pg

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/leadpulse/leadpulse/internal/store"
)

// defaultConfigTTL bounds staleness of tenant tunables per process.
// The cache is per-instance, not distributed; staleness up to the TTL is
// accepted by design.
const defaultConfigTTL = 30 * time.Second

// PGConfigStore implements store.ConfigStore with a short-TTL read cache.
type PGConfigStore struct {
	db  *sql.DB
	ttl time.Duration

	mu    sync.RWMutex
	cache map[string]cachedConfig
}

type cachedConfig struct {
	cfg     store.TenantConfig
	fetched time.Time
}

func NewPGConfigStore(db *sql.DB, ttl time.Duration) *PGConfigStore {
	return &PGConfigStore{
		db:    db,
		ttl:   ttl,
		cache: make(map[string]cachedConfig),
	}
}

func (s *PGConfigStore) Get(ctx context.Context, tenantID string) (*store.TenantConfig, error) {
	s.mu.RLock()
	if c, ok := s.cache[tenantID]; ok && time.Since(c.fetched) < s.ttl {
		cfg := c.cfg
		s.mu.RUnlock()
		return &cfg, nil
	}
	s.mu.RUnlock()

	var cfg store.TenantConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, max_unanswered_messages, recovery_timeout_minutes,
		        debounce_seconds, updated_at
		 FROM tenant_configs WHERE tenant_id = $1`, tenantID).
		Scan(&cfg.TenantID, &cfg.MaxUnansweredMessages, &cfg.RecoveryTimeoutMinutes,
			&cfg.DebounceSeconds, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &store.StorageError{Op: "config get", Err: err}
	}

	s.mu.Lock()
	s.cache[tenantID] = cachedConfig{cfg: cfg, fetched: time.Now()}
	s.mu.Unlock()

	out := cfg
	return &out, nil
}

func (s *PGConfigStore) Invalidate(tenantID string) {
	s.mu.Lock()
	delete(s.cache, tenantID)
	s.mu.Unlock()
}
