package policy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/credit-meter/internal/subscription"
)

type configKey struct {
	scope    Scope
	tier     subscription.Tier
	provider string
	model    string
}

// MemoryStore keeps margin configs in memory for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	active  map[configKey]*MarginConfig
	retired map[string]*MarginConfig
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		active:  make(map[configKey]*MarginConfig),
		retired: make(map[string]*MarginConfig),
	}
}

func (s *MemoryStore) FindActive(_ context.Context, scope Scope, tier subscription.Tier, provider, model string) (*MarginConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.active[configKey{scope, tier, provider, model}]
	if !ok {
		return nil, ErrConfigNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (s *MemoryStore) Upsert(_ context.Context, cfg *MarginConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := configKey{cfg.Scope, cfg.Tier, cfg.Provider, cfg.Model}
	now := time.Now().UTC()

	if existing, ok := s.active[key]; ok {
		existing.Multiplier = cfg.Multiplier
		existing.UpdatedAt = now
		*cfg = *existing
		return nil
	}

	cfg.ID = uuid.New().String()
	cfg.Active = true
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	cp := *cfg
	s.active[key] = &cp
	return nil
}

func (s *MemoryStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, cfg := range s.active {
		if cfg.ID == id {
			cfg.Active = false
			cfg.UpdatedAt = time.Now().UTC()
			s.retired[id] = cfg
			delete(s.active, key)
			return nil
		}
	}
	return ErrConfigNotFound
}
