package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps pricing records in memory. It backs tests and local
// development; the durable implementation is PostgresStore.
type MemoryStore struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	records   map[string][]*PriceRecord // keyed provider+"/"+model, newest first
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers: make(map[string]*Provider),
		records:   make(map[string][]*PriceRecord),
	}
}

func (s *MemoryStore) ResolveAt(_ context.Context, provider, model string, at time.Time) (*PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records[provider+"/"+model] {
		if rec.Covers(at) {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNoPriceRecord
}

func (s *MemoryStore) SetPrice(_ context.Context, rec *PriceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.providers[rec.Provider]
	if !ok {
		return ErrProviderNotFound
	}
	rec.ProviderID = p.ID

	if rec.EffectiveFrom.IsZero() {
		rec.EffectiveFrom = time.Now().UTC()
	}
	key := rec.Provider + "/" + rec.Model
	for _, existing := range s.records[key] {
		if existing.EffectiveUntil == nil && !rec.EffectiveFrom.After(existing.EffectiveFrom) {
			return ErrStaleEffectiveFrom
		}
	}

	rec.ID = uuid.New().String()
	rec.CreatedAt = time.Now().UTC()

	for _, existing := range s.records[key] {
		if existing.EffectiveUntil == nil {
			until := rec.EffectiveFrom
			existing.EffectiveUntil = &until
		}
	}

	cp := *rec
	s.records[key] = append([]*PriceRecord{&cp}, s.records[key]...)
	return nil
}

func (s *MemoryStore) History(_ context.Context, provider, model string) ([]*PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[provider+"/"+model]
	out := make([]*PriceRecord, len(recs))
	for i, rec := range recs {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) EnsureProvider(_ context.Context, name, displayName string) (*Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.providers[name]; ok {
		cp := *p
		return &cp, nil
	}

	p := &Provider{
		ID:          uuid.New().String(),
		Name:        name,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	s.providers[name] = p
	cp := *p
	return &cp, nil
}
