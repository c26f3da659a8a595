package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type summaryKey struct {
	userID string
	day    string
}

// MemoryStore keeps usage records and rollups in memory for tests.
type MemoryStore struct {
	mu        sync.RWMutex
	byRequest map[string]*Record
	summaries map[summaryKey]*DailySummary
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRequest: make(map[string]*Record),
		summaries: make(map[summaryKey]*DailySummary),
	}
}

func (s *MemoryStore) Insert(_ context.Context, rec *Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byRequest[rec.RequestID]; ok {
		*rec = *existing
		return false, nil
	}

	rec.ID = uuid.New().String()
	rec.CreatedAt = time.Now().UTC()
	cp := *rec
	s.byRequest[rec.RequestID] = &cp
	return true, nil
}

func (s *MemoryStore) ByRequestID(_ context.Context, requestID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byRequest[requestID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) AddToDailySummary(_ context.Context, userID string, day time.Time, counts TokenCounts, credits int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := summaryKey{userID: userID, day: day.UTC().Format("2006-01-02")}
	sum, ok := s.summaries[key]
	if !ok {
		sum = &DailySummary{UserID: userID, Date: day.UTC().Truncate(24 * time.Hour)}
		s.summaries[key] = sum
	}

	sum.InputUnits += counts.InputUnits
	sum.OutputUnits += counts.OutputUnits
	sum.CachedUnits += counts.CachedUnits
	sum.Credits += credits
	return nil
}

func (s *MemoryStore) DailySummaries(_ context.Context, userID string, from, to time.Time) ([]*DailySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*DailySummary
	for _, sum := range s.summaries {
		if sum.UserID != userID {
			continue
		}
		if sum.Date.Before(from) || sum.Date.After(to) {
			continue
		}
		cp := *sum
		out = append(out, &cp)
	}
	return out, nil
}

// RecordCount reports how many usage records exist; test helper.
func (s *MemoryStore) RecordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byRequest)
}
