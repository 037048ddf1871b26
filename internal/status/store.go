// Package status keeps the in-memory table of job status records. It is
// the single shared, synchronized structure in the service: one worker
// writes per job while any number of callers poll.
package status

import (
	"sort"
	"sync"
	"time"

	"tileserver/internal/domain"
)

// Store is a mutex-guarded map from job identifier to status record.
// Reads return copies, so callers never observe a torn record.
type Store struct {
	mu      sync.RWMutex
	records map[string]*domain.StatusRecord
}

// NewStore returns an empty status store.
func NewStore() *Store {
	return &Store{records: make(map[string]*domain.StatusRecord)}
}

// Create registers a fresh record for a job, replacing any previous one.
// Used on first submission and when a failed job is resubmitted.
func (s *Store) Create(jobID, sourceURL string) domain.StatusRecord {
	now := time.Now().UTC()
	rec := &domain.StatusRecord{
		JobID:      jobID,
		SourceURL:  sourceURL,
		Stage:      domain.StageQueued,
		Percentage: 0,
		Message:    "queued",
		StartedAt:  now,
		UpdatedAt:  now,
	}
	s.mu.Lock()
	s.records[jobID] = rec
	s.mu.Unlock()
	return *rec
}

// Get returns a copy of the record for jobID.
func (s *Store) Get(jobID string) (domain.StatusRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jobID]
	if !ok {
		return domain.StatusRecord{}, false
	}
	return *rec, true
}

// List returns copies of every record, newest first.
func (s *Store) List() []domain.StatusRecord {
	s.mu.RLock()
	out := make([]domain.StatusRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Update applies mutate to the record for jobID under the store lock and
// reports whether the record exists. The percentage is clamped so it
// never decreases over the lifetime of a job, and UpdatedAt is refreshed
// on every call; terminal stages also stamp CompletedAt.
func (s *Store) Update(jobID string, mutate func(*domain.StatusRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jobID]
	if !ok {
		return false
	}
	prev := rec.Percentage
	mutate(rec)
	if rec.Percentage < prev {
		rec.Percentage = prev
	}
	if rec.Percentage > 100 {
		rec.Percentage = 100
	}
	rec.UpdatedAt = time.Now().UTC()
	if rec.Stage.Terminal() && rec.CompletedAt == nil {
		done := rec.UpdatedAt
		rec.CompletedAt = &done
	}
	return true
}
