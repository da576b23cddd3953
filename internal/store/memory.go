package store

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/i474232898/external-factors/internal/collect"
)

var (
	// ErrNotFound is returned when no run matches the request.
	ErrNotFound = errors.New("no collection run found")
)

// MemoryStore is a concurrency-safe, retention-bounded history of collection
// runs. Tables are not retained; they live in the sink.
type MemoryStore struct {
	mu   sync.RWMutex
	runs []collect.Run

	// retention configuration
	maxHistory int           // max number of runs kept
	maxAge     time.Duration // optional max age, measured on StartedAt
	now        func() time.Time
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		maxHistory: maxHistory,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// SaveRun appends a finished run and enforces retention.
func (s *MemoryStore) SaveRun(run *collect.Run) {
	if run == nil {
		return
	}
	r := *run
	r.Tables = nil
	r.Statuses = append([]collect.SourceStatus(nil), run.Statuses...)
	r.Report.Entries = append([]collect.SourceStatus(nil), run.Report.Entries...)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = append(s.runs, r)

	// Enforce retention by count.
	if s.maxHistory > 0 && len(s.runs) > s.maxHistory {
		over := len(s.runs) - s.maxHistory
		s.runs = append([]collect.Run(nil), s.runs[over:]...)
	}

	// Enforce retention by age. The newest run is always kept.
	if s.maxAge > 0 {
		cutoff := s.now().Add(-s.maxAge)
		i := 0
		for ; i < len(s.runs)-1; i++ {
			if !s.runs[i].StartedAt.Before(cutoff) {
				break
			}
		}
		if i > 0 {
			s.runs = append([]collect.Run(nil), s.runs[i:]...)
		}
	}
}

// Latest returns the most recently saved run.
func (s *MemoryStore) Latest() (collect.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.runs) == 0 {
		return collect.Run{}, ErrNotFound
	}
	return s.runs[len(s.runs)-1], nil
}

// Get returns the run with the given id.
func (s *MemoryStore) Get(id string) (collect.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].ID == id {
			return s.runs[i], nil
		}
	}
	return collect.Run{}, errors.Wrapf(ErrNotFound, "run %s", id)
}

// Range returns all runs started between from and to (inclusive), oldest first.
func (s *MemoryStore) Range(from, to time.Time) ([]collect.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []collect.Run
	for _, r := range s.runs {
		if !r.StartedAt.Before(from) && !r.StartedAt.After(to) {
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result, nil
}

// Len is the number of runs currently retained.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}
