package server

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kolzuk/ana-language/vm"
)

// Run is the record of one finished execution.
type Run struct {
	ID        string
	Entry     string
	ExitCode  int64
	Output    []string
	Error     string
	ErrorKind string
	Stats     vm.Stats
	StartedAt time.Time

	lastUsed time.Time
}

// RunStore keeps finished runs in memory, keyed by a random id, until they
// have not been looked at for a TTL.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewRunStore creates an empty run store.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]*Run)}
}

// Add stores r under a fresh id and returns it.
func (s *RunStore) Add(r *Run) string {
	r.ID = uuid.NewString()
	r.lastUsed = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	return r.ID
}

// Lookup returns the run with the given id.
func (s *RunStore) Lookup(id string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, false
	}
	r.lastUsed = time.Now()
	return r, true
}

// Release removes a run.
func (s *RunStore) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, id)
}

// Len returns the number of stored runs.
func (s *RunStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

// Recent returns up to limit stored runs, newest first.
func (s *RunStore) Recent(limit int) []*Run {
	s.mu.RLock()
	out := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Run) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Sweep removes runs that haven't been accessed within the TTL.
func (s *RunStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, r := range s.runs {
		if r.lastUsed.Before(cutoff) {
			delete(s.runs, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *RunStore) StartSweeper(interval, ttl time.Duration) func() {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(ttl); n > 0 {
					log.Debugf("swept %d expired runs", n)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
