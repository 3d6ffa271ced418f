package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/grid4/portal-devproxy/pkg/types"
)

// Entry is the latest change seen for one file.
type Entry struct {
	Event types.WatchEvent

	// Changes counts every event recorded for the file since it entered the store.
	Changes int

	// Delivered is the number of clients the latest event was queued to.
	Delivered int

	UpdatedAt time.Time
}

// Store is a thread-safe in-memory change log, keyed by file path.
// A background goroutine (Run) evicts entries older than the TTL.
type Store struct {
	mu   sync.RWMutex
	data map[string]*Entry
	ttl  time.Duration
	now  func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given TTL.
func New(ttl time.Duration) *Store {
	return &Store{
		data: make(map[string]*Entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Record stores ev as the latest change for its file.
func (s *Store) Record(ev types.WatchEvent, delivered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changes := 1
	if prev, ok := s.data[ev.FilePath]; ok {
		changes = prev.Changes + 1
	}
	s.data[ev.FilePath] = &Entry{
		Event:     ev,
		Changes:   changes,
		Delivered: delivered,
		UpdatedAt: s.now(),
	}
}

// Get returns a copy of the Entry for path and whether one was found.
func (s *Store) Get(path string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[path]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns entries within the TTL, most recent first.
func (s *Store) List() []Entry {
	s.mu.RLock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]Entry, 0, len(s.data))
	for _, e := range s.data {
		if e.UpdatedAt.After(cutoff) {
			out = append(out, *e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Event.Timestamp != out[j].Event.Timestamp {
			return out[i].Event.Timestamp > out[j].Event.Timestamp
		}
		return out[i].Event.FilePath < out[j].Event.FilePath
	})
	return out
}

// TTL returns the configured retention.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Count returns the number of entries held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes entries whose UpdatedAt is older than now minus TTL and
// returns how many were removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for path, e := range s.data {
		if !e.UpdatedAt.After(cutoff) {
			delete(s.data, path)
			removed++
		}
	}
	return removed
}

// Run evicts stale entries every half TTL (minimum 1 second) until ctx is
// cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted stale changes", "count", n)
			}
		}
	}
}
