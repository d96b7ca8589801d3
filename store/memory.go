package store

import (
	"context"
	"sync"
	"time"

	"github.com/dyshay/agentauth/challenge"
)

type memoryEntry struct {
	rec       *challenge.Record
	expiresAt int64
}

// MemoryStore is an in-memory Store with TTL expiry. Expired entries read as
// absent immediately; their memory is reclaimed by Delete, by overwrite, or
// by a janitor sweep.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	nowMs   func() int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		nowMs:   func() int64 { return time.Now().UnixMilli() },
	}
}

// Put stores rec under its challenge id for ttlSeconds.
func (s *MemoryStore) Put(_ context.Context, rec *challenge.Record, ttlSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[rec.Challenge.ID] = memoryEntry{
		rec:       rec,
		expiresAt: s.nowMs() + ttlSeconds*1000,
	}
	return nil
}

// Get returns the record for id, or nil when absent or expired.
func (s *MemoryStore) Get(_ context.Context, id string) (*challenge.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok || s.nowMs() > e.expiresAt {
		return nil, nil
	}
	return e.rec, nil
}

// Delete removes id and returns the prior record. Under concurrent calls
// exactly one caller receives the record; the rest get nil. An expired entry
// is removed but reported as nil.
func (s *MemoryStore) Delete(_ context.Context, id string) (*challenge.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	delete(s.entries, id)
	if s.nowMs() > e.expiresAt {
		return nil, nil
	}
	return e.rec, nil
}

// Len reports the number of entries currently held, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// StartJanitor sweeps expired entries every interval until ctx is canceled.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *MemoryStore) sweep() {
	now := s.nowMs()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if now > e.expiresAt {
			delete(s.entries, id)
		}
	}
}
