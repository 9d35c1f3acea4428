package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process fallback store, used when no Redis
// address is configured. Counts are per process, which is acceptable
// for single-instance deployments and development.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
	stopCh  chan struct{}
}

// NewMemoryStore creates a memory store and starts its cleanup loop.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	s := &MemoryStore{
		buckets: make(map[string][]time.Time),
		stopCh:  make(chan struct{}),
	}
	go s.cleanupLoop(cleanupInterval)
	return s
}

// Add records one event and returns the in-window count and oldest
// event time.
func (s *MemoryStore) Add(_ context.Context, key string, now time.Time, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	kept := s.buckets[key][:0]
	for _, t := range s.buckets[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.buckets[key] = kept

	return int64(len(kept)), kept[0], nil
}

// Stop terminates the cleanup loop.
func (s *MemoryStore) Stop() {
	close(s.stopCh)
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup(time.Now().Add(-interval))
		case <-s.stopCh:
			return
		}
	}
}

// cleanup drops buckets whose newest event is older than the cutoff.
// In-window trimming happens on Add; this only reclaims dead keys.
func (s *MemoryStore) cleanup(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, events := range s.buckets {
		if len(events) == 0 || !events[len(events)-1].After(cutoff) {
			delete(s.buckets, key)
		}
	}
}
