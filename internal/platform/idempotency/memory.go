package idempotency

import (
	"context"
	"net/http"
	"sync"
	"time"
)

type memoryEntry struct {
	fingerprint string
	response    *Response
	expiresAt   time.Time
}

// MemoryStore keeps claims in process. It suits single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Claim(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := entryID(key)
	entry, ok := s.entries[id]
	if !ok || !now.Before(entry.expiresAt) {
		s.entries[id] = memoryEntry{fingerprint: fingerprint, expiresAt: now.Add(ttlOrDefault(ttl))}
		return Claim{Outcome: Acquired}, nil
	}
	if entry.fingerprint != fingerprint {
		return Claim{}, ErrKeyReused
	}
	if entry.response == nil {
		return Claim{Outcome: InFlight}, nil
	}
	return Claim{Outcome: Replay, Response: &Response{
		Status: entry.response.Status,
		Header: http.Header(storableHeader(entry.response.Header)),
		Body:   append([]byte(nil), entry.response.Body...),
	}}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := entryID(key)
	if entry, ok := s.entries[id]; ok && entry.fingerprint != fingerprint && now.Before(entry.expiresAt) {
		return ErrKeyReused
	}
	stored := Response{
		Status: resp.Status,
		Header: http.Header(storableHeader(resp.Header)),
		Body:   append([]byte(nil), resp.Body...),
	}
	s.entries[id] = memoryEntry{fingerprint: fingerprint, response: &stored, expiresAt: now.Add(ttlOrDefault(ttl))}
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, entryID(key))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.entries {
		if limit > 0 && removed >= limit {
			break
		}
		if !now.Before(entry.expiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

var _ Store = (*MemoryStore)(nil)
