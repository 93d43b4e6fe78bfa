package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process. The memory and postgres drivers use it because they have no
// Firestore client.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Record)}
}

// live returns the unexpired record for key. Callers hold s.mu.
func (s *MemoryStore) live(key string, now time.Time) (string, Record, bool) {
	id := documentID(key)
	record, ok := s.entries[id]
	if ok && record.expired(now) {
		delete(s.entries, id)
		ok = false
	}
	return id, record, ok
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	id, record, ok := s.live(key, now)
	switch {
	case !ok:
		record = pendingRecord(key, fingerprint, now, ttl)
		s.entries[id] = record
		return Reservation{State: ReservationStateNew, Record: record}, nil
	case record.Fingerprint != fingerprint:
		return Reservation{}, ErrFingerprintMismatch
	case record.Status == StatusCompleted:
		return Reservation{State: ReservationStateCompleted, Record: record}, nil
	default:
		return Reservation{State: ReservationStatePending, Record: record}, nil
	}
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	id, record, ok := s.live(key, now)
	if ok && record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if !ok {
		record = pendingRecord(key, fingerprint, now, ttl)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	record.Status = StatusCompleted
	record.ResponseStatus = resp.Status
	record.ResponseHeaders = storableHeaders(resp.Headers)
	record.ResponseBody = append([]byte(nil), resp.Body...)
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttl)
	s.entries[id] = record
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, documentID(key))
	s.mu.Unlock()
	return nil
}

// CleanupExpired drops expired records, oldest expiry first, stopping after limit when limit is positive.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []string
	for id, record := range s.entries {
		if record.expired(now) {
			stale = append(stale, id)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return s.entries[stale[i]].ExpiresAt.Before(s.entries[stale[j]].ExpiresAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	for _, id := range stale {
		delete(s.entries, id)
	}
	return len(stale), nil
}
