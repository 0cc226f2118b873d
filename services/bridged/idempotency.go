package bridged

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultIdemTTL = 30 * time.Minute
	defaultIdemCap = 4096
)

// IdempotencyKey derives a deterministic key from the operation's semantic
// inputs. Request metadata (timestamps, trace ids) must never feed the key,
// so a retried identical request maps to the same entry.
func IdempotencyKey(parts ...string) string {
	sorted := make([]string, 0, len(parts))
	for _, part := range parts {
		sorted = append(sorted, strings.TrimSpace(part))
	}
	sort.Strings(sorted)
	digest := sha256.New()
	for _, part := range sorted {
		digest.Write([]byte(part))
		digest.Write([]byte{0})
	}
	return hex.EncodeToString(digest.Sum(nil))
}

type idemEntry struct {
	result     SubmissionResult
	insertedAt time.Time
}

// IdempotencyStore caches operation results so retried external calls do not
// double-submit irreversible operations. The store is bounded: entries expire
// after the TTL and the oldest entries are evicted past the cap. Eviction is
// safe because a sufficiently old duplicate is treated as a new request.
type IdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]idemEntry
	ttl     time.Duration
	cap     int
	now     func() time.Time
}

// IdempotencyOption customises the store.
type IdempotencyOption func(*IdempotencyStore)

// WithIdempotencyTTL overrides the entry lifetime.
func WithIdempotencyTTL(ttl time.Duration) IdempotencyOption {
	return func(s *IdempotencyStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithIdempotencyCap overrides the maximum tracked entries.
func WithIdempotencyCap(maxEntries int) IdempotencyOption {
	return func(s *IdempotencyStore) {
		if maxEntries > 0 {
			s.cap = maxEntries
		}
	}
}

// WithIdempotencyClock injects the time source for tests.
func WithIdempotencyClock(now func() time.Time) IdempotencyOption {
	return func(s *IdempotencyStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewIdempotencyStore constructs a store with sensible defaults.
func NewIdempotencyStore(opts ...IdempotencyOption) *IdempotencyStore {
	store := &IdempotencyStore{
		entries: make(map[string]idemEntry),
		ttl:     defaultIdemTTL,
		cap:     defaultIdemCap,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Lookup returns the cached result for key when present and unexpired.
func (s *IdempotencyStore) Lookup(key string) (SubmissionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	entry, ok := s.entries[key]
	if !ok {
		return SubmissionResult{}, false
	}
	return entry.result, true
}

// Store records the result of a completed operation.
func (s *IdempotencyStore) Store(key string, result SubmissionResult) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	s.entries[key] = idemEntry{result: result, insertedAt: now}
	if len(s.entries) > s.cap {
		s.evictOldestLocked()
	}
}

// Len reports the number of resident entries.
func (s *IdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *IdempotencyStore) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.ttl)
	for key, entry := range s.entries {
		if entry.insertedAt.Before(cutoff) {
			delete(s.entries, key)
		}
	}
}

func (s *IdempotencyStore) evictOldestLocked() {
	for len(s.entries) > s.cap {
		oldestKey := ""
		var oldestAt time.Time
		for key, entry := range s.entries {
			if oldestKey == "" || entry.insertedAt.Before(oldestAt) {
				oldestKey = key
				oldestAt = entry.insertedAt
			}
		}
		delete(s.entries, oldestKey)
	}
}
