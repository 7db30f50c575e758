// Package store implements the Store component: a thread-safe mapping
// from Key to a Record, with TTL-driven eviction and a capacity bound.
// Concurrency is deliberately coarse — a single reader/writer lock guards
// the whole map, since contention is bounded by the small connection
// count the agent expects.
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/secmemhq/secmem/internal/clock"
	"github.com/secmemhq/secmem/internal/secretbuf"
)

// PutOutcome distinguishes a fresh insert from a replace of an existing key.
type PutOutcome int

const (
	// Inserted means the key was not previously present.
	Inserted PutOutcome = iota
	// Replaced means an existing record for the key was destroyed and
	// replaced atomically with the new one.
	Replaced
)

// GetOutcome tags the result of Get.
type GetOutcome int

const (
	// NotFound means the key is absent, or was present but expired.
	NotFound GetOutcome = iota
	// Found means a live record was returned.
	Found
)

// ErrInvalidArgument is returned by Put when the key, secret size, or
// expiry violate the data-model invariants.
type ErrInvalidArgument struct {
	Reason string
}

func (e *ErrInvalidArgument) Error() string {
	return fmt.Sprintf("invalid argument: %s", e.Reason)
}

// ErrCapacityExceeded is returned by Put when inserting a new key would
// exceed the store's configured capacity.
var ErrCapacityExceeded = fmt.Errorf("capacity exceeded")

// record is the store's internal representation: one secret plus its
// expiry instant.
type record struct {
	secret    *secretbuf.Buffer
	expiresAt clock.Instant
}

// Store is the thread-safe secret map.
type Store struct {
	clock    clock.Clock
	capacity int

	mu      sync.RWMutex
	records map[string]*record
}

// New creates an empty Store bounded by capacity, using clk as the time
// source for all expiry computation.
func New(clk clock.Clock, capacity int) *Store {
	return &Store{
		clock:    clk,
		capacity: capacity,
		records:  make(map[string]*record),
	}
}

// Put validates and inserts or replaces a record for key. The caller
// retains ownership of secret's bytes until Put returns; on success the
// store exclusively owns the resulting Buffer.
func (s *Store) Put(key string, secret *secretbuf.Buffer, expiresAt clock.Instant) (PutOutcome, error) {
	if err := ValidateKey(key); err != nil {
		return 0, &ErrInvalidArgument{Reason: err.Error()}
	}
	if secret == nil || secret.Len() == 0 {
		return 0, &ErrInvalidArgument{Reason: "secret must not be empty"}
	}

	now := s.clock.Now()
	if !expiresAt.After(now) {
		return 0, &ErrInvalidArgument{Reason: "expires_at must be after now"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.records[key]
	if !exists && len(s.records) >= s.capacity {
		return 0, ErrCapacityExceeded
	}

	s.records[key] = &record{secret: secret, expiresAt: expiresAt}

	// Destroy the old secret only after the new one is visible, so a
	// reader can never observe neither value.
	if exists {
		existing.secret.Destroy()
		return Replaced, nil
	}
	return Inserted, nil
}

// Get returns a copy of the live secret for key, or NotFound if the key
// is absent or has expired. An expired record is evicted (and zeroized)
// as a side effect.
func (s *Store) Get(key string) (GetOutcome, []byte, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[key]
	if !exists {
		return NotFound, nil, nil
	}

	if !rec.expiresAt.After(now) {
		delete(s.records, key)
		rec.secret.Destroy()
		return NotFound, nil, nil
	}

	out, err := rec.secret.CopyOut()
	if err != nil {
		return NotFound, nil, fmt.Errorf("copying secret: %w", err)
	}

	return Found, out, nil
}

// Delete removes key's record if present, destroying its secret. Returns
// true if a live record was present. Deleting an already expired entry
// still removes it but returns false.
func (s *Store) Delete(key string) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[key]
	if !exists {
		return false
	}

	delete(s.records, key)
	rec.secret.Destroy()

	return rec.expiresAt.After(now)
}

// TTLRemaining returns the seconds remaining before key expires, and
// whether the key currently has a live record.
func (s *Store) TTLRemaining(key string) (seconds int64, ok bool) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[key]
	if !exists {
		return 0, false
	}

	if !rec.expiresAt.After(now) {
		delete(s.records, key)
		rec.secret.Destroy()
		return 0, false
	}

	remaining := rec.expiresAt.Sub(now)
	return int64(remaining.Seconds()), true
}

// ListEntry is one row of List's result: a key and its remaining TTL.
type ListEntry struct {
	Key           string
	SecondsToLive int64
}

// List returns every live record's key and remaining TTL, in a stable
// (sorted by key) order. Expired records encountered during the walk are
// evicted. Secrets are never included.
func (s *Store) List() []ListEntry {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ListEntry, 0, len(s.records))
	for key, rec := range s.records {
		if !rec.expiresAt.After(now) {
			delete(s.records, key)
			rec.secret.Destroy()
			continue
		}
		remaining := rec.expiresAt.Sub(now)
		out = append(out, ListEntry{Key: key, SecondsToLive: int64(remaining.Seconds())})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SweepExpired removes and zeroizes every record whose expiry is at or
// before now. Idempotent: calling it twice in a row with the same now
// leaves the store unchanged after the first call.
func (s *Store) SweepExpired(now clock.Instant) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.records {
		if !rec.expiresAt.After(now) {
			delete(s.records, key)
			rec.secret.Destroy()
			removed++
		}
	}
	return removed
}

// Len reports the current number of live-or-not-yet-swept records. It is
// used only for capacity bookkeeping in tests; it does not itself evict.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close destroys every remaining record. Called once, on server
// shutdown.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, rec := range s.records {
		rec.secret.Destroy()
		delete(s.records, key)
	}
}
