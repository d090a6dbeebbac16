package ratelimit

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// Store is the injectable backing table for rate limit entries. Recording
// is append-only: each accepted attempt becomes a new timestamped entry
// rather than an in-place counter increment, so concurrent writers
// commute and counting is a pure read over already-written entries.
type Store interface {
	// Append records one entry for (key, window) at the given time.
	Append(key, window string, at time.Time)

	// CountSince returns the number of entries for (key, window) with a
	// timestamp at or after since.
	CountSince(key, window string, since time.Time) int

	// PruneBefore removes entries strictly older than cutoff across all
	// keys and returns how many were removed.
	PruneBefore(cutoff time.Time) int
}

const storeShards = 64

// MemoryStore is an in-process Store sharded by key hash. Each shard
// owns its own mutex, so traffic for different keys rarely contends and
// there is no single lock serializing all admission checks.
type MemoryStore struct {
	shards [storeShards]storeShard
}

type storeShard struct {
	mu sync.Mutex
	// key -> window name -> entry timestamps in append order.
	entries map[string]map[string][]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]map[string][]time.Time)
	}
	return s
}

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % storeShards)
}

func (s *MemoryStore) shard(key string) *storeShard {
	return &s.shards[shardIndex(key)]
}

// Append records one entry. Timestamps for a given (key, window) arrive
// in nondecreasing order because the limiter serializes check-and-record
// per key.
func (s *MemoryStore) Append(key, window string, at time.Time) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	windows, ok := sh.entries[key]
	if !ok {
		windows = make(map[string][]time.Time)
		sh.entries[key] = windows
	}
	windows[window] = append(windows[window], at)
}

// CountSince counts entries for (key, window) at or after since.
func (s *MemoryStore) CountSince(key, window string, since time.Time) int {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	stamps := sh.entries[key][window]
	// Entries are in nondecreasing order; binary-search the horizon.
	i := sort.Search(len(stamps), func(i int) bool {
		return !stamps[i].Before(since)
	})
	return len(stamps) - i
}

// PruneBefore drops entries older than cutoff. Shards are locked one at
// a time, so cleanup never blocks admission traffic on other shards.
func (s *MemoryStore) PruneBefore(cutoff time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, windows := range sh.entries {
			for window, stamps := range windows {
				j := sort.Search(len(stamps), func(j int) bool {
					return !stamps[j].Before(cutoff)
				})
				if j == 0 {
					continue
				}
				removed += j
				live := stamps[j:]
				if len(live) == 0 {
					delete(windows, window)
					continue
				}
				// Copy survivors so the pruned prefix can be collected.
				windows[window] = append(make([]time.Time, 0, len(live)), live...)
			}
			if len(windows) == 0 {
				delete(sh.entries, key)
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
