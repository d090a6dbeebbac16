package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// Snapshot is the observable state of a single breaker, for diagnostics.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
}

// Registry holds one breaker per dependency key, created lazily on first
// use with the registry's default settings. Different keys are fully
// independent; the registry lock is held only for map access, never
// across a state decision or a guarded operation.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Settings
	logger   *slog.Logger
}

// NewRegistry creates a Registry whose lazily-created breakers use the
// given default settings.
func NewRegistry(defaults Settings, logger *slog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults.withDefaults(),
		logger:   logger,
	}
}

// SetDefaults replaces the settings applied to breakers created after
// this call. Already-materialized breakers are not touched; use
// Configure for those.
func (r *Registry) SetDefaults(s Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = s.withDefaults()
}

// Call executes op under the breaker for key, creating a closed breaker
// with default settings if the key has not been seen before.
func (r *Registry) Call(key string, op func() error) error {
	return r.get(key).Call(op)
}

// Configure upserts settings for key, pre-creating a closed breaker if
// absent. An already-materialized breaker keeps its runtime counters.
func (r *Registry) Configure(key string, s Settings) {
	r.get(key).configure(s)
}

// GetState returns the current state for key. A key that has never been
// seen reads as closed.
func (r *Registry) GetState(key string) State {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

// Reset forces the breaker for key back to closed. Resetting an unknown
// key is a no-op.
func (r *Registry) Reset(key string) {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// Status returns a snapshot of every known breaker. Safe to poll.
func (r *Registry) Status() map[string]Snapshot {
	r.mu.RLock()
	breakers := make(map[string]*Breaker, len(r.breakers))
	for key, b := range r.breakers {
		breakers[key] = b
	}
	r.mu.RUnlock()

	// Snapshots are taken outside the registry lock so a slow breaker
	// mutex cannot stall unrelated Call traffic.
	out := make(map[string]Snapshot, len(breakers))
	for key, b := range breakers {
		out[key] = b.snapshot()
	}
	return out
}

// get returns or creates the breaker for key. Read-lock for the common
// path, write-lock with a double-check only for first use of a key.
func (r *Registry) get(key string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[key]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := newBreaker(key, r.defaults, r.logger)
	r.breakers[key] = b
	return b
}
