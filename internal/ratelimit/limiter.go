// Package ratelimit provides windowed admission control: it bounds how
// many operations a client key may perform within one or more rolling
// time windows, shedding excess load instead of queuing.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rgould/guardcore/internal/metrics"
)

// Window is one rolling admission window.
type Window struct {
	Name     string
	Duration time.Duration
	Max      int
}

// Decision is the result of a check-and-record admission attempt.
type Decision struct {
	Allowed bool

	// RetryAfter is the tightest violated window's duration when denied.
	RetryAfter time.Duration

	// Remaining holds per-window remaining capacity after recording,
	// populated only when allowed.
	Remaining map[string]int
}

// WindowStatus is a read-only per-window view for a client key.
type WindowStatus struct {
	Count     int  `json:"count"`
	Limit     int  `json:"limit"`
	CanSubmit bool `json:"can_submit"`
}

// DefaultCleanupInterval is how often expired entries are pruned when no
// interval is configured.
const DefaultCleanupInterval = 5 * time.Minute

const limiterShards = 64

// Limiter evaluates admission for a client key against a fixed set of
// windows and records accepted attempts. Check and record happen under a
// per-key shard lock so two concurrent calls can never both see "room"
// and exceed a window's maximum; keys on different shards proceed in
// parallel.
type Limiter struct {
	name   string
	logger *slog.Logger

	// windowsMu guards the window set, which is swapped on config reload
	// while admission checks read it.
	windowsMu sync.RWMutex
	windows   []Window
	largest   time.Duration

	// storeMu guards the store handle for lazy (re)creation. The hot
	// path only ever read-locks it; stores themselves synchronize their
	// own entries.
	storeMu sync.RWMutex
	store   Store

	locks [limiterShards]sync.Mutex

	cleanupEvery time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// New creates a Limiter named for metrics and logging, backed by store.
// A nil store is created lazily on first use (the limiter fails open,
// never closed, on storage initialization). It starts a background
// goroutine that prunes entries older than the largest window; call Stop
// to terminate it.
func New(name string, windows []Window, store Store, cleanupEvery time.Duration, logger *slog.Logger) *Limiter {
	if cleanupEvery <= 0 {
		cleanupEvery = DefaultCleanupInterval
	}
	l := &Limiter{
		name:         name,
		windows:      windows,
		largest:      largestWindow(windows),
		store:        store,
		cleanupEvery: cleanupEvery,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func largestWindow(windows []Window) time.Duration {
	largest := time.Duration(0)
	for _, w := range windows {
		if w.Duration > largest {
			largest = w.Duration
		}
	}
	return largest
}

// Stop terminates the background cleanup goroutine. Idempotent.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Windows returns a copy of the configured windows.
func (l *Limiter) Windows() []Window {
	l.windowsMu.RLock()
	defer l.windowsMu.RUnlock()
	out := make([]Window, len(l.windows))
	copy(out, l.windows)
	return out
}

// SetWindows replaces the window set, for config hot reload. Entries
// already recorded keep counting against windows that share a name with
// an old one; a renamed window starts from an empty count.
func (l *Limiter) SetWindows(windows []Window) {
	l.windowsMu.Lock()
	l.windows = windows
	l.largest = largestWindow(windows)
	l.windowsMu.Unlock()

	l.logger.Info("rate limit windows replaced", "limiter", l.name, "windows", len(windows))
}

func (l *Limiter) snapshotWindows() []Window {
	l.windowsMu.RLock()
	defer l.windowsMu.RUnlock()
	return l.windows
}

// CheckAndRecord atomically evaluates admission for key and, if every
// window has room, records one entry against each window. Denial reports
// the tightest violated window's duration as the retry hint.
func (l *Limiter) CheckAndRecord(key string) Decision {
	store := l.ensureStore()
	windows := l.snapshotWindows()
	now := time.Now()

	lock := &l.locks[shardIndex(key)]
	lock.Lock()
	defer lock.Unlock()

	var violated *Window
	for i := range windows {
		w := &windows[i]
		count := store.CountSince(key, w.Name, now.Add(-w.Duration))
		if count >= w.Max {
			if violated == nil || w.Duration < violated.Duration {
				violated = w
			}
		}
	}

	if violated != nil {
		metrics.RateLimitDenials.WithLabelValues(l.name, violated.Name).Inc()
		l.logger.Warn("rate limit exceeded",
			"limiter", l.name,
			"key", key,
			"window", violated.Name,
			"retry_after", violated.Duration,
		)
		return Decision{Allowed: false, RetryAfter: violated.Duration}
	}

	// One physical attempt counts against every configured window.
	remaining := make(map[string]int, len(windows))
	for _, w := range windows {
		store.Append(key, w.Name, now)
		count := store.CountSince(key, w.Name, now.Add(-w.Duration))
		remaining[w.Name] = w.Max - count
	}

	metrics.RateLimitAllowed.WithLabelValues(l.name).Inc()
	return Decision{Allowed: true, Remaining: remaining}
}

// GetStatus returns the per-window count and capacity for key without
// recording anything.
func (l *Limiter) GetStatus(key string) map[string]WindowStatus {
	store := l.ensureStore()
	windows := l.snapshotWindows()
	now := time.Now()

	out := make(map[string]WindowStatus, len(windows))
	for _, w := range windows {
		count := store.CountSince(key, w.Name, now.Add(-w.Duration))
		out[w.Name] = WindowStatus{
			Count:     count,
			Limit:     w.Max,
			CanSubmit: count < w.Max,
		}
	}
	return out
}

// ensureStore lazily (re)creates storage. Admission must never fail
// closed because the backing table was not initialized.
func (l *Limiter) ensureStore() Store {
	l.storeMu.RLock()
	store := l.store
	l.storeMu.RUnlock()
	if store != nil {
		return store
	}

	l.storeMu.Lock()
	defer l.storeMu.Unlock()
	if l.store == nil {
		l.logger.Warn("rate limit store uninitialized, creating in-memory store", "limiter", l.name)
		l.store = NewMemoryStore()
	}
	return l.store
}

// cleanupLoop periodically removes entries older than the largest
// configured window. Such entries are invisible to every counting query,
// so pruning can never invalidate an in-flight admission decision.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// Cleanup runs one pruning pass immediately. Exposed for tests and for
// operators who want an on-demand sweep.
func (l *Limiter) Cleanup() int {
	l.windowsMu.RLock()
	largest := l.largest
	l.windowsMu.RUnlock()
	if largest <= 0 {
		return 0
	}
	store := l.ensureStore()
	removed := store.PruneBefore(time.Now().Add(-largest))
	if removed > 0 {
		metrics.CleanupRemoved.WithLabelValues(l.name).Add(float64(removed))
		l.logger.Debug("rate limit cleanup", "limiter", l.name, "removed", removed)
	}
	return removed
}
