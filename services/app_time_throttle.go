// services/app_time_throttle.go
package services

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultAppTimeFlushInterval is the minimum spacing between two durable
// app-time writes for one user.
const DefaultAppTimeFlushInterval = 5 * time.Minute

type appTimeEntry struct {
	pending   float64
	lastFlush time.Time
	flushed   bool
}

// AppTimeThrottle holds reported app minutes locally and releases them in
// whole minutes at most once per interval per user. Its window is independent
// of the CacheGovernor's.
type AppTimeThrottle struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	interval time.Duration
	entries  map[string]*appTimeEntry
}

func NewAppTimeThrottle(clock clockwork.Clock, interval time.Duration) *AppTimeThrottle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultAppTimeFlushInterval
	}
	return &AppTimeThrottle{clock: clock, interval: interval, entries: make(map[string]*appTimeEntry)}
}

// Add accumulates minutes and returns the whole minutes to write now, or 0
// when they should stay local. Fractions carry over to the next flush.
func (t *AppTimeThrottle) Add(userID string, minutes float64) int64 {
	if userID == "" || minutes <= 0 || math.IsNaN(minutes) || math.IsInf(minutes, 0) {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[userID]
	if !ok {
		e = &appTimeEntry{}
		t.entries[userID] = e
	}
	e.pending += minutes
	return t.take(e)
}

// take must be called with t.mu held.
func (t *AppTimeThrottle) take(e *appTimeEntry) int64 {
	now := t.clock.Now()
	if e.flushed && now.Sub(e.lastFlush) < t.interval {
		return 0
	}
	whole := int64(math.Floor(e.pending))
	if whole <= 0 {
		return 0
	}
	e.pending -= float64(whole)
	e.lastFlush = now
	e.flushed = true
	return whole
}

// Due drains every user whose window elapsed with at least one whole minute
// pending.
func (t *AppTimeThrottle) Due() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64)
	for id, e := range t.entries {
		if n := t.take(e); n > 0 {
			out[id] = n
		}
	}
	return out
}

// Restore puts minutes back after a failed write.
func (t *AppTimeThrottle) Restore(userID string, minutes int64) {
	if minutes <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[userID]
	if !ok {
		e = &appTimeEntry{}
		t.entries[userID] = e
	}
	e.pending += float64(minutes)
	e.flushed = false
}

// Pending returns the minutes held locally for userID.
func (t *AppTimeThrottle) Pending(userID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[userID]; ok {
		return e.pending
	}
	return 0
}

// Reset forgets everything held for userID, including unflushed minutes.
func (t *AppTimeThrottle) Reset(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, userID)
}
