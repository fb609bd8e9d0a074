// services/governor.go
package services

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultCacheTTL is how long a loaded pipeline result stays Warm.
const DefaultCacheTTL = 5 * time.Minute

type governorEntry struct {
	loadedAt     time.Time
	achievements int
}

// CacheGovernor tracks, per user, whether the last pipeline result is still
// valid. A user with no entry is Cold.
type CacheGovernor struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	ttl     time.Duration
	entries map[string]governorEntry
}

func NewCacheGovernor(clock clockwork.Clock, ttl time.Duration) *CacheGovernor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CacheGovernor{clock: clock, ttl: ttl, entries: make(map[string]governorEntry)}
}

// Warm reports whether a soft sync for userID may be skipped.
func (g *CacheGovernor) Warm(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[userID]
	if !ok {
		return false
	}
	if e.achievements == 0 || g.clock.Since(e.loadedAt) >= g.ttl {
		delete(g.entries, userID)
		return false
	}
	return true
}

// MarkLoaded moves userID to Warm after a successful pipeline run.
func (g *CacheGovernor) MarkLoaded(userID string, achievements int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[userID] = governorEntry{loadedAt: g.clock.Now(), achievements: achievements}
}

// Invalidate moves userID back to Cold.
func (g *CacheGovernor) Invalidate(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, userID)
}

// LastLoad returns when userID was last loaded, if it is tracked.
func (g *CacheGovernor) LastLoad(userID string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[userID]
	return e.loadedAt, ok
}

// Sweep drops expired entries and returns how many were removed.
func (g *CacheGovernor) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, e := range g.entries {
		if g.clock.Since(e.loadedAt) >= g.ttl {
			delete(g.entries, id)
			n++
		}
	}
	return n
}
