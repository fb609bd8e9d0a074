// services/sync_facade.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"achievement-sync-service/models"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// ErrRetryable marks a failure the caller may retry, e.g. a failed force reinit.
var ErrRetryable = errors.New("temporarily unavailable, retry")

// ErrReevaluateFailed means the counter increment was stored but the pipeline
// run after it failed. The increment must not be applied again.
var ErrReevaluateFailed = errors.New("increment stored, re-evaluation failed")

// Snapshot is the result of one pipeline run. Snapshots are shared with
// subscribers and must be treated as read-only.
type Snapshot struct {
	UserID         string                         `json:"user_id"`
	Counters       *models.ProgressCounters       `json:"counters"`
	Achievements   []models.AchievementProgress   `json:"achievements"`
	Summary        *models.UserAchievementSummary `json:"summary"`
	NewlyCompleted []string                       `json:"newly_completed"`
	LoadedAt       time.Time                      `json:"loaded_at"`
	Cached         bool                           `json:"cached"`
}

func emptySnapshot(userID string) *Snapshot {
	return &Snapshot{
		UserID:         userID,
		Counters:       &models.ProgressCounters{UserID: userID},
		Achievements:   []models.AchievementProgress{},
		NewlyCompleted: []string{},
	}
}

// cachedCopy marks a snapshot as served from cache without touching the original.
func (s *Snapshot) cachedCopy() *Snapshot {
	cp := *s
	cp.Cached = true
	cp.NewlyCompleted = []string{}
	return &cp
}

// SyncFacade is the single entry point for callers. It runs
// store → evaluator → aggregator strictly in order and serializes that
// sequence per user.
type SyncFacade struct {
	Store     *ProgressStore
	Evaluator *AchievementEvaluator
	Summaries *SummaryAggregator
	Governor  *CacheGovernor
	AppTime   *AppTimeThrottle
	Clock     clockwork.Clock

	locks  *userLocks
	flight singleflight.Group

	cacheMu sync.RWMutex
	cache   map[string]*Snapshot

	subsMu  sync.Mutex
	subs    map[string]map[uint64]func(*Snapshot)
	nextSub uint64
}

func NewSyncFacade(store *ProgressStore, evaluator *AchievementEvaluator, summaries *SummaryAggregator, governor *CacheGovernor, appTime *AppTimeThrottle, clock clockwork.Clock) *SyncFacade {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SyncFacade{
		Store:     store,
		Evaluator: evaluator,
		Summaries: summaries,
		Governor:  governor,
		AppTime:   appTime,
		Clock:     clock,
		locks:     newUserLocks(),
		cache:     make(map[string]*Snapshot),
		subs:      make(map[string]map[uint64]func(*Snapshot)),
	}
}

// SyncOnView is a soft sync: it runs the pipeline only when the user's cache
// is Cold. Concurrent calls for the same user share one run. If the run fails
// and a previous snapshot exists, that snapshot is returned instead.
func (f *SyncFacade) SyncOnView(ctx context.Context, userID string) (*Snapshot, error) {
	if userID == "" {
		return emptySnapshot(userID), nil
	}
	v, err, _ := f.flight.Do(userID, func() (interface{}, error) {
		return f.softSync(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Refresh is the pull-to-refresh entry point. It respects the cache window.
func (f *SyncFacade) Refresh(ctx context.Context, userID string) (*Snapshot, error) {
	return f.SyncOnView(ctx, userID)
}

func (f *SyncFacade) softSync(ctx context.Context, userID string) (*Snapshot, error) {
	unlock := f.locks.Lock(userID)
	cached := f.cached(userID)
	if cached != nil && f.Governor.Warm(userID) {
		unlock()
		return cached.cachedCopy(), nil
	}

	snap, err := f.run(ctx, userID)
	unlock()
	if err != nil {
		if cached != nil {
			log.Printf("[SYNC] ⚠️ Soft sync failed for %s, serving last snapshot from %s: %v",
				userID, cached.LoadedAt.Format(time.RFC3339), err)
			return cached.cachedCopy(), nil
		}
		return nil, err
	}
	f.notify(snap)
	return snap, nil
}

// ForceReinit drops all cached state for the user, including minutes held
// by the app-time throttle, and runs the pipeline unconditionally.
func (f *SyncFacade) ForceReinit(ctx context.Context, userID string) (*Snapshot, error) {
	if userID == "" {
		return emptySnapshot(userID), nil
	}
	unlock := f.locks.Lock(userID)
	f.Governor.Invalidate(userID)
	f.AppTime.Reset(userID)
	f.dropCache(userID)

	snap, err := f.run(ctx, userID)
	unlock()
	if err != nil {
		log.Printf("[SYNC] ❌ Force reinit failed for %s: %v", userID, err)
		return nil, fmt.Errorf("%w: force reinit %s: %w", ErrRetryable, userID, err)
	}
	log.Printf("[SYNC] 🔁 Force reinit done for %s", userID)
	f.notify(snap)
	return snap, nil
}

// IncrementAndReevaluate adds delta to a counter and re-runs evaluation and
// aggregation right away, regardless of the cache window. When the increment
// is stored but the run fails, the error wraps ErrReevaluateFailed and the
// user's cached snapshot is discarded so the next sync reads the new counters.
func (f *SyncFacade) IncrementAndReevaluate(ctx context.Context, userID string, key models.CounterKey, delta int64) (*Snapshot, error) {
	if userID == "" {
		return emptySnapshot(userID), nil
	}
	unlock := f.locks.Lock(userID)
	if err := f.Store.Increment(ctx, userID, key, delta); err != nil {
		unlock()
		return nil, err
	}
	snap, err := f.run(ctx, userID)
	if err != nil {
		f.Governor.Invalidate(userID)
		f.dropCache(userID)
		unlock()
		return nil, fmt.Errorf("%w: %w", ErrReevaluateFailed, err)
	}
	unlock()
	f.notify(snap)
	return snap, nil
}

// RecordAppTime feeds the app-time throttle. Minutes reach the store only
// when the throttle releases them; flushed is 0 and snap is nil otherwise.
// Minutes that were stored before a failed re-evaluation are reported in
// flushed alongside the error and are not kept for another flush.
func (f *SyncFacade) RecordAppTime(ctx context.Context, userID string, minutes float64) (flushed int64, snap *Snapshot, err error) {
	n := f.AppTime.Add(userID, minutes)
	if n == 0 {
		return 0, nil, nil
	}
	snap, err = f.IncrementAndReevaluate(ctx, userID, models.CounterAppMinutes, n)
	if errors.Is(err, ErrReevaluateFailed) {
		return n, nil, err
	}
	if err != nil {
		f.AppTime.Restore(userID, n)
		return 0, nil, err
	}
	return n, snap, nil
}

// FlushAppTime writes every accumulator whose window elapsed. Returns the
// number of users flushed.
func (f *SyncFacade) FlushAppTime(ctx context.Context) int {
	flushed := 0
	for userID, n := range f.AppTime.Due() {
		_, err := f.IncrementAndReevaluate(ctx, userID, models.CounterAppMinutes, n)
		switch {
		case errors.Is(err, ErrReevaluateFailed):
			log.Printf("[SYNC] ⚠️ App-time stored for %s (%d min) but re-evaluation failed: %v", userID, n, err)
		case err != nil:
			log.Printf("[SYNC] ⚠️ App-time flush failed for %s, keeping %d min locally: %v", userID, n, err)
			f.AppTime.Restore(userID, n)
			continue
		}
		flushed++
	}
	return flushed
}

// Reconcile runs the pipeline for a user outside any request, leaving the
// app-time throttle alone. Used by the background reconciliation job.
func (f *SyncFacade) Reconcile(ctx context.Context, userID string) (*Snapshot, error) {
	if userID == "" {
		return emptySnapshot(userID), nil
	}
	unlock := f.locks.Lock(userID)
	snap, err := f.run(ctx, userID)
	unlock()
	if err != nil {
		return nil, err
	}
	f.notify(snap)
	return snap, nil
}

// Recalculate rebuilds the user's counters from the authoritative sources and
// re-runs the pipeline. Admin only.
func (f *SyncFacade) Recalculate(ctx context.Context, userID string) (*Snapshot, error) {
	if userID == "" {
		return emptySnapshot(userID), nil
	}
	unlock := f.locks.Lock(userID)
	if _, err := f.Store.Recalculate(ctx, userID); err != nil {
		unlock()
		return nil, err
	}
	snap, err := f.run(ctx, userID)
	unlock()
	if err != nil {
		return nil, err
	}
	f.notify(snap)
	return snap, nil
}

// CorrectProgress applies an admin correction to one record and rebuilds the
// summary from the stored records. Counters are not touched.
func (f *SyncFacade) CorrectProgress(ctx context.Context, userID, achievementID string, value int64) (*Snapshot, error) {
	if userID == "" {
		return emptySnapshot(userID), nil
	}
	unlock := f.locks.Lock(userID)
	snap, err := f.correct(ctx, userID, achievementID, value)
	unlock()
	if err != nil {
		return nil, err
	}
	f.notify(snap)
	return snap, nil
}

func (f *SyncFacade) correct(ctx context.Context, userID, achievementID string, value int64) (*Snapshot, error) {
	if _, err := f.Evaluator.CorrectProgress(ctx, userID, achievementID, value); err != nil {
		return nil, err
	}
	counters, err := f.Store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}
	records, err := f.Evaluator.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	summary, err := f.Summaries.Recompute(ctx, userID, records)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	if counters.TotalPoints != summary.TotalPoints {
		if err := f.Store.SyncPoints(ctx, userID, summary.TotalPoints); err == nil {
			counters.TotalPoints = summary.TotalPoints
		}
	}
	snap := &Snapshot{
		UserID:         userID,
		Counters:       counters,
		Achievements:   records,
		Summary:        summary,
		NewlyCompleted: []string{},
		LoadedAt:       f.Clock.Now(),
	}
	f.cacheMu.Lock()
	f.cache[userID] = snap
	f.cacheMu.Unlock()
	f.Governor.MarkLoaded(userID, len(records))
	return snap, nil
}

// run executes one pipeline pass. The caller holds the user's lock.
func (f *SyncFacade) run(ctx context.Context, userID string) (*Snapshot, error) {
	counters, err := f.Store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}
	eval, err := f.Evaluator.Evaluate(ctx, counters)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	summary, err := f.Summaries.Recompute(ctx, userID, eval.Records)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	if counters.TotalPoints != summary.TotalPoints {
		if err := f.Store.SyncPoints(ctx, userID, summary.TotalPoints); err != nil {
			log.Printf("[SYNC] ⚠️ Failed to store points for %s: %v", userID, err)
		} else {
			counters.TotalPoints = summary.TotalPoints
		}
	}

	newly := eval.NewlyCompleted
	if newly == nil {
		newly = []string{}
	}
	snap := &Snapshot{
		UserID:         userID,
		Counters:       counters,
		Achievements:   eval.Records,
		Summary:        summary,
		NewlyCompleted: newly,
		LoadedAt:       f.Clock.Now(),
	}

	f.cacheMu.Lock()
	f.cache[userID] = snap
	f.cacheMu.Unlock()
	f.Governor.MarkLoaded(userID, len(eval.Records))
	return snap, nil
}

func (f *SyncFacade) cached(userID string) *Snapshot {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()
	return f.cache[userID]
}

func (f *SyncFacade) dropCache(userID string) {
	f.cacheMu.Lock()
	delete(f.cache, userID)
	f.cacheMu.Unlock()
}

// Progress returns the user's counters, from the last snapshot when there is one.
func (f *SyncFacade) Progress(ctx context.Context, userID string) (*models.ProgressCounters, error) {
	if userID == "" {
		return &models.ProgressCounters{}, nil
	}
	if snap := f.cached(userID); snap != nil {
		return snap.Counters, nil
	}
	return f.Store.Get(ctx, userID)
}

// Achievements returns every progress record for the user.
func (f *SyncFacade) Achievements(ctx context.Context, userID string) ([]models.AchievementProgress, error) {
	if snap := f.cached(userID); snap != nil {
		return snap.Achievements, nil
	}
	return f.Evaluator.List(ctx, userID)
}

// Summary returns the user's summary, or nil if none was ever computed.
func (f *SyncFacade) Summary(ctx context.Context, userID string) (*models.UserAchievementSummary, error) {
	if userID == "" {
		return nil, nil
	}
	if snap := f.cached(userID); snap != nil {
		return snap.Summary, nil
	}
	return f.Summaries.Get(ctx, userID)
}

// MarkNotificationShown records that the completion notice was displayed and
// updates the cached snapshot to match.
func (f *SyncFacade) MarkNotificationShown(ctx context.Context, userID, achievementID string) error {
	if userID == "" {
		return nil
	}
	unlock := f.locks.Lock(userID)
	if err := f.Evaluator.MarkNotificationShown(ctx, userID, achievementID); err != nil {
		unlock()
		return err
	}

	var updated *Snapshot
	f.cacheMu.Lock()
	if snap, ok := f.cache[userID]; ok {
		cp := *snap
		cp.Achievements = make([]models.AchievementProgress, len(snap.Achievements))
		copy(cp.Achievements, snap.Achievements)
		for i := range cp.Achievements {
			if cp.Achievements[i].AchievementID == achievementID {
				cp.Achievements[i].NotificationShown = true
			}
		}
		f.cache[userID] = &cp
		updated = &cp
	}
	f.cacheMu.Unlock()
	unlock()

	if updated != nil {
		f.notify(updated)
	}
	return nil
}

// Subscribe registers onChange for every snapshot produced for userID. The
// callback runs on the producing goroutine and must not block.
func (f *SyncFacade) Subscribe(userID string, onChange func(*Snapshot)) (cancel func()) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	f.nextSub++
	id := f.nextSub
	if f.subs[userID] == nil {
		f.subs[userID] = make(map[uint64]func(*Snapshot))
	}
	f.subs[userID][id] = onChange

	var once sync.Once
	return func() {
		once.Do(func() {
			f.subsMu.Lock()
			defer f.subsMu.Unlock()
			delete(f.subs[userID], id)
			if len(f.subs[userID]) == 0 {
				delete(f.subs, userID)
			}
		})
	}
}

func (f *SyncFacade) notify(snap *Snapshot) {
	f.subsMu.Lock()
	fns := make([]func(*Snapshot), 0, len(f.subs[snap.UserID]))
	for _, fn := range f.subs[snap.UserID] {
		fns = append(fns, fn)
	}
	f.subsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
