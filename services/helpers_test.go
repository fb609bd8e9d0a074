package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"achievement-sync-service/models"

	"github.com/jonboulle/clockwork"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var memDBSeq int64

// newTestDB opens a private in-memory SQLite database with the schema migrated.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:services_mem%d?mode=memory&cache=shared", atomic.AddInt64(&memDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(
		&models.ProgressCounters{},
		&models.AchievementProgress{},
		&models.UserAchievementSummary{},
		&models.Review{},
		&models.ChatMessage{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeReviews is a ReviewCounter whose answers the test controls.
type fakeReviews struct {
	mu    sync.Mutex
	count map[string]int64
	err   error
	calls int
}

func newFakeReviews() *fakeReviews {
	return &fakeReviews{count: make(map[string]int64)}
}

func (f *fakeReviews) set(userID string, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count[userID] = n
}

func (f *fakeReviews) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeReviews) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeReviews) CountReviews(ctx context.Context, userID string, limit int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.count[userID], nil
}

type fakeMessages struct {
	name  string
	count int64
	err   error
}

func (f fakeMessages) Name() string { return f.name }

func (f fakeMessages) CountMessages(ctx context.Context, userID string, limit int) (int64, error) {
	return f.count, f.err
}

var errBoom = errors.New("boom")

type testEnv struct {
	db      *gorm.DB
	clock   *clockwork.FakeClock
	reviews *fakeReviews
	store   *ProgressStore
	eval    *AchievementEvaluator
	sums    *SummaryAggregator
	facade  *SyncFacade
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	clock := clockwork.NewFakeClockAt(testEpoch)
	reviews := newFakeReviews()
	catalog := models.DefaultCatalog()

	store := NewProgressStore(db, reviews, MessageSources{NewChatTableSource(db)}, clock)
	eval := NewAchievementEvaluator(db, catalog, clock)
	sums := NewSummaryAggregator(db, catalog, clock)
	facade := NewSyncFacade(store, eval, sums,
		NewCacheGovernor(clock, DefaultCacheTTL),
		NewAppTimeThrottle(clock, DefaultAppTimeFlushInterval),
		clock,
	)
	return &testEnv{db: db, clock: clock, reviews: reviews, store: store, eval: eval, sums: sums, facade: facade}
}

func findRecord(records []models.AchievementProgress, id string) *models.AchievementProgress {
	for i := range records {
		if records[i].AchievementID == id {
			return &records[i]
		}
	}
	return nil
}
