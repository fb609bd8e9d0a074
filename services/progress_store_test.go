package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"achievement-sync-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func TestCreateUsesAuthoritativeCounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.reviews.set("u1", 3)
	env.store.Messages = MessageSources{
		fakeMessages{name: "a", count: 2},
		fakeMessages{name: "forbidden", err: ErrSourceUnavailable},
		fakeMessages{name: "broken", err: errBoom},
		fakeMessages{name: "b", count: 5},
	}

	rec, err := env.store.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.TotalReviews != 3 || rec.TotalMessages != 7 {
		t.Errorf("counts = %d/%d, want 3/7", rec.TotalReviews, rec.TotalMessages)
	}
	if rec.TotalMusicMinutes != 0 || rec.TotalAppMinutes != 0 || rec.TotalPoints != 0 {
		t.Errorf("derived counters not zeroed: %+v", rec)
	}
	if !rec.IntegrityFlags.ReviewsVerified || !rec.IntegrityFlags.MessagesVerified {
		t.Errorf("integrity flags not set: %+v", rec.IntegrityFlags)
	}
	if rec.IntegrityFlags.LastIntegrityCheck == nil || !rec.IntegrityFlags.LastIntegrityCheck.Equal(testEpoch) {
		t.Errorf("LastIntegrityCheck = %v, want %v", rec.IntegrityFlags.LastIntegrityCheck, testEpoch)
	}
	if rec.DataVersion != 1 || rec.SyncSource != models.SyncSourceAuto {
		t.Errorf("version/source = %d/%s", rec.DataVersion, rec.SyncSource)
	}
	if _, err := uuid.Parse(rec.ID); err != nil {
		t.Errorf("ID %q is not a uuid: %v", rec.ID, err)
	}
}

func TestCreatePropagatesReviewFailure(t *testing.T) {
	env := newTestEnv(t)
	env.reviews.fail(errBoom)

	if _, err := env.store.Create(context.Background(), "u1"); !errors.Is(err, errBoom) {
		t.Fatalf("Create error = %v, want %v", err, errBoom)
	}
}

func TestCreateCountsLocalTables(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		db.Create(&models.Review{ID: uuid.NewString(), ContentID: "c", UserID: "u1", Rating: 5})
	}
	db.Create(&models.Review{ID: uuid.NewString(), ContentID: "c", UserID: "other", Rating: 3})
	for i := 0; i < 6; i++ {
		db.Create(&models.ChatMessage{ID: uuid.NewString(), ChannelID: "ch", SenderID: "u1", Body: "hi"})
	}

	store := NewProgressStore(db, NewReviewTableSource(db), MessageSources{NewChatTableSource(db)}, nil)
	store.ScanLimit = 5

	rec, err := store.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.TotalReviews != 4 {
		t.Errorf("TotalReviews = %d, want 4", rec.TotalReviews)
	}
	// six messages, scan bounded at five
	if rec.TotalMessages != 5 {
		t.Errorf("TotalMessages = %d, want 5", rec.TotalMessages)
	}
}

func TestGetCreatesMissingRecord(t *testing.T) {
	env := newTestEnv(t)
	env.reviews.set("u1", 2)

	rec, err := env.store.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.UserID != "u1" || rec.TotalReviews != 2 {
		t.Errorf("got %+v", rec)
	}
}

func TestGetReadErrorKeepsExistingRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.reviews.set("u1", 1)
	if _, err := env.store.Create(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := env.store.Increment(ctx, "u1", models.CounterMusicMinutes, 30); err != nil {
		t.Fatal(err)
	}

	// fail the next SELECT only
	var failRead atomic.Bool
	err := env.db.Callback().Query().Before("gorm:query").Register("test:fail_read", func(tx *gorm.DB) {
		if failRead.CompareAndSwap(true, false) {
			tx.AddError(errBoom)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	failRead.Store(true)

	rec, err := env.store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if failRead.Load() {
		t.Fatal("read failure was never injected")
	}
	if rec.DataVersion != 2 || rec.TotalMusicMinutes != 30 {
		t.Errorf("Get = version %d music %d, want 2 and 30", rec.DataVersion, rec.TotalMusicMinutes)
	}
	stored, err := env.store.load(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.DataVersion != 2 || stored.TotalMusicMinutes != 30 {
		t.Errorf("stored = version %d music %d, want 2 and 30", stored.DataVersion, stored.TotalMusicMinutes)
	}
}

func TestGetEmptyUserIsNoop(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.store.Get(context.Background(), "")
	if err != nil || rec == nil || rec.UserID != "" {
		t.Fatalf("Get(\"\") = %+v, %v", rec, err)
	}
	var n int64
	env.db.Model(&models.ProgressCounters{}).Count(&n)
	if n != 0 {
		t.Errorf("rows = %d, want 0", n)
	}
}

func TestGetReconcilesStaleMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.reviews.set("u1", 10)
	if _, err := env.store.Create(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	env.reviews.set("u1", 12)
	env.clock.Advance(61 * time.Minute)

	rec, err := env.store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.TotalReviews != 12 {
		t.Errorf("TotalReviews = %d, want 12", rec.TotalReviews)
	}
	if rec.DataVersion != 2 {
		t.Errorf("DataVersion = %d, want 2", rec.DataVersion)
	}
}

func TestGetSkipsCheckInsideFreshnessWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.reviews.set("u1", 10)
	if _, err := env.store.Create(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	calls := env.reviews.callCount()

	env.reviews.set("u1", 12)
	env.clock.Advance(5 * time.Minute)

	rec, err := env.store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.TotalReviews != 10 {
		t.Errorf("TotalReviews = %d, want 10", rec.TotalReviews)
	}
	if got := env.reviews.callCount(); got != calls {
		t.Errorf("authoritative source called %d more times", got-calls)
	}
}

func TestVerifyIntegrity(t *testing.T) {
	tests := []struct {
		name   string
		source int64
		err    error
		want   bool
	}{
		{"exact", 10, nil, true},
		{"one more", 11, nil, true},
		{"one less", 9, nil, true},
		{"two more", 12, nil, false},
		{"two less", 8, nil, false},
		{"source error", 10, errBoom, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			env.reviews.set("u1", 10)
			rec, err := env.store.Create(ctx, "u1")
			if err != nil {
				t.Fatal(err)
			}

			env.clock.Advance(2 * time.Hour)
			env.reviews.set("u1", tt.source)
			env.reviews.fail(tt.err)

			if got := env.store.VerifyIntegrity(ctx, "u1", rec); got != tt.want {
				t.Errorf("VerifyIntegrity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifyIntegrityStampsCheck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.reviews.set("u1", 4)
	rec, err := env.store.Create(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(90 * time.Minute)

	if !env.store.VerifyIntegrity(ctx, "u1", rec) {
		t.Fatal("expected valid")
	}
	var stored models.ProgressCounters
	env.db.Where("user_id = ?", "u1").First(&stored)
	want := testEpoch.Add(90 * time.Minute)
	if stored.IntegrityFlags.LastIntegrityCheck == nil || !stored.IntegrityFlags.LastIntegrityCheck.Equal(want) {
		t.Errorf("LastIntegrityCheck = %v, want %v", stored.IntegrityFlags.LastIntegrityCheck, want)
	}
	if !stored.UpdatedAt.Equal(testEpoch) {
		t.Errorf("UpdatedAt moved to %v; verification is not activity", stored.UpdatedAt)
	}
}

func TestRecalculateResetsMinutesAndBumpsVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.reviews.set("u1", 1)
	if _, err := env.store.Create(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := env.store.Increment(ctx, "u1", models.CounterMusicMinutes, 30); err != nil {
		t.Fatal(err)
	}

	rec, err := env.store.Recalculate(ctx, "u1")
	if err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	if rec.TotalMusicMinutes != 0 {
		t.Errorf("TotalMusicMinutes = %d, want 0", rec.TotalMusicMinutes)
	}
	// create=1, increment=2, recalculate=3
	if rec.DataVersion != 3 {
		t.Errorf("DataVersion = %d, want 3", rec.DataVersion)
	}

	var n int64
	env.db.Model(&models.ProgressCounters{}).Where("user_id = ?", "u1").Count(&n)
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestRecalculateKeepsRecordWhenSourceFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.store.Create(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := env.store.Increment(ctx, "u1", models.CounterMusicMinutes, 12); err != nil {
		t.Fatal(err)
	}

	env.reviews.fail(errBoom)
	if _, err := env.store.Recalculate(ctx, "u1"); !errors.Is(err, errBoom) {
		t.Fatalf("Recalculate error = %v, want errBoom", err)
	}
	rec, err := env.store.load(ctx, "u1")
	if err != nil {
		t.Fatalf("record gone after failed recalculation: %v", err)
	}
	if rec.TotalMusicMinutes != 12 {
		t.Errorf("TotalMusicMinutes = %d, want 12", rec.TotalMusicMinutes)
	}
}

func TestRecalculateWithoutRecord(t *testing.T) {
	env := newTestEnv(t)
	env.reviews.set("u1", 7)
	rec, err := env.store.Recalculate(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	if rec.TotalReviews != 7 || rec.DataVersion != 1 {
		t.Errorf("got reviews=%d version=%d", rec.TotalReviews, rec.DataVersion)
	}
}

func TestIncrementValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		key   models.CounterKey
		delta int64
		want  error
	}{
		{"unknown counter", models.CounterKey("steps"), 1, ErrUnknownCounter},
		{"zero delta", models.CounterAppMinutes, 0, ErrNonPositiveDelta},
		{"negative delta", models.CounterReviews, -3, ErrNonPositiveDelta},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := env.store.Increment(ctx, "u1", tt.key, tt.delta); !errors.Is(err, tt.want) {
				t.Errorf("Increment error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIncrementCreatesRecordFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.reviews.set("u1", 4)

	if err := env.store.Increment(ctx, "u1", models.CounterReviews, 1); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	rec, err := env.store.Get(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.TotalReviews != 5 {
		t.Errorf("TotalReviews = %d, want 5", rec.TotalReviews)
	}
	if rec.SyncSource != models.SyncSourceAuto {
		t.Errorf("SyncSource = %s", rec.SyncSource)
	}
}

func TestIncrementConcurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const n = 25

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.store.Increment(ctx, "u1", models.CounterReviews, 1)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
	}

	var rec models.ProgressCounters
	if err := env.db.Where("user_id = ?", "u1").First(&rec).Error; err != nil {
		t.Fatal(err)
	}
	if rec.TotalReviews != n {
		t.Errorf("TotalReviews = %d, want %d", rec.TotalReviews, n)
	}
}

func TestSyncPoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.store.Create(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := env.store.SyncPoints(ctx, "u1", 35); err != nil {
		t.Fatalf("SyncPoints: %v", err)
	}
	rec, _ := env.store.Get(ctx, "u1")
	if rec.TotalPoints != 35 {
		t.Errorf("TotalPoints = %d, want 35", rec.TotalPoints)
	}
}

func TestStaleUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"old", "fresh"} {
		if _, err := env.store.Create(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	env.clock.Advance(2 * time.Hour)
	// "fresh" gets verified now; "old" stays stale
	rec, _ := env.store.load(ctx, "fresh")
	env.store.VerifyIntegrity(ctx, "fresh", rec)

	ids, err := env.store.StaleUsers(ctx, env.clock.Now().Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("StaleUsers: %v", err)
	}
	if len(ids) != 1 || ids[0] != "old" {
		t.Errorf("StaleUsers = %v, want [old]", ids)
	}

	// Inactive for more than a day: skipped
	ids, _ = env.store.StaleUsers(ctx, env.clock.Now().Add(-time.Hour), 10)
	if len(ids) != 0 {
		t.Errorf("StaleUsers(active 1h) = %v, want none", ids)
	}
}
