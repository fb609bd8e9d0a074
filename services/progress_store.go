// services/progress_store.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"achievement-sync-service/models"
	"achievement-sync-service/utils"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultIntegrityWindow is how long a successful verification is trusted
// before the authoritative review count is consulted again.
const DefaultIntegrityWindow = time.Hour

// ReviewTolerance absorbs a review written between the authoritative read and
// the stored counter update.
const ReviewTolerance = 1

var (
	ErrUnknownCounter   = errors.New("unknown counter")
	ErrNonPositiveDelta = errors.New("increment delta must be positive")
)

// ProgressStore owns ProgressCounters: creation by reconciliation,
// verification, and atomic increments.
type ProgressStore struct {
	DB              *gorm.DB
	Reviews         ReviewCounter
	Messages        MessageSources
	Clock           clockwork.Clock
	IntegrityWindow time.Duration
	ScanLimit       int
}

func NewProgressStore(db *gorm.DB, reviews ReviewCounter, messages MessageSources, clock clockwork.Clock) *ProgressStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ProgressStore{
		DB:              db,
		Reviews:         reviews,
		Messages:        messages,
		Clock:           clock,
		IntegrityWindow: DefaultIntegrityWindow,
		ScanLimit:       DefaultScanLimit,
	}
}

func (s *ProgressStore) now() time.Time { return models.StorageTime(s.Clock.Now()) }

// load reads the stored record without any verification.
func (s *ProgressStore) load(ctx context.Context, userID string) (*models.ProgressCounters, error) {
	var rec models.ProgressCounters
	if err := s.DB.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get returns the user's counters, reconciling them first when the integrity
// check fails. A missing record is created from the authoritative sources.
func (s *ProgressStore) Get(ctx context.Context, userID string) (*models.ProgressCounters, error) {
	if userID == "" {
		return &models.ProgressCounters{}, nil
	}

	rec, err := s.load(ctx, userID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("[STORE] ⚠️ Read failed for %s, rebuilding from sources if missing: %v", userID, err)
		}
		return s.createMissing(ctx, userID)
	}

	if !s.VerifyIntegrity(ctx, userID, rec) {
		log.Printf("[STORE] 🔁 Integrity check failed for %s, recalculating", userID)
		return s.Recalculate(ctx, userID)
	}
	return rec, nil
}

// Create builds a record from the authoritative counts and persists it,
// replacing any existing row for the user. Every failure is returned.
func (s *ProgressStore) Create(ctx context.Context, userID string) (*models.ProgressCounters, error) {
	return s.create(ctx, userID, 1)
}

func (s *ProgressStore) create(ctx context.Context, userID string, version int64) (*models.ProgressCounters, error) {
	if userID == "" {
		return &models.ProgressCounters{}, nil
	}

	rec, err := s.fromSources(ctx, userID, version)
	if err != nil {
		return nil, err
	}
	return s.persist(ctx, userID, rec)
}

func (s *ProgressStore) persist(ctx context.Context, userID string, rec *models.ProgressCounters) (*models.ProgressCounters, error) {
	err := utils.RetryOnContention(ctx, func() error {
		return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).Create(rec).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create progress counters for %s: %w", userID, err)
	}

	// On conflict the row keeps its original primary key; read it back so the
	// caller sees what is stored.
	stored, err := s.load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reload progress counters for %s: %w", userID, err)
	}
	log.Printf("[STORE] ✅ Counters created for %s: reviews=%d messages=%d version=%d", userID, rec.TotalReviews, rec.TotalMessages, rec.DataVersion)
	return stored, nil
}

// fromSources builds an unsaved record from the authoritative counts. Review
// failures are returned; message sources degrade to zero.
func (s *ProgressStore) fromSources(ctx context.Context, userID string, version int64) (*models.ProgressCounters, error) {
	reviews, err := s.Reviews.CountReviews(ctx, userID, s.ScanLimit)
	if err != nil {
		return nil, fmt.Errorf("count reviews for %s: %w", userID, err)
	}
	messages := s.Messages.CountMessages(ctx, userID, s.ScanLimit)

	now := s.now()
	return &models.ProgressCounters{
		ID:            uuid.NewString(),
		UserID:        userID,
		TotalReviews:  reviews,
		TotalMessages: messages,
		LastSyncTime:  now,
		DataVersion:   version,
		SyncSource:    models.SyncSourceAuto,
		IntegrityBackup: models.IntegrityBackup{
			ReviewsFromSource:  reviews,
			MessagesFromSource: messages,
			LastVerification:   &now,
		},
		IntegrityFlags: models.IntegrityFlags{
			ReviewsVerified:    true,
			MessagesVerified:   true,
			LastIntegrityCheck: &now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// VerifyIntegrity reports whether rec can be trusted. Inside the freshness
// window it returns true without touching the sources. Any failure to verify
// counts as invalid.
func (s *ProgressStore) VerifyIntegrity(ctx context.Context, userID string, rec *models.ProgressCounters) bool {
	if rec == nil {
		return false
	}
	now := s.now()
	if last := rec.IntegrityFlags.LastIntegrityCheck; last != nil && now.Sub(*last) < s.IntegrityWindow {
		return true
	}

	reviews, err := s.Reviews.CountReviews(ctx, userID, s.ScanLimit)
	if err != nil {
		log.Printf("[STORE] ⚠️ Cannot verify reviews for %s: %v", userID, err)
		return false
	}

	diff := reviews - rec.TotalReviews
	if diff < -ReviewTolerance || diff > ReviewTolerance {
		log.Printf("[STORE] ❌ Review mismatch for %s: stored=%d source=%d", userID, rec.TotalReviews, reviews)
		return false
	}

	rec.IntegrityBackup.ReviewsFromSource = reviews
	rec.IntegrityBackup.LastVerification = &now
	rec.IntegrityFlags.ReviewsVerified = true
	rec.IntegrityFlags.LastIntegrityCheck = &now

	// Best effort: a failed stamp only means the next read verifies again.
	// UpdateColumns leaves updated_at alone so verification does not count
	// as user activity.
	err = utils.RetryOnContention(ctx, func() error {
		return s.DB.WithContext(ctx).Model(&models.ProgressCounters{}).
			Where("user_id = ?", userID).
			UpdateColumns(map[string]interface{}{
				"backup_reviews_from_source":     reviews,
				"backup_last_verification":       now,
				"integrity_reviews_verified":     true,
				"integrity_last_integrity_check": now,
			}).Error
	})
	if err != nil {
		log.Printf("[STORE] ⚠️ Failed to stamp integrity check for %s: %v", userID, err)
	}
	return true
}

// Recalculate discards the stored record and rebuilds it from the sources.
// The data version continues from the discarded record. The sources are read
// before anything is deleted, so a failing source leaves the record in place.
func (s *ProgressStore) Recalculate(ctx context.Context, userID string) (*models.ProgressCounters, error) {
	if userID == "" {
		return &models.ProgressCounters{}, nil
	}
	version := int64(1)
	if prev, err := s.load(ctx, userID); err == nil {
		version = prev.DataVersion + 1
	}

	rec, err := s.fromSources(ctx, userID, version)
	if err != nil {
		return nil, err
	}

	err = utils.RetryOnContention(ctx, func() error {
		return s.DB.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.ProgressCounters{}).Error
	})
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("[STORE] ⚠️ Delete before recalculation failed for %s: %v", userID, err)
	}
	return s.persist(ctx, userID, rec)
}

// Increment atomically adds delta to one counter. The add happens in SQL, so
// concurrent increments never lose updates.
func (s *ProgressStore) Increment(ctx context.Context, userID string, key models.CounterKey, delta int64) error {
	if userID == "" {
		return nil
	}
	col := key.Column()
	if col == "" {
		return fmt.Errorf("%w: %q", ErrUnknownCounter, key)
	}
	if delta <= 0 {
		return fmt.Errorf("%w: %s += %d", ErrNonPositiveDelta, key, delta)
	}

	affected, err := s.add(ctx, userID, col, delta)
	if err != nil {
		return fmt.Errorf("increment %s for %s: %w", key, userID, err)
	}
	if affected > 0 {
		return nil
	}

	if err := s.ensure(ctx, userID); err != nil {
		return err
	}
	affected, err = s.add(ctx, userID, col, delta)
	if err != nil {
		return fmt.Errorf("increment %s for %s: %w", key, userID, err)
	}
	if affected == 0 {
		return fmt.Errorf("increment %s for %s: record vanished", key, userID)
	}
	return nil
}

func (s *ProgressStore) add(ctx context.Context, userID, col string, delta int64) (int64, error) {
	now := s.now()
	var affected int64
	err := utils.RetryOnContention(ctx, func() error {
		res := s.DB.WithContext(ctx).Model(&models.ProgressCounters{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				col:              gorm.Expr(col+" + ?", delta),
				"data_version":   gorm.Expr("data_version + 1"),
				"sync_source":    models.SyncSourceAuto,
				"last_sync_time": now,
				"updated_at":     now,
			})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// ensure creates the record from the sources if no row exists yet. A
// concurrent creator wins silently: its row is kept as is.
func (s *ProgressStore) ensure(ctx context.Context, userID string) error {
	if _, err := s.load(ctx, userID); err == nil {
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("load progress counters for %s: %w", userID, err)
	}
	return s.insertMissing(ctx, userID)
}

// createMissing builds a record from the sources and inserts it unless a row
// already exists, then returns whatever is stored. An existing row, whose
// read may just have failed, is never overwritten.
func (s *ProgressStore) createMissing(ctx context.Context, userID string) (*models.ProgressCounters, error) {
	if err := s.insertMissing(ctx, userID); err != nil {
		return nil, err
	}
	stored, err := s.load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reload progress counters for %s: %w", userID, err)
	}
	return stored, nil
}

func (s *ProgressStore) insertMissing(ctx context.Context, userID string) error {
	rec, err := s.fromSources(ctx, userID, 1)
	if err != nil {
		return err
	}
	var created int64
	err = utils.RetryOnContention(ctx, func() error {
		res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).Create(rec)
		created = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return fmt.Errorf("create progress counters for %s: %w", userID, err)
	}
	if created > 0 {
		log.Printf("[STORE] ✅ Counters created for %s: reviews=%d messages=%d", userID, rec.TotalReviews, rec.TotalMessages)
	}
	return nil
}

// SyncPoints stores the point total computed by the summary aggregator.
func (s *ProgressStore) SyncPoints(ctx context.Context, userID string, points int64) error {
	if userID == "" {
		return nil
	}
	return utils.RetryOnContention(ctx, func() error {
		return s.DB.WithContext(ctx).Model(&models.ProgressCounters{}).
			Where("user_id = ? AND total_points <> ?", userID, points).
			Updates(map[string]interface{}{
				"total_points": points,
				"updated_at":   s.now(),
			}).Error
	})
}

// StaleUsers lists users active since activeSince whose last integrity check
// is older than the freshness window. Used by the reconciliation job.
func (s *ProgressStore) StaleUsers(ctx context.Context, activeSince time.Time, limit int) ([]string, error) {
	cutoff := s.now().Add(-s.IntegrityWindow)
	var ids []string
	err := s.DB.WithContext(ctx).Model(&models.ProgressCounters{}).
		Where("updated_at >= ?", models.StorageTime(activeSince)).
		Where("integrity_last_integrity_check IS NULL OR integrity_last_integrity_check < ?", cutoff).
		Order("integrity_last_integrity_check ASC").
		Limit(limit).
		Pluck("user_id", &ids).Error
	return ids, err
}
