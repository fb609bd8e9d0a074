// services/evaluator.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"achievement-sync-service/models"
	"achievement-sync-service/utils"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultHistoryLimit bounds progressHistory per record; oldest entries go first.
const DefaultHistoryLimit = 50

var ErrProgressNotFound = errors.New("achievement progress not found")

// AchievementEvaluator turns counters into per-achievement progress records.
type AchievementEvaluator struct {
	DB           *gorm.DB
	Catalog      *models.Catalog
	Clock        clockwork.Clock
	HistoryLimit int
}

func NewAchievementEvaluator(db *gorm.DB, catalog *models.Catalog, clock clockwork.Clock) *AchievementEvaluator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AchievementEvaluator{DB: db, Catalog: catalog, Clock: clock, HistoryLimit: DefaultHistoryLimit}
}

// Evaluation is the outcome of one evaluator pass.
type Evaluation struct {
	Records        []models.AchievementProgress // catalog order
	Writes         int
	NewlyCompleted []string
}

// List returns the user's stored progress records in catalog order. Records
// whose definition left the catalog are appended at the end.
func (e *AchievementEvaluator) List(ctx context.Context, userID string) ([]models.AchievementProgress, error) {
	if userID == "" {
		return []models.AchievementProgress{}, nil
	}
	existing, err := e.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]models.AchievementProgress, 0, len(existing))
	for _, def := range e.Catalog.All() {
		if rec, ok := existing[def.ID]; ok {
			out = append(out, *rec)
			delete(existing, def.ID)
		}
	}
	for _, rec := range existing {
		out = append(out, *rec)
	}
	return out, nil
}

func (e *AchievementEvaluator) load(ctx context.Context, userID string) (map[string]*models.AchievementProgress, error) {
	var rows []models.AchievementProgress
	if err := e.DB.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load progress for %s: %w", userID, err)
	}
	out := make(map[string]*models.AchievementProgress, len(rows))
	for i := range rows {
		out[rows[i].AchievementID] = &rows[i]
	}
	return out, nil
}

// Evaluate brings every catalog entry's record in line with counters. A record
// that already reflects the counters is left alone, so a second pass with the
// same counters writes nothing. Progress never moves down and completion is
// never revoked.
func (e *AchievementEvaluator) Evaluate(ctx context.Context, counters *models.ProgressCounters) (*Evaluation, error) {
	result := &Evaluation{Records: []models.AchievementProgress{}}
	if counters == nil || counters.UserID == "" {
		return result, nil
	}
	userID := counters.UserID

	existing, err := e.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := models.StorageTime(e.Clock.Now())
	for _, def := range e.Catalog.All() {
		value := counters.Value(def.CounterKey)

		rec, ok := existing[def.ID]
		if !ok {
			rec = e.newRecord(userID, def, value, now)
			if err := e.insert(ctx, rec); err != nil {
				return nil, err
			}
			result.Writes++
			if rec.IsCompleted {
				result.NewlyCompleted = append(result.NewlyCompleted, def.ID)
			}
			result.Records = append(result.Records, *rec)
			continue
		}

		changed, completed := e.apply(rec, def, value, now)
		if changed {
			if err := e.save(ctx, rec); err != nil {
				return nil, err
			}
			result.Writes++
			if completed {
				result.NewlyCompleted = append(result.NewlyCompleted, def.ID)
			}
		}
		result.Records = append(result.Records, *rec)
	}

	if len(result.NewlyCompleted) > 0 {
		log.Printf("[EVAL] 🏆 %s completed %v", userID, result.NewlyCompleted)
	}
	return result, nil
}

// EvaluateAll fetches (and if needed reconciles) the counters, then evaluates.
func (e *AchievementEvaluator) EvaluateAll(ctx context.Context, store *ProgressStore, userID string) (*Evaluation, error) {
	counters, err := store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, counters)
}

func (e *AchievementEvaluator) newRecord(userID string, def models.AchievementDefinition, value int64, now time.Time) *models.AchievementProgress {
	rec := &models.AchievementProgress{
		ID:                 models.ProgressID(userID, def.ID),
		UserID:             userID,
		AchievementID:      def.ID,
		CurrentProgress:    value,
		TargetProgress:     def.TargetValue,
		IsCompleted:        value >= def.TargetValue,
		LastProgressUpdate: now,
		DataSource:         models.DataSourceCalculated,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if rec.IsCompleted {
		rec.CompletedAt = &now
	}
	rec.AppendHistory(models.ProgressHistoryEntry{
		Value:     value,
		Timestamp: now,
		Source:    models.HistorySourceInitialization,
		Trigger:   models.HistoryTriggerUserDataSync,
	}, e.historyLimit())
	return rec
}

// apply mutates rec when value moves it forward. It reports whether anything
// changed and whether the record completed in this call.
func (e *AchievementEvaluator) apply(rec *models.AchievementProgress, def models.AchievementDefinition, value int64, now time.Time) (changed, completed bool) {
	progress := rec.CurrentProgress
	if value > progress {
		progress = value
	}
	target := def.TargetValue
	reached := progress >= target

	if progress == rec.CurrentProgress && target == rec.TargetProgress && (!reached || rec.IsCompleted) {
		return false, false
	}

	rec.CurrentProgress = progress
	rec.TargetProgress = target
	if reached && !rec.IsCompleted {
		rec.IsCompleted = true
		rec.CompletedAt = &now
		completed = true
	}
	rec.VerificationCount++
	rec.LastProgressUpdate = now
	rec.UpdatedAt = now
	rec.AppendHistory(models.ProgressHistoryEntry{
		Value:     progress,
		Timestamp: now,
		Source:    models.HistorySourceAutoUpdate,
		Trigger:   models.HistoryTriggerProgressSync,
	}, e.historyLimit())
	return true, completed
}

func (e *AchievementEvaluator) historyLimit() int {
	if e.HistoryLimit <= 0 {
		return DefaultHistoryLimit
	}
	return e.HistoryLimit
}

// insert uses the deterministic id; a concurrent insert of the same record
// is absorbed.
func (e *AchievementEvaluator) insert(ctx context.Context, rec *models.AchievementProgress) error {
	err := utils.RetryOnContention(ctx, func() error {
		return e.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
	})
	if err != nil {
		return fmt.Errorf("create progress %s: %w", rec.ID, err)
	}
	return nil
}

func (e *AchievementEvaluator) save(ctx context.Context, rec *models.AchievementProgress) error {
	err := utils.RetryOnContention(ctx, func() error {
		return e.DB.WithContext(ctx).Save(rec).Error
	})
	if err != nil {
		return fmt.Errorf("update progress %s: %w", rec.ID, err)
	}
	return nil
}

// MarkNotificationShown sets notificationShown. Repeating it is a no-op.
func (e *AchievementEvaluator) MarkNotificationShown(ctx context.Context, userID, achievementID string) error {
	if userID == "" {
		return nil
	}
	var rec models.AchievementProgress
	err := e.DB.WithContext(ctx).Where("id = ?", models.ProgressID(userID, achievementID)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrProgressNotFound, achievementID)
	}
	if err != nil {
		return err
	}
	if rec.NotificationShown {
		return nil
	}
	return utils.RetryOnContention(ctx, func() error {
		return e.DB.WithContext(ctx).Model(&models.AchievementProgress{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"notification_shown": true,
				"updated_at":         models.StorageTime(e.Clock.Now()),
			}).Error
	})
}

// CorrectProgress overwrites currentProgress on an admin's behalf. It is the
// only path allowed to lower progress; a completed record stays completed.
func (e *AchievementEvaluator) CorrectProgress(ctx context.Context, userID, achievementID string, value int64) (*models.AchievementProgress, error) {
	if value < 0 {
		return nil, fmt.Errorf("correction value must be >= 0, got %d", value)
	}
	def, ok := e.Catalog.Find(achievementID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown achievement %s", ErrProgressNotFound, achievementID)
	}

	now := models.StorageTime(e.Clock.Now())
	var rec models.AchievementProgress
	err := e.DB.WithContext(ctx).Where("id = ?", models.ProgressID(userID, achievementID)).First(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = *e.newRecord(userID, def, value, now)
		rec.ProgressHistory = nil
	case err != nil:
		return nil, err
	}

	rec.CurrentProgress = value
	rec.TargetProgress = def.TargetValue
	if value >= def.TargetValue && !rec.IsCompleted {
		rec.IsCompleted = true
		rec.CompletedAt = &now
	}
	rec.DataSource = models.DataSourceManual
	rec.VerificationCount++
	rec.LastProgressUpdate = now
	rec.UpdatedAt = now
	rec.AppendHistory(models.ProgressHistoryEntry{
		Value:     value,
		Timestamp: now,
		Source:    models.HistorySourceManualCorrection,
		Trigger:   models.HistoryTriggerAdmin,
	}, e.historyLimit())

	if err := e.save(ctx, &rec); err != nil {
		return nil, err
	}
	log.Printf("[EVAL] ✏️ Manual correction %s/%s → %d", userID, achievementID, value)
	return &rec, nil
}
