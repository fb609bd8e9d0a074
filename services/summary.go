// services/summary.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"achievement-sync-service/models"
	"achievement-sync-service/utils"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	RecentLimit   = 5
	UpcomingLimit = 3
)

// SummaryAggregator rebuilds UserAchievementSummary from progress records.
type SummaryAggregator struct {
	DB      *gorm.DB
	Catalog *models.Catalog
	Clock   clockwork.Clock
}

func NewSummaryAggregator(db *gorm.DB, catalog *models.Catalog, clock clockwork.Clock) *SummaryAggregator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SummaryAggregator{DB: db, Catalog: catalog, Clock: clock}
}

// BuildSummary is the pure aggregation. Records without a catalog definition
// are ignored; totals and percentages are over the catalog.
func BuildSummary(userID string, records []models.AchievementProgress, catalog *models.Catalog, now time.Time) *models.UserAchievementSummary {
	sum := &models.UserAchievementSummary{
		UserID:               userID,
		TotalAchievements:    catalog.Len(),
		CategoryStats:        make(map[models.AchievementCategory]models.CategoryStat),
		RecentAchievements:   []models.SummaryEntry{},
		UpcomingAchievements: []models.SummaryEntry{},
		LastUpdated:          models.StorageTime(now),
	}
	for cat, n := range catalog.CategoryTotals() {
		sum.CategoryStats[cat] = models.CategoryStat{Total: n}
	}

	type scored struct {
		entry models.SummaryEntry
		ratio float64
	}
	var recent []models.SummaryEntry
	var upcoming []scored

	for i := range records {
		rec := &records[i]
		def, ok := catalog.Find(rec.AchievementID)
		if !ok {
			continue
		}
		entry := models.SummaryEntry{
			AchievementID:   def.ID,
			Title:           def.Title,
			Category:        def.Category,
			Rarity:          def.Rarity,
			Points:          def.Points,
			CurrentProgress: rec.CurrentProgress,
			TargetProgress:  rec.TargetProgress,
			CompletedAt:     rec.CompletedAt,
		}
		if rec.IsCompleted {
			sum.CompletedAchievements++
			sum.TotalPoints += def.Points
			stat := sum.CategoryStats[def.Category]
			stat.Completed++
			stat.Points += def.Points
			sum.CategoryStats[def.Category] = stat
			recent = append(recent, entry)
			continue
		}
		upcoming = append(upcoming, scored{entry: entry, ratio: rec.Ratio()})
	}

	if sum.TotalAchievements > 0 {
		sum.CompletionPercentage = float64(sum.CompletedAchievements) / float64(sum.TotalAchievements) * 100
	}

	sort.SliceStable(recent, func(i, j int) bool {
		a, b := recent[i].CompletedAt, recent[j].CompletedAt
		if a == nil || b == nil {
			return a != nil
		}
		return a.After(*b)
	})
	if len(recent) > RecentLimit {
		recent = recent[:RecentLimit]
	}
	sum.RecentAchievements = append(sum.RecentAchievements, recent...)

	sort.SliceStable(upcoming, func(i, j int) bool { return upcoming[i].ratio > upcoming[j].ratio })
	for i := 0; i < len(upcoming) && i < UpcomingLimit; i++ {
		sum.UpcomingAchievements = append(sum.UpcomingAchievements, upcoming[i].entry)
	}
	return sum
}

// Recompute rebuilds and persists the summary from the given records.
func (a *SummaryAggregator) Recompute(ctx context.Context, userID string, records []models.AchievementProgress) (*models.UserAchievementSummary, error) {
	sum := BuildSummary(userID, records, a.Catalog, a.Clock.Now())
	if userID == "" {
		return sum, nil
	}
	err := utils.RetryOnContention(ctx, func() error {
		return a.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).Create(sum).Error
	})
	if err != nil {
		return nil, fmt.Errorf("store summary for %s: %w", userID, err)
	}
	return sum, nil
}

// Get returns the stored summary, or nil when none was computed yet.
func (a *SummaryAggregator) Get(ctx context.Context, userID string) (*models.UserAchievementSummary, error) {
	var sum models.UserAchievementSummary
	err := a.DB.WithContext(ctx).Where("user_id = ?", userID).First(&sum).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sum, nil
}
