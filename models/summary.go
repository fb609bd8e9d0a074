package models

import "time"

type CategoryStat struct {
	Total     int   `json:"total"`
	Completed int   `json:"completed"`
	Points    int64 `json:"points"`
}

// SummaryEntry is the slim view of a progress record kept in the summary shortlists.
type SummaryEntry struct {
	AchievementID   string              `json:"achievement_id"`
	Title           string              `json:"title"`
	Category        AchievementCategory `json:"category"`
	Rarity          Rarity              `json:"rarity"`
	Points          int64               `json:"points"`
	CurrentProgress int64               `json:"current_progress"`
	TargetProgress  int64               `json:"target_progress"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}

// UserAchievementSummary is derived data: always rebuilt from scratch by the
// summary aggregator, never patched.
type UserAchievementSummary struct {
	UserID                string                                `gorm:"primaryKey;type:varchar(191)" json:"user_id"`
	TotalAchievements     int                                   `json:"total_achievements"`
	CompletedAchievements int                                   `json:"completed_achievements"`
	TotalPoints           int64                                 `json:"total_points"`
	CompletionPercentage  float64                               `json:"completion_percentage"`
	CategoryStats         map[AchievementCategory]CategoryStat `json:"category_stats" gorm:"type:text;serializer:json"`
	RecentAchievements    []SummaryEntry                        `json:"recent_achievements" gorm:"type:text;serializer:json"`
	UpcomingAchievements  []SummaryEntry                        `json:"upcoming_achievements" gorm:"type:text;serializer:json"`
	LastUpdated           time.Time                             `json:"last_updated"`
}

func (UserAchievementSummary) TableName() string { return "user_achievement_summaries" }
