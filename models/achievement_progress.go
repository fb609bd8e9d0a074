package models

import "time"

type DataSource string

const (
	DataSourceCalculated DataSource = "calculated"
	DataSourceManual     DataSource = "manual"
	DataSourceMigration  DataSource = "migration"
)

// History sources and triggers written by the evaluator.
const (
	HistorySourceInitialization   = "initialization"
	HistorySourceAutoUpdate       = "auto_update"
	HistorySourceManualCorrection = "manual_correction"

	HistoryTriggerUserDataSync = "user_data_sync"
	HistoryTriggerProgressSync = "progress_sync"
	HistoryTriggerAdmin        = "admin"
)

type ProgressHistoryEntry struct {
	Value     int64     `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Trigger   string    `json:"trigger"`
}

// AchievementProgress is one row per (user, achievement). The primary key is
// deterministic so re-running evaluation never duplicates rows.
type AchievementProgress struct {
	ID            string `gorm:"primaryKey;type:varchar(191)" json:"id"` // userID:achievementID
	UserID        string `gorm:"index:idx_achievement_progress_user;not null" json:"user_id"`
	AchievementID string `gorm:"index;not null" json:"achievement_id"`

	CurrentProgress int64      `json:"current_progress" gorm:"not null;default:0"`
	TargetProgress  int64      `json:"target_progress" gorm:"not null"`
	IsCompleted     bool       `json:"is_completed" gorm:"not null;default:false;index"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	NotificationShown  bool       `json:"notification_shown" gorm:"not null;default:false;index"`
	LastProgressUpdate time.Time  `json:"last_progress_update"`
	VerificationCount  int64      `json:"verification_count" gorm:"not null;default:0"`
	DataSource         DataSource `json:"data_source" gorm:"type:varchar(16);not null;default:'calculated'"`

	ProgressHistory []ProgressHistoryEntry `json:"progress_history" gorm:"type:text;serializer:json"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AchievementProgress) TableName() string { return "achievement_progress" }

// ProgressID builds the deterministic record id.
func ProgressID(userID, achievementID string) string {
	return userID + ":" + achievementID
}

// Ratio is currentProgress / targetProgress, capped at 1.
func (p *AchievementProgress) Ratio() float64 {
	if p.TargetProgress <= 0 {
		return 0
	}
	r := float64(p.CurrentProgress) / float64(p.TargetProgress)
	if r > 1 {
		return 1
	}
	return r
}

// PendingNotification is true once the record completed and nobody has shown it yet.
func (p *AchievementProgress) PendingNotification() bool {
	return p.IsCompleted && !p.NotificationShown
}

// AppendHistory adds an entry and prunes the oldest beyond limit.
func (p *AchievementProgress) AppendHistory(e ProgressHistoryEntry, limit int) {
	p.ProgressHistory = append(p.ProgressHistory, e)
	if limit > 0 && len(p.ProgressHistory) > limit {
		trimmed := make([]ProgressHistoryEntry, limit)
		copy(trimmed, p.ProgressHistory[len(p.ProgressHistory)-limit:])
		p.ProgressHistory = trimmed
	}
}
