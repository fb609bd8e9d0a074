package models

import "time"

type SyncSource string

const (
	SyncSourceManual    SyncSource = "manual"
	SyncSourceAuto      SyncSource = "auto"
	SyncSourceMigration SyncSource = "migration"
)

// IntegrityBackup records what the authoritative sources reported at the
// last verification.
type IntegrityBackup struct {
	ReviewsFromSource  int64      `json:"reviews_from_source" gorm:"default:0"`
	MessagesFromSource int64      `json:"messages_from_source" gorm:"default:0"`
	LastVerification   *time.Time `json:"last_verification,omitempty"`
}

type IntegrityFlags struct {
	ReviewsVerified    bool       `json:"reviews_verified" gorm:"default:false"`
	MessagesVerified   bool       `json:"messages_verified" gorm:"default:false"`
	LastIntegrityCheck *time.Time `json:"last_integrity_check,omitempty" gorm:"index"`
}

// ProgressCounters is the durable per-user counter record (denormalized for
// fast achievement evaluation). Written only by the progress store.
type ProgressCounters struct {
	ID     string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID string `gorm:"uniqueIndex;not null" json:"user_id"` // links to profile service

	TotalReviews      int64 `json:"total_reviews" gorm:"not null;default:0;check:total_reviews >= 0"`
	TotalMessages     int64 `json:"total_messages" gorm:"not null;default:0;check:total_messages >= 0"`
	TotalMusicMinutes int64 `json:"total_music_minutes" gorm:"not null;default:0;check:total_music_minutes >= 0"`
	TotalAppMinutes   int64 `json:"total_app_minutes" gorm:"not null;default:0;check:total_app_minutes >= 0"`
	TotalPoints       int64 `json:"total_points" gorm:"not null;default:0"`

	LastSyncTime time.Time  `json:"last_sync_time"`
	DataVersion  int64      `json:"data_version" gorm:"not null;default:1"`
	SyncSource   SyncSource `json:"sync_source" gorm:"type:varchar(16);not null;default:'auto'"`

	IntegrityBackup IntegrityBackup `json:"integrity_backup" gorm:"embedded;embeddedPrefix:backup_"`
	IntegrityFlags  IntegrityFlags  `json:"integrity_flags" gorm:"embedded;embeddedPrefix:integrity_"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at" gorm:"index"`
}

func (ProgressCounters) TableName() string { return "progress_counters" }

// Value returns the counter tracked by key.
func (p *ProgressCounters) Value(key CounterKey) int64 {
	switch key {
	case CounterReviews:
		return p.TotalReviews
	case CounterMessages:
		return p.TotalMessages
	case CounterMusicMinutes:
		return p.TotalMusicMinutes
	case CounterAppMinutes:
		return p.TotalAppMinutes
	}
	return 0
}
