package models

import (
	"fmt"
	"strings"
)

// CounterKey names the per-user counter an achievement tracks.
type CounterKey string

const (
	CounterReviews      CounterKey = "reviews"
	CounterMessages     CounterKey = "messages"
	CounterMusicMinutes CounterKey = "musicMinutes"
	CounterAppMinutes   CounterKey = "appMinutes"
)

// CounterKeys in storage column order.
var CounterKeys = []CounterKey{CounterReviews, CounterMessages, CounterMusicMinutes, CounterAppMinutes}

// Column returns the progress_counters column backing the counter.
func (k CounterKey) Column() string {
	switch k {
	case CounterReviews:
		return "total_reviews"
	case CounterMessages:
		return "total_messages"
	case CounterMusicMinutes:
		return "total_music_minutes"
	case CounterAppMinutes:
		return "total_app_minutes"
	}
	return ""
}

// TimeBased reports whether the counter measures minutes.
func (k CounterKey) TimeBased() bool {
	return k == CounterMusicMinutes || k == CounterAppMinutes
}

// ParseCounterKey accepts the short key ("reviews") and the field name
// ("totalReviews") used by older clients.
func ParseCounterKey(s string) (CounterKey, error) {
	switch strings.TrimSpace(s) {
	case "reviews", "totalReviews", "total_reviews":
		return CounterReviews, nil
	case "messages", "totalMessages", "total_messages":
		return CounterMessages, nil
	case "musicMinutes", "totalMusicMinutes", "total_music_minutes":
		return CounterMusicMinutes, nil
	case "appMinutes", "totalAppMinutes", "total_app_minutes":
		return CounterAppMinutes, nil
	}
	return "", fmt.Errorf("unknown counter key %q", s)
}

type AchievementCategory string

const (
	CategoryReviews AchievementCategory = "reviews"
	CategorySocial  AchievementCategory = "social"
	CategoryMusic   AchievementCategory = "music"
	CategoryTime    AchievementCategory = "time"
)

// AchievementCategories in display order.
var AchievementCategories = []AchievementCategory{CategoryReviews, CategorySocial, CategoryMusic, CategoryTime}

type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// AchievementDefinition is static config, never persisted.
type AchievementDefinition struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	TargetValue int64               `json:"target_value"`
	CounterKey  CounterKey          `json:"counter_key"`
	Category    AchievementCategory `json:"category"`
	Points      int64               `json:"points"`
	Rarity      Rarity              `json:"rarity"`
}
