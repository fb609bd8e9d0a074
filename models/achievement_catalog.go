package models

import (
	"fmt"

	"github.com/gosimple/slug"
)

// AchievementDefinitions is the shipped catalog, in evaluation order.
var AchievementDefinitions = []AchievementDefinition{
	// Reviews
	{ID: "first_review", Title: "First Impressions", Description: "Write your first review", TargetValue: 1, CounterKey: CounterReviews, Category: CategoryReviews, Points: 10, Rarity: RarityCommon},
	{ID: "reviewer_5", Title: "Getting Opinionated", Description: "Write 5 reviews", TargetValue: 5, CounterKey: CounterReviews, Category: CategoryReviews, Points: 25, Rarity: RarityCommon},
	{ID: "reviewer_25", Title: "Critic", Description: "Write 25 reviews", TargetValue: 25, CounterKey: CounterReviews, Category: CategoryReviews, Points: 50, Rarity: RarityRare},
	{ID: "reviewer_100", Title: "Seasoned Critic", Description: "Write 100 reviews", TargetValue: 100, CounterKey: CounterReviews, Category: CategoryReviews, Points: 150, Rarity: RarityEpic},
	{ID: "reviewer_500", Title: "Voice of the Community", Description: "Write 500 reviews", TargetValue: 500, CounterKey: CounterReviews, Category: CategoryReviews, Points: 500, Rarity: RarityLegendary},

	// Social
	{ID: "first_message", Title: "Ice Breaker", Description: "Send your first chat message", TargetValue: 1, CounterKey: CounterMessages, Category: CategorySocial, Points: 10, Rarity: RarityCommon},
	{ID: "chatter_50", Title: "Chatter", Description: "Send 50 chat messages", TargetValue: 50, CounterKey: CounterMessages, Category: CategorySocial, Points: 25, Rarity: RarityCommon},
	{ID: "social_250", Title: "Social Butterfly", Description: "Send 250 chat messages", TargetValue: 250, CounterKey: CounterMessages, Category: CategorySocial, Points: 75, Rarity: RarityRare},
	{ID: "messenger_1000", Title: "Town Crier", Description: "Send 1,000 chat messages", TargetValue: 1000, CounterKey: CounterMessages, Category: CategorySocial, Points: 200, Rarity: RarityEpic},

	// Music
	{ID: "first_listen", Title: "Tuned In", Description: "Listen to 10 minutes of audio", TargetValue: 10, CounterKey: CounterMusicMinutes, Category: CategoryMusic, Points: 10, Rarity: RarityCommon},
	{ID: "listener_60", Title: "Hour of Sound", Description: "Listen to 60 minutes of audio", TargetValue: 60, CounterKey: CounterMusicMinutes, Category: CategoryMusic, Points: 25, Rarity: RarityCommon},
	{ID: "listener_600", Title: "Audiophile", Description: "Listen to 10 hours of audio", TargetValue: 600, CounterKey: CounterMusicMinutes, Category: CategoryMusic, Points: 100, Rarity: RarityRare},
	{ID: "listener_3000", Title: "Living Soundtrack", Description: "Listen to 50 hours of audio", TargetValue: 3000, CounterKey: CounterMusicMinutes, Category: CategoryMusic, Points: 400, Rarity: RarityLegendary},

	// Time in app
	{ID: "app_30", Title: "Settling In", Description: "Spend 30 minutes in the app", TargetValue: 30, CounterKey: CounterAppMinutes, Category: CategoryTime, Points: 10, Rarity: RarityCommon},
	{ID: "app_300", Title: "Regular", Description: "Spend 5 hours in the app", TargetValue: 300, CounterKey: CounterAppMinutes, Category: CategoryTime, Points: 50, Rarity: RarityRare},
	{ID: "app_1500", Title: "Devoted", Description: "Spend 25 hours in the app", TargetValue: 1500, CounterKey: CounterAppMinutes, Category: CategoryTime, Points: 150, Rarity: RarityEpic},
	{ID: "app_6000", Title: "Resident", Description: "Spend 100 hours in the app", TargetValue: 6000, CounterKey: CounterAppMinutes, Category: CategoryTime, Points: 500, Rarity: RarityLegendary},
}

// Catalog provides read-only lookups over achievement definitions.
// It is safe for concurrent use because nothing mutates it after NewCatalog.
type Catalog struct {
	defs []AchievementDefinition
	byID map[string]int
}

// NewCatalog validates defs and indexes them by id.
func NewCatalog(defs []AchievementDefinition) (*Catalog, error) {
	c := &Catalog{
		defs: make([]AchievementDefinition, len(defs)),
		byID: make(map[string]int, len(defs)),
	}
	copy(c.defs, defs)
	for i, d := range c.defs {
		if d.ID == "" {
			return nil, fmt.Errorf("achievement at index %d has no id", i)
		}
		// Ids end up in record keys and export paths.
		if !slug.IsSlug(d.ID) {
			return nil, fmt.Errorf("achievement id %q is not slug-safe", d.ID)
		}
		if d.TargetValue <= 0 {
			return nil, fmt.Errorf("achievement %s: target value must be > 0", d.ID)
		}
		if d.CounterKey.Column() == "" {
			return nil, fmt.Errorf("achievement %s: unknown counter %q", d.ID, d.CounterKey)
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate achievement id %s", d.ID)
		}
		c.byID[d.ID] = i
	}
	return c, nil
}

// MustCatalog panics on an invalid catalog; used for the compiled-in table.
func MustCatalog(defs []AchievementDefinition) *Catalog {
	c, err := NewCatalog(defs)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultCatalog returns the shipped catalog.
func DefaultCatalog() *Catalog {
	return MustCatalog(AchievementDefinitions)
}

// All returns the definitions in catalog order. Callers must not modify them.
func (c *Catalog) All() []AchievementDefinition { return c.defs }

func (c *Catalog) Len() int { return len(c.defs) }

// Find looks up a definition by id.
func (c *Catalog) Find(id string) (AchievementDefinition, bool) {
	i, ok := c.byID[id]
	if !ok {
		return AchievementDefinition{}, false
	}
	return c.defs[i], true
}

// ByCounter returns every definition tracking key, in catalog order.
func (c *Catalog) ByCounter(key CounterKey) []AchievementDefinition {
	var out []AchievementDefinition
	for _, d := range c.defs {
		if d.CounterKey == key {
			out = append(out, d)
		}
	}
	return out
}

// CategoryTotals counts definitions per category.
func (c *Catalog) CategoryTotals() map[AchievementCategory]int {
	out := make(map[AchievementCategory]int, len(AchievementCategories))
	for _, d := range c.defs {
		out[d.Category]++
	}
	return out
}
