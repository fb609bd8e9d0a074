// services/notifications.go
package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"achievement-sync-service/models"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Notification is a completed achievement whose notice has not been shown yet.
type Notification struct {
	AchievementID string        `json:"achievement_id"`
	Title         string        `json:"title"`
	Rarity        models.Rarity `json:"rarity"`
	Points        int64         `json:"points"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Message       string        `json:"message"`
}

const unlockedMsg = "🏆 Achievement unlocked: %s (+%d points)"

func init() {
	translations := map[language.Tag]string{
		language.German:  "🏆 Erfolg freigeschaltet: %s (+%d Punkte)",
		language.French:  "🏆 Succès débloqué : %s (+%d points)",
		language.Spanish: "🏆 Logro desbloqueado: %s (+%d puntos)",
	}
	for tag, msg := range translations {
		if err := message.SetString(tag, unlockedMsg, msg); err != nil {
			panic(fmt.Sprintf("notification catalog %s: %v", tag, err))
		}
	}
}

var (
	supportedLocales    = []language.Tag{language.English, language.German, language.French, language.Spanish}
	notificationLocales = language.NewMatcher(supportedLocales)
)

// NotificationPrinter picks the closest supported locale for an
// Accept-Language style string, falling back to English.
func NotificationPrinter(locale string) *message.Printer {
	tags, _, err := language.ParseAcceptLanguage(locale)
	if err != nil || len(tags) == 0 {
		return message.NewPrinter(language.English)
	}
	_, idx, _ := notificationLocales.Match(tags...)
	return message.NewPrinter(supportedLocales[idx])
}

// PendingNotifications lists records with isCompleted && !notificationShown,
// oldest completion first.
func (f *SyncFacade) PendingNotifications(ctx context.Context, userID, locale string) ([]Notification, error) {
	if userID == "" {
		return []Notification{}, nil
	}
	records, err := f.Achievements(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := NotificationPrinter(locale)
	out := []Notification{}
	for i := range records {
		rec := &records[i]
		if !rec.PendingNotification() {
			continue
		}
		def, ok := f.Evaluator.Catalog.Find(rec.AchievementID)
		if !ok {
			continue
		}
		out = append(out, Notification{
			AchievementID: def.ID,
			Title:         def.Title,
			Rarity:        def.Rarity,
			Points:        def.Points,
			CompletedAt:   rec.CompletedAt,
			Message:       p.Sprintf(unlockedMsg, def.Title, def.Points),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].CompletedAt, out[j].CompletedAt
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.Before(*b)
	})
	return out, nil
}
