// services/sources.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"achievement-sync-service/models"

	"gorm.io/gorm"
)

// DefaultScanLimit bounds every authoritative scan so a pathological history
// cannot make reconciliation unbounded.
const DefaultScanLimit = 1000

// ErrSourceUnavailable marks a message source the service has no access to.
var ErrSourceUnavailable = errors.New("message source unavailable")

// ReviewCounter is the authoritative review count supplied by the review collaborator.
type ReviewCounter interface {
	CountReviews(ctx context.Context, userID string, limit int) (int64, error)
}

// MessageCounter is one authoritative message source.
type MessageCounter interface {
	Name() string
	CountMessages(ctx context.Context, userID string, limit int) (int64, error)
}

// ReviewTableSource counts rows of the reviews table.
type ReviewTableSource struct {
	DB *gorm.DB
}

func NewReviewTableSource(db *gorm.DB) *ReviewTableSource {
	return &ReviewTableSource{DB: db}
}

// CountReviews scans at most limit review ids for the user.
func (s *ReviewTableSource) CountReviews(ctx context.Context, userID string, limit int) (int64, error) {
	return countBounded(ctx, s.DB, &models.Review{}, "user_id = ?", userID, limit)
}

// ChatTableSource counts messages in the local chat_messages table.
type ChatTableSource struct {
	DB *gorm.DB
}

func NewChatTableSource(db *gorm.DB) *ChatTableSource {
	return &ChatTableSource{DB: db}
}

func (s *ChatTableSource) Name() string { return "chat_messages" }

func (s *ChatTableSource) CountMessages(ctx context.Context, userID string, limit int) (int64, error) {
	return countBounded(ctx, s.DB, &models.ChatMessage{}, "sender_id = ?", userID, limit)
}

// countBounded counts matching rows through a LIMITed subquery, so the
// database never visits more than limit rows.
func countBounded(ctx context.Context, db *gorm.DB, model interface{}, where string, userID string, limit int) (int64, error) {
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	sub := db.WithContext(ctx).Model(model).Select("id").Where(where, userID).Limit(limit)
	var n int64
	if err := db.WithContext(ctx).Table("(?) AS bounded", sub).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// MessageSources sums several message sources. A source that fails
// contributes zero; the failure is logged and never returned.
type MessageSources []MessageCounter

func (ms MessageSources) CountMessages(ctx context.Context, userID string, limit int) int64 {
	var total int64
	for _, src := range ms {
		n, err := src.CountMessages(ctx, userID, limit)
		if err != nil {
			if errors.Is(err, ErrSourceUnavailable) {
				log.Printf("[SOURCES] ⚠️ No access to message source %s for user %s, counting 0", src.Name(), userID)
			} else {
				log.Printf("[SOURCES] ⚠️ Message source %s failed for user %s, counting 0: %v", src.Name(), userID, err)
			}
			continue
		}
		total += n
	}
	return total
}

// String is used in startup logs.
func (ms MessageSources) String() string {
	names := make([]string, 0, len(ms))
	for _, src := range ms {
		names = append(names, src.Name())
	}
	return fmt.Sprintf("%v", names)
}
