package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"achievement-sync-service/models"
)

func TestMessageSourcesToleratesFailures(t *testing.T) {
	sources := MessageSources{
		fakeMessages{name: "chat", count: 4},
		fakeMessages{name: "forum", err: errBoom},
		fakeMessages{name: "dm", err: fmt.Errorf("%w: 403", ErrSourceUnavailable)},
		fakeMessages{name: "channels", count: 3},
	}
	if got := sources.CountMessages(context.Background(), "u1", 100); got != 7 {
		t.Errorf("CountMessages = %d, want 7", got)
	}
	if s := sources.String(); s != "[chat forum dm channels]" {
		t.Errorf("String = %s", s)
	}
	if got := (MessageSources{}).CountMessages(context.Background(), "u1", 100); got != 0 {
		t.Errorf("no sources = %d", got)
	}
}

func TestTableSourcesAreBounded(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		db.Create(&models.Review{ID: fmt.Sprintf("r%d", i), ContentID: "c1", UserID: "u1", Rating: 4, CreatedAt: testEpoch})
		db.Create(&models.ChatMessage{ID: fmt.Sprintf("m%d", i), ChannelID: "general", SenderID: "u1", CreatedAt: testEpoch.Add(time.Duration(i) * time.Second)})
	}
	db.Create(&models.Review{ID: "other", ContentID: "c1", UserID: "u2", Rating: 2, CreatedAt: testEpoch})

	reviews := NewReviewTableSource(db)
	chat := NewChatTableSource(db)

	tests := []struct {
		name  string
		count func(limit int) (int64, error)
		limit int
		want  int64
	}{
		{"reviews unbounded", func(l int) (int64, error) { return reviews.CountReviews(ctx, "u1", l) }, 100, 8},
		{"reviews capped", func(l int) (int64, error) { return reviews.CountReviews(ctx, "u1", l) }, 5, 5},
		{"reviews default limit", func(l int) (int64, error) { return reviews.CountReviews(ctx, "u1", l) }, 0, 8},
		{"messages unbounded", func(l int) (int64, error) { return chat.CountMessages(ctx, "u1", l) }, 100, 8},
		{"messages capped", func(l int) (int64, error) { return chat.CountMessages(ctx, "u1", l) }, 3, 3},
		{"other user", func(l int) (int64, error) { return chat.CountMessages(ctx, "u2", l) }, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.count(tt.limit)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("count = %d, want %d", got, tt.want)
			}
		})
	}
}
