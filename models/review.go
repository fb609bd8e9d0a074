package models

import "time"

// Review is a content review written by a user. The review collaborator owns
// the table; this service only counts rows as the authoritative review total.
type Review struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	ContentID     string    `json:"content_id" gorm:"index;not null"`
	UserID        string    `json:"user_id" gorm:"index"` // 🔗 ties to user profile
	UserName      string    `json:"user_name"`
	UserAvatarURL string    `json:"user_avatar_url"`
	Rating        int       `json:"rating" gorm:"check:rating >= 1 and rating <= 5"`
	Comment       string    `json:"comment"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ChatMessage is a message row owned by the chat collaborator, counted as one
// of the authoritative message sources.
type ChatMessage struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	ChannelID string    `json:"channel_id" gorm:"index;not null"`
	SenderID  string    `json:"sender_id" gorm:"index;not null"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
