package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrNetwork    = errors.New("network error")
	ErrValidation = errors.New("validation error")
	ErrAuth       = errors.New("authentication error")

	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Profile is one row per user in the profiles table.
type Profile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Conversation is a two-party chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participant links a profile to a conversation. Every two-party
// conversation carries exactly two of these rows.
type Participant struct {
	ConversationID string `json:"conversation_id"`
	ProfileID      string `json:"profile_id"`
}

// Message is a single chat message with its sender profile joined in.
//
// A message is either confirmed (ID set by the backend, Pending false)
// or an optimistic local placeholder (Pending true, LocalID set, ID
// empty). Placeholders exist only inside the chat room view-model
// between a send attempt and its confirmation or failure.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         Profile   `json:"sender"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`

	Pending bool   `json:"-"`
	LocalID string `json:"-"`
}

// Session is the credential bundle issued by the auth service.
type Session struct {
	UserID       string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired reports whether the access token is past its expiry.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
