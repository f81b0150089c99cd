// Package backend defines the contract with the hosted backend:
// auth, row storage, realtime change feeds and object storage.
// Two implementations exist: remote (the managed service) and local
// (an embedded backend for development and tests).
package backend

import (
	"context"

	webpush "github.com/SherClockHolmes/webpush-go"

	"boltalka/internal/models"
)

// SessionChange is emitted on the auth-state stream whenever a session
// is established, refreshed or destroyed. Session is nil on sign-out.
type SessionChange struct {
	Session *models.Session
}

type Auth interface {
	// Session returns the current session, restored from persisted
	// credentials on first call. models.ErrNotFound when signed out.
	Session(ctx context.Context) (models.Session, error)

	SignIn(ctx context.Context, email, password string) (models.Session, error)
	SignUp(ctx context.Context, email, password, username string) (models.Session, error)
	SignOut(ctx context.Context) error

	// StateChanges delivers auth-state notifications. The channel is
	// owned by the backend and closed when the backend shuts down.
	StateChanges() <-chan SessionChange
}

// NewMessage is the insert payload for the messages table.
type NewMessage struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
}

// ProfilePatch is a partial update of a profile row. Nil fields are
// left untouched.
type ProfilePatch struct {
	Username  *string `json:"username,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

// ConversationDetail is the nested row shape consumed by the chat
// list: a conversation with its messages and participant profiles.
type ConversationDetail struct {
	Conversation models.Conversation
	Messages     []models.Message
	Participants []models.Profile
}

type Store interface {
	Profile(ctx context.Context, id string) (models.Profile, error)
	CreateProfile(ctx context.Context, p models.Profile) (models.Profile, error)
	UpdateProfile(ctx context.Context, id string, patch ProfilePatch) error
	SearchProfiles(ctx context.Context, excludeID, query string, limit int) ([]models.Profile, error)

	// Message returns a single message with sender profile fields joined.
	Message(ctx context.Context, id string) (models.Message, error)
	// Messages returns all messages of a conversation with sender
	// profiles joined. Return order is unspecified; callers sort.
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	// InsertMessage persists a message and returns the created row
	// with sender profile fields joined.
	InsertMessage(ctx context.Context, msg NewMessage) (models.Message, error)

	// Counterpart returns the profile of the participant other than
	// selfID. models.ErrNotFound when no such participant row exists.
	Counterpart(ctx context.Context, conversationID, selfID string) (models.Profile, error)
	// ConversationIDs returns the ids of all conversations the
	// profile participates in.
	ConversationIDs(ctx context.Context, profileID string) ([]string, error)
	// Conversations returns nested details for the given ids, newest
	// updated_at first.
	Conversations(ctx context.Context, ids []string) ([]ConversationDetail, error)
	CreateConversation(ctx context.Context) (models.Conversation, error)
	AddParticipants(ctx context.Context, conversationID string, profileIDs ...string) error
	// SharedConversation returns the id of an existing conversation
	// both profiles participate in, or models.ErrNotFound.
	SharedConversation(ctx context.Context, selfID, otherID string) (string, error)

	// SavePushSubscription persists the device's push subscription
	// against the profile id, replacing any previous one.
	SavePushSubscription(ctx context.Context, profileID string, sub *webpush.Subscription) error
}

// Subscription identifies one realtime scope: a table plus an optional
// column equality filter in "column=eq.value" form.
type Subscription struct {
	Table  models.Table
	Filter string
}

// Handle is one live change-feed subscription. Events is closed after
// Unsubscribe, which is idempotent.
type Handle interface {
	Events() <-chan models.ChangeEvent
	Unsubscribe()
}

type Realtime interface {
	Subscribe(ctx context.Context, sub Subscription) (Handle, error)
}

type Objects interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string, upsert bool) error
	PublicURL(bucket, path string) string
}

// Backend bundles the four collaborator surfaces of the managed service.
type Backend interface {
	Auth
	Store
	Realtime
	Objects
}
