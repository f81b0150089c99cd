package models

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

type Table string

const (
	TableProfiles      Table = "profiles"
	TableConversations Table = "conversations"
	TableParticipants  Table = "conversation_participants"
	TableMessages      Table = "messages"
)

// ChangeEvent is a single row-level change notification from the
// backend's change feed. It carries only a reference to the changed
// row; consumers that need the full row re-fetch it by id.
type ChangeEvent struct {
	Type  EventType `json:"type"`
	Table Table     `json:"table"`
	RowID string    `json:"row_id"`

	// ConversationID is set for message events so that filtered
	// subscriptions can be matched without fetching the row.
	ConversationID string `json:"conversation_id,omitempty"`
}
