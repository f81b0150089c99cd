package local

import (
	"github.com/vmihailenco/msgpack/v5"
)

type dbProfile struct {
	ID        string `msgpack:"id"`
	Username  string `msgpack:"username"`
	AvatarURL string `msgpack:"avatarUrl"`
}

func (p *dbProfile) Key() []byte {
	return []byte(p.ID)
}

func (p *dbProfile) MarshalBinary() (data []byte, err error) {
	type alias dbProfile
	return msgpack.Marshal((*alias)(p))
}

func (p *dbProfile) UnmarshalBinary(data []byte) error {
	type alias dbProfile
	return msgpack.Unmarshal(data, (*alias)(p))
}

type dbConversation struct {
	ID        string `msgpack:"id"`
	UpdatedAt int64  `msgpack:"updatedAt"` // Unix nanoseconds
}

func (c *dbConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *dbConversation) MarshalBinary() (data []byte, err error) {
	type alias dbConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *dbConversation) UnmarshalBinary(data []byte) error {
	type alias dbConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type dbParticipant struct {
	ConversationID string `msgpack:"conversationId"`
	ProfileID      string `msgpack:"profileId"`
}

func (p *dbParticipant) Key() []byte {
	return []byte(p.ConversationID + "/" + p.ProfileID)
}

func (p *dbParticipant) MarshalBinary() (data []byte, err error) {
	type alias dbParticipant
	return msgpack.Marshal((*alias)(p))
}

func (p *dbParticipant) UnmarshalBinary(data []byte) error {
	type alias dbParticipant
	return msgpack.Unmarshal(data, (*alias)(p))
}

type dbMessage struct {
	ID             string `msgpack:"id"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	Content        string `msgpack:"content"`
	CreatedAt      int64  `msgpack:"createdAt"` // Unix nanoseconds
}

func (m *dbMessage) Key() []byte {
	return []byte(m.ID)
}

func (m *dbMessage) MarshalBinary() (data []byte, err error) {
	type alias dbMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *dbMessage) UnmarshalBinary(data []byte) error {
	type alias dbMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type dbCredentials struct {
	UserID       string `msgpack:"userId"`
	Email        string `msgpack:"email"`
	PasswordHash []byte `msgpack:"passwordHash"`
}

func (c *dbCredentials) Key() []byte {
	return []byte(c.Email)
}

func (c *dbCredentials) MarshalBinary() (data []byte, err error) {
	type alias dbCredentials
	return msgpack.Marshal((*alias)(c))
}

func (c *dbCredentials) UnmarshalBinary(data []byte) error {
	type alias dbCredentials
	return msgpack.Unmarshal(data, (*alias)(c))
}

type dbPushSub struct {
	ProfileID    string `msgpack:"profileId"`
	Subscription []byte `msgpack:"subscription"` // JSON-encoded webpush subscription
}

func (s *dbPushSub) Key() []byte {
	return []byte(s.ProfileID)
}

func (s *dbPushSub) MarshalBinary() (data []byte, err error) {
	type alias dbPushSub
	return msgpack.Marshal((*alias)(s))
}

func (s *dbPushSub) UnmarshalBinary(data []byte) error {
	type alias dbPushSub
	return msgpack.Unmarshal(data, (*alias)(s))
}
