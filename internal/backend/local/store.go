package local

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"boltalka/internal/backend"
	"boltalka/internal/models"
)

func (b *Backend) Profile(ctx context.Context, id string) (models.Profile, error) {
	var p models.Profile
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		p, err = profileTx(tx, id)
		return err
	})
	return p, err
}

func profileTx(tx *bbolt.Tx, id string) (models.Profile, error) {
	data := tx.Bucket(bucketProfiles).Get([]byte(id))
	if data == nil {
		return models.Profile{}, fmt.Errorf("profile %s: %w", id, models.ErrNotFound)
	}
	var row dbProfile
	if err := row.UnmarshalBinary(data); err != nil {
		return models.Profile{}, err
	}
	return models.Profile{ID: row.ID, Username: row.Username, AvatarURL: row.AvatarURL}, nil
}

func (b *Backend) CreateProfile(ctx context.Context, p models.Profile) (models.Profile, error) {
	if p.ID == "" || p.Username == "" {
		return models.Profile{}, fmt.Errorf("%w: profile id and username are required", models.ErrValidation)
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketProfiles)
		if bk.Get([]byte(p.ID)) != nil {
			return fmt.Errorf("%w: profile %s already exists", models.ErrValidation, p.ID)
		}
		if err := usernameTakenTx(tx, p.Username, p.ID); err != nil {
			return err
		}

		row := dbProfile{ID: p.ID, Username: p.Username, AvatarURL: p.AvatarURL}
		data, err := row.MarshalBinary()
		if err != nil {
			return err
		}
		return bk.Put(row.Key(), data)
	})
	if err != nil {
		return models.Profile{}, err
	}
	return p, nil
}

func (b *Backend) UpdateProfile(ctx context.Context, id string, patch backend.ProfilePatch) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketProfiles)
		data := bk.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("profile %s: %w", id, models.ErrNotFound)
		}
		var row dbProfile
		if err := row.UnmarshalBinary(data); err != nil {
			return err
		}

		if patch.Username != nil {
			if err := usernameTakenTx(tx, *patch.Username, id); err != nil {
				return err
			}
			row.Username = *patch.Username
		}
		if patch.AvatarURL != nil {
			row.AvatarURL = *patch.AvatarURL
		}

		updated, err := row.MarshalBinary()
		if err != nil {
			return err
		}
		return bk.Put(row.Key(), updated)
	})
}

// usernameTakenTx enforces the unique-username constraint the managed
// backend applies at the database level.
func usernameTakenTx(tx *bbolt.Tx, username, selfID string) error {
	return tx.Bucket(bucketProfiles).ForEach(func(k, v []byte) error {
		var row dbProfile
		if err := row.UnmarshalBinary(v); err != nil {
			return err
		}
		if row.Username == username && row.ID != selfID {
			return fmt.Errorf("%w: username %q is taken", models.ErrValidation, username)
		}
		return nil
	})
}

func (b *Backend) SearchProfiles(ctx context.Context, excludeID, query string, limit int) ([]models.Profile, error) {
	needle := strings.ToLower(query)
	var result []models.Profile
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProfiles).ForEach(func(k, v []byte) error {
			if limit > 0 && len(result) >= limit {
				return nil
			}
			var row dbProfile
			if err := row.UnmarshalBinary(v); err != nil {
				return err
			}
			if row.ID == excludeID {
				return nil
			}
			if !strings.Contains(strings.ToLower(row.Username), needle) {
				return nil
			}
			result = append(result, models.Profile{ID: row.ID, Username: row.Username, AvatarURL: row.AvatarURL})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result, nil
}

func (b *Backend) Message(ctx context.Context, id string) (models.Message, error) {
	var msg models.Message
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMessages).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("message %s: %w", id, models.ErrNotFound)
		}
		var row dbMessage
		if err := row.UnmarshalBinary(data); err != nil {
			return err
		}
		var err error
		msg, err = joinSenderTx(tx, row)
		return err
	})
	return msg, err
}

func (b *Backend) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var row dbMessage
			if err := row.UnmarshalBinary(v); err != nil {
				return err
			}
			if row.ConversationID != conversationID {
				return nil
			}
			msg, err := joinSenderTx(tx, row)
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
			return nil
		})
	})
	return msgs, err
}

// joinSenderTx attaches sender profile fields the way the managed
// backend's embedded select does. A missing sender row degrades to a
// bare id rather than failing the query.
func joinSenderTx(tx *bbolt.Tx, row dbMessage) (models.Message, error) {
	sender, err := profileTx(tx, row.SenderID)
	if err != nil {
		sender = models.Profile{ID: row.SenderID}
	}
	return models.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		Sender:         sender,
		Content:        row.Content,
		CreatedAt:      time.Unix(0, row.CreatedAt),
	}, nil
}

func (b *Backend) InsertMessage(ctx context.Context, msg backend.NewMessage) (models.Message, error) {
	if msg.ConversationID == "" || msg.SenderID == "" {
		return models.Message{}, fmt.Errorf("%w: message missing conversation or sender", models.ErrValidation)
	}

	now := b.now()
	row := dbMessage{
		ID:             uuid.NewString(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		CreatedAt:      now.UnixNano(),
	}

	var created models.Message
	err := b.db.Update(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketConversations)
		convData := convBucket.Get([]byte(msg.ConversationID))
		if convData == nil {
			return fmt.Errorf("%w: conversation %s does not exist", models.ErrValidation, msg.ConversationID)
		}

		data, err := row.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := tx.Bucket(bucketMessages).Put(row.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		// Touch the conversation's updated_at.
		var conv dbConversation
		if err := conv.UnmarshalBinary(convData); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		conv.UpdatedAt = now.UnixNano()
		updated, err := conv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := convBucket.Put(conv.Key(), updated); err != nil {
			return err
		}

		created, err = joinSenderTx(tx, row)
		return err
	})
	if err != nil {
		return models.Message{}, err
	}

	b.broker.publish(models.ChangeEvent{
		Type:           models.EventInsert,
		Table:          models.TableMessages,
		RowID:          created.ID,
		ConversationID: created.ConversationID,
	})
	b.broker.publish(models.ChangeEvent{
		Type:  models.EventUpdate,
		Table: models.TableConversations,
		RowID: created.ConversationID,
	})

	go b.notifyParticipants(created)

	return created, nil
}

func (b *Backend) Counterpart(ctx context.Context, conversationID, selfID string) (models.Profile, error) {
	var other models.Profile
	found := false
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketParticipants).Cursor()
		prefix := []byte(conversationID + "/")
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var row dbParticipant
			if err := row.UnmarshalBinary(v); err != nil {
				return err
			}
			if row.ProfileID == selfID {
				continue
			}
			p, err := profileTx(tx, row.ProfileID)
			if err != nil {
				p = models.Profile{ID: row.ProfileID}
			}
			other = p
			found = true
			return nil
		}
		return nil
	})
	if err != nil {
		return models.Profile{}, err
	}
	if !found {
		return models.Profile{}, fmt.Errorf("counterpart in %s: %w", conversationID, models.ErrNotFound)
	}
	return other, nil
}

func (b *Backend) ConversationIDs(ctx context.Context, profileID string) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketParticipants).ForEach(func(k, v []byte) error {
			var row dbParticipant
			if err := row.UnmarshalBinary(v); err != nil {
				return err
			}
			if row.ProfileID == profileID {
				ids = append(ids, row.ConversationID)
			}
			return nil
		})
	})
	return ids, err
}

func (b *Backend) Conversations(ctx context.Context, ids []string) ([]backend.ConversationDetail, error) {
	var details []backend.ConversationDetail
	err := b.db.View(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			data := tx.Bucket(bucketConversations).Get([]byte(id))
			if data == nil {
				continue
			}
			var conv dbConversation
			if err := conv.UnmarshalBinary(data); err != nil {
				return err
			}

			detail := backend.ConversationDetail{
				Conversation: models.Conversation{
					ID:        conv.ID,
					UpdatedAt: time.Unix(0, conv.UpdatedAt),
				},
			}

			err := tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
				var row dbMessage
				if err := row.UnmarshalBinary(v); err != nil {
					return err
				}
				if row.ConversationID != conv.ID {
					return nil
				}
				msg, err := joinSenderTx(tx, row)
				if err != nil {
					return err
				}
				detail.Messages = append(detail.Messages, msg)
				return nil
			})
			if err != nil {
				return err
			}

			c := tx.Bucket(bucketParticipants).Cursor()
			prefix := []byte(conv.ID + "/")
			for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
				var row dbParticipant
				if err := row.UnmarshalBinary(v); err != nil {
					return err
				}
				p, err := profileTx(tx, row.ProfileID)
				if err != nil {
					p = models.Profile{ID: row.ProfileID}
				}
				detail.Participants = append(detail.Participants, p)
			}

			details = append(details, detail)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(details, func(i, j int) bool {
		return details[i].Conversation.UpdatedAt.After(details[j].Conversation.UpdatedAt)
	})
	return details, nil
}

func (b *Backend) CreateConversation(ctx context.Context) (models.Conversation, error) {
	now := b.now()
	row := dbConversation{ID: uuid.NewString(), UpdatedAt: now.UnixNano()}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		data, err := row.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConversations).Put(row.Key(), data)
	})
	if err != nil {
		return models.Conversation{}, err
	}

	b.broker.publish(models.ChangeEvent{
		Type:  models.EventInsert,
		Table: models.TableConversations,
		RowID: row.ID,
	})

	return models.Conversation{ID: row.ID, UpdatedAt: now}, nil
}

func (b *Backend) AddParticipants(ctx context.Context, conversationID string, profileIDs ...string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketConversations).Get([]byte(conversationID)) == nil {
			return fmt.Errorf("%w: conversation %s does not exist", models.ErrValidation, conversationID)
		}
		for _, pid := range profileIDs {
			row := dbParticipant{ConversationID: conversationID, ProfileID: pid}
			data, err := row.MarshalBinary()
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketParticipants).Put(row.Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Backend) SharedConversation(ctx context.Context, selfID, otherID string) (string, error) {
	mine, err := b.ConversationIDs(ctx, selfID)
	if err != nil {
		return "", err
	}
	if len(mine) == 0 {
		return "", models.ErrNotFound
	}

	theirs, err := b.ConversationIDs(ctx, otherID)
	if err != nil {
		return "", err
	}

	lookup := make(map[string]bool, len(mine))
	for _, id := range mine {
		lookup[id] = true
	}
	for _, id := range theirs {
		if lookup[id] {
			return id, nil
		}
	}
	return "", models.ErrNotFound
}

func (b *Backend) SavePushSubscription(ctx context.Context, profileID string, sub *webpush.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to encode push subscription: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		row := dbPushSub{ProfileID: profileID, Subscription: data}
		encoded, err := row.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPushSubs).Put(row.Key(), encoded)
	})
}
