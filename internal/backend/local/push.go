package local

import (
	"encoding/json"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.etcd.io/bbolt"

	"boltalka/internal/models"
)

type pushPayload struct {
	ConversationID string `json:"conversationId"`
	Title          string `json:"title"`
	Body           string `json:"body"`
}

// notifyParticipants delivers a Web Push notification for a freshly
// inserted message to every other participant with a registered
// subscription. Delivery is best effort; failures are logged only.
func (b *Backend) notifyParticipants(msg models.Message) {
	if b.cfg.VAPIDPublicKey == "" || b.cfg.VAPIDPrivateKey == "" {
		return
	}

	var subs []webpush.Subscription
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketParticipants).Cursor()
		prefix := []byte(msg.ConversationID + "/")
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var part dbParticipant
			if err := part.UnmarshalBinary(v); err != nil {
				return err
			}
			if part.ProfileID == msg.Sender.ID {
				continue
			}

			data := tx.Bucket(bucketPushSubs).Get([]byte(part.ProfileID))
			if data == nil {
				continue
			}
			var row dbPushSub
			if err := row.UnmarshalBinary(data); err != nil {
				return err
			}
			var sub webpush.Subscription
			if err := json.Unmarshal(row.Subscription, &sub); err != nil {
				b.log.Warn("skipping corrupt push subscription", "profile_id", part.ProfileID, "error", err)
				continue
			}
			subs = append(subs, sub)
		}
		return nil
	})
	if err != nil {
		b.log.Error("failed to collect push subscriptions", "error", err)
		return
	}

	payload, err := json.Marshal(pushPayload{
		ConversationID: msg.ConversationID,
		Title:          msg.Sender.Username,
		Body:           msg.Content,
	})
	if err != nil {
		b.log.Error("failed to encode push payload", "error", err)
		return
	}

	for i := range subs {
		resp, err := webpush.SendNotification(payload, &subs[i], &webpush.Options{
			Subscriber:      b.cfg.PushContact,
			VAPIDPublicKey:  b.cfg.VAPIDPublicKey,
			VAPIDPrivateKey: b.cfg.VAPIDPrivateKey,
			TTL:             60,
		})
		if err != nil {
			b.log.Warn("push delivery failed", "conversation_id", msg.ConversationID, "error", err)
			continue
		}
		_ = resp.Body.Close()
	}
}
