package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"boltalka/internal/backend"
	"boltalka/internal/models"
)

const messageSelect = "id,conversation_id,content,created_at,sender:profiles(id,username,avatar_url)"

type wireMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"created_at"`
	Sender         models.Profile `json:"sender"`
}

func (m wireMessage) toModel() models.Message {
	return models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}

func (c *Client) Profile(ctx context.Context, id string) (models.Profile, error) {
	query := url.Values{
		"id":     {"eq." + id},
		"select": {"id,username,avatar_url"},
		"limit":  {"1"},
	}
	var rows []models.Profile
	if err := c.restSelect(ctx, "profiles", query, &rows); err != nil {
		return models.Profile{}, err
	}
	if len(rows) == 0 {
		return models.Profile{}, fmt.Errorf("profile %s: %w", id, models.ErrNotFound)
	}
	return rows[0], nil
}

func (c *Client) CreateProfile(ctx context.Context, p models.Profile) (models.Profile, error) {
	query := url.Values{"select": {"id,username,avatar_url"}}
	var rows []models.Profile
	if err := c.restInsert(ctx, "profiles", query, p, &rows); err != nil {
		return models.Profile{}, err
	}
	if len(rows) == 0 {
		return models.Profile{}, fmt.Errorf("profile insert returned no row")
	}
	return rows[0], nil
}

func (c *Client) UpdateProfile(ctx context.Context, id string, patch backend.ProfilePatch) error {
	query := url.Values{"id": {"eq." + id}}
	return c.restUpdate(ctx, "profiles", query, patch)
}

func (c *Client) SearchProfiles(ctx context.Context, excludeID, query string, limit int) ([]models.Profile, error) {
	q := url.Values{
		"id":       {"neq." + excludeID},
		"username": {"ilike.*" + query + "*"},
		"select":   {"id,username,avatar_url"},
		"limit":    {strconv.Itoa(limit)},
	}
	var rows []models.Profile
	if err := c.restSelect(ctx, "profiles", q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) Message(ctx context.Context, id string) (models.Message, error) {
	query := url.Values{
		"id":     {"eq." + id},
		"select": {messageSelect},
		"limit":  {"1"},
	}
	var rows []wireMessage
	if err := c.restSelect(ctx, "messages", query, &rows); err != nil {
		return models.Message{}, err
	}
	if len(rows) == 0 {
		return models.Message{}, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	return rows[0].toModel(), nil
}

func (c *Client) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	query := url.Values{
		"conversation_id": {"eq." + conversationID},
		"select":          {messageSelect},
		"order":           {"created_at.asc"},
	}
	var rows []wireMessage
	if err := c.restSelect(ctx, "messages", query, &rows); err != nil {
		return nil, err
	}
	msgs := make([]models.Message, len(rows))
	for i, row := range rows {
		msgs[i] = row.toModel()
	}
	return msgs, nil
}

func (c *Client) InsertMessage(ctx context.Context, msg backend.NewMessage) (models.Message, error) {
	query := url.Values{"select": {messageSelect}}
	var rows []wireMessage
	if err := c.restInsert(ctx, "messages", query, msg, &rows); err != nil {
		return models.Message{}, err
	}
	if len(rows) == 0 {
		return models.Message{}, fmt.Errorf("message insert returned no row")
	}
	return rows[0].toModel(), nil
}

func (c *Client) Counterpart(ctx context.Context, conversationID, selfID string) (models.Profile, error) {
	query := url.Values{
		"conversation_id": {"eq." + conversationID},
		"profile_id":      {"neq." + selfID},
		"select":          {"profile:profiles(id,username,avatar_url)"},
		"limit":           {"1"},
	}
	var rows []struct {
		Profile models.Profile `json:"profile"`
	}
	if err := c.restSelect(ctx, "conversation_participants", query, &rows); err != nil {
		return models.Profile{}, err
	}
	if len(rows) == 0 {
		return models.Profile{}, fmt.Errorf("counterpart in %s: %w", conversationID, models.ErrNotFound)
	}
	return rows[0].Profile, nil
}

func (c *Client) ConversationIDs(ctx context.Context, profileID string) ([]string, error) {
	query := url.Values{
		"profile_id": {"eq." + profileID},
		"select":     {"conversation_id"},
	}
	var rows []struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.restSelect(ctx, "conversation_participants", query, &rows); err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ConversationID
	}
	return ids, nil
}

func (c *Client) Conversations(ctx context.Context, ids []string) ([]backend.ConversationDetail, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := url.Values{
		"id": {"in.(" + strings.Join(ids, ",") + ")"},
		"select": {"id,updated_at," +
			"messages(" + messageSelect + ")," +
			"conversation_participants(profile:profiles(id,username,avatar_url))"},
		"order": {"updated_at.desc"},
	}
	var rows []struct {
		ID           string        `json:"id"`
		UpdatedAt    time.Time     `json:"updated_at"`
		Messages     []wireMessage `json:"messages"`
		Participants []struct {
			Profile models.Profile `json:"profile"`
		} `json:"conversation_participants"`
	}
	if err := c.restSelect(ctx, "conversations", query, &rows); err != nil {
		return nil, err
	}

	details := make([]backend.ConversationDetail, len(rows))
	for i, row := range rows {
		detail := backend.ConversationDetail{
			Conversation: models.Conversation{ID: row.ID, UpdatedAt: row.UpdatedAt},
		}
		for _, m := range row.Messages {
			detail.Messages = append(detail.Messages, m.toModel())
		}
		for _, p := range row.Participants {
			detail.Participants = append(detail.Participants, p.Profile)
		}
		details[i] = detail
	}
	return details, nil
}

func (c *Client) CreateConversation(ctx context.Context) (models.Conversation, error) {
	query := url.Values{"select": {"id,updated_at"}}
	var rows []models.Conversation
	if err := c.restInsert(ctx, "conversations", query, map[string]any{}, &rows); err != nil {
		return models.Conversation{}, err
	}
	if len(rows) == 0 {
		return models.Conversation{}, fmt.Errorf("conversation insert returned no row")
	}
	return rows[0], nil
}

func (c *Client) AddParticipants(ctx context.Context, conversationID string, profileIDs ...string) error {
	rows := make([]models.Participant, len(profileIDs))
	for i, pid := range profileIDs {
		rows[i] = models.Participant{ConversationID: conversationID, ProfileID: pid}
	}
	return c.restInsert(ctx, "conversation_participants", url.Values{}, rows, nil)
}

func (c *Client) SharedConversation(ctx context.Context, selfID, otherID string) (string, error) {
	mine, err := c.ConversationIDs(ctx, selfID)
	if err != nil {
		return "", err
	}
	if len(mine) == 0 {
		return "", models.ErrNotFound
	}

	query := url.Values{
		"profile_id":      {"eq." + otherID},
		"conversation_id": {"in.(" + strings.Join(mine, ",") + ")"},
		"select":          {"conversation_id"},
		"limit":           {"1"},
	}
	var rows []struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.restSelect(ctx, "conversation_participants", query, &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", models.ErrNotFound
	}
	return rows[0].ConversationID, nil
}

func (c *Client) SavePushSubscription(ctx context.Context, profileID string, sub *webpush.Subscription) error {
	token, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to encode push subscription: %w", err)
	}
	query := url.Values{"on_conflict": {"profile_id"}}
	body := map[string]string{
		"profile_id": profileID,
		"token":      string(token),
	}
	return c.restInsert(ctx, "device_tokens", query, body, nil)
}
