// Package chatroom is the view-model of one open conversation:
// concurrent initial load, optimistic sends and live inserts from the
// change feed, with the message list kept in ascending send order.
package chatroom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"boltalka/internal/backend"
	"boltalka/internal/content"
	"boltalka/internal/feed"
	"boltalka/internal/models"
)

type State int

const (
	StateLoading State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Config struct {
	Store          backend.Store
	Realtime       backend.Realtime
	ConversationID string

	// Self is the signed-in profile, used as the sender of optimistic
	// placeholders.
	Self models.Profile

	// OnGrow is invoked with the new message count whenever the list
	// grows, so the view can scroll to the bottom. Optional.
	OnGrow func(count int)

	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.Store == nil || c.Realtime == nil {
		return errors.New("store and realtime are required")
	}
	if c.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	if c.Self.ID == "" {
		return errors.New("self profile is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

type Room struct {
	cfg  Config
	feed *feed.Subscriber
	log  *slog.Logger
	now  func() time.Time

	mu       sync.Mutex
	state    State
	loadErr  error
	other    models.Profile
	messages []models.Message
}

func New(cfg Config) (*Room, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Room{
		cfg:  cfg,
		feed: feed.New(cfg.Realtime, cfg.Store, cfg.Logger),
		log:  cfg.Logger,
		now:  time.Now,
	}, nil
}

// Load fetches the conversation and opens the live feed. It is also
// the retry path after a failed load and the foreground reload path;
// pending placeholders from an in-flight send survive it.
func (r *Room) Load(ctx context.Context) error {
	r.mu.Lock()
	r.state = StateLoading
	r.loadErr = nil
	r.mu.Unlock()

	var (
		msgs  []models.Message
		other models.Profile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if msgs, err = r.cfg.Store.Messages(gctx, r.cfg.ConversationID); err != nil {
			return fmt.Errorf("failed to load messages: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if other, err = r.cfg.Store.Counterpart(gctx, r.cfg.ConversationID, r.cfg.Self.ID); err != nil {
			return fmt.Errorf("failed to load counterpart: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		r.log.Warn("conversation load failed", "conversation_id", r.cfg.ConversationID, "error", err)
		r.mu.Lock()
		r.state = StateFailed
		r.loadErr = err
		r.mu.Unlock()
		return err
	}

	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	events, err := r.feed.Subscribe(ctx, feed.Scope{ConversationID: r.cfg.ConversationID})
	if err != nil {
		r.mu.Lock()
		r.state = StateFailed
		r.loadErr = err
		r.mu.Unlock()
		return err
	}
	go r.watch(events)

	r.mu.Lock()
	// Carry pending placeholders over the reload; everything else is
	// replaced by the fresh fetch.
	for _, m := range r.messages {
		if m.Pending {
			msgs = append(msgs, m)
		}
	}
	r.messages = msgs
	r.other = other
	r.state = StateReady
	count := len(msgs)
	r.mu.Unlock()

	r.notifyGrow(count)
	return nil
}

// Send trims and sends the content, showing an optimistic placeholder
// until the insert is confirmed. Blank input is a no-op. A failed
// insert removes the placeholder; there is no automatic retry.
func (r *Room) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	localID := "temp-" + uuid.NewString()
	placeholder := models.Message{
		ConversationID: r.cfg.ConversationID,
		Sender:         r.cfg.Self,
		Content:        content,
		CreatedAt:      r.now(),
		Pending:        true,
		LocalID:        localID,
	}

	r.mu.Lock()
	r.messages = append(r.messages, placeholder)
	count := len(r.messages)
	r.mu.Unlock()
	r.notifyGrow(count)

	created, err := r.cfg.Store.InsertMessage(ctx, backend.NewMessage{
		ConversationID: r.cfg.ConversationID,
		SenderID:       r.cfg.Self.ID,
		Content:        content,
	})
	if err != nil {
		r.removePlaceholder(localID)
		return fmt.Errorf("failed to send message: %w", err)
	}

	r.confirm(localID, created)
	return nil
}

// confirm reconciles a placeholder with its confirmed row. When the
// live insert raced ahead of the confirmation the row is already in
// the list; the placeholder is then simply dropped.
func (r *Room) confirm(localID string, created models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexByID(created.ID) >= 0 {
		r.removeLocked(localID)
		return
	}
	for i := range r.messages {
		if r.messages[i].LocalID == localID {
			r.messages[i] = created
			return
		}
	}
	// Placeholder gone (a reload between insert and confirmation);
	// the confirmed row still belongs in the list.
	r.messages = append(r.messages, created)
}

func (r *Room) removePlaceholder(localID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(localID)
}

func (r *Room) removeLocked(localID string) {
	for i := range r.messages {
		if r.messages[i].LocalID == localID {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			return
		}
	}
}

func (r *Room) indexByID(id string) int {
	for i := range r.messages {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// watch applies live feed events until the channel closes, which
// happens on background, close and every resubscribe.
func (r *Room) watch(events <-chan feed.Event) {
	for ev := range events {
		if ev.Change.Type != models.EventInsert || ev.Message == nil {
			continue
		}

		r.mu.Lock()
		if r.indexByID(ev.Message.ID) >= 0 {
			// Already present: our own send confirmed first.
			r.mu.Unlock()
			continue
		}
		r.messages = append(r.messages, *ev.Message)
		count := len(r.messages)
		r.mu.Unlock()

		r.notifyGrow(count)
	}
}

// EnterBackground pauses the live feed. Messages stay on screen.
func (r *Room) EnterBackground() {
	r.feed.Unsubscribe()
}

// EnterForeground reloads the conversation and reopens the feed, so
// anything that arrived while backgrounded is picked up.
func (r *Room) EnterForeground(ctx context.Context) error {
	return r.Load(ctx)
}

func (r *Room) Close() {
	r.feed.Unsubscribe()
}

func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error of the last failed load, nil otherwise.
func (r *Room) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadErr
}

// Other returns the counterpart profile shown in the room header.
func (r *Room) Other() models.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.other
}

// Messages returns a snapshot of the list in display order.
func (r *Room) Messages() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// RenderedMessage pairs a message with its display HTML.
type RenderedMessage struct {
	models.Message
	HTML string
}

// Rendered returns the display snapshot with message bodies rendered
// to sanitized HTML. A body that fails to render falls back to its
// escaped plain text.
func (r *Room) Rendered() []RenderedMessage {
	msgs := r.Messages()
	out := make([]RenderedMessage, len(msgs))
	for i, m := range msgs {
		html, err := content.RenderMarkdown(m.Content)
		if err != nil {
			r.log.Warn("failed to render message", "message_id", m.ID, "error", err)
			html = content.Escape(m.Content)
		}
		out[i] = RenderedMessage{Message: m, HTML: html}
	}
	return out
}

func (r *Room) notifyGrow(count int) {
	if r.cfg.OnGrow != nil {
		r.cfg.OnGrow(count)
	}
}
