// Package chatlist is the view-model of the conversation overview:
// one summary row per conversation, newest activity first, re-derived
// from the backend whenever the change feed reports movement.
package chatlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"boltalka/internal/backend"
	"boltalka/internal/feed"
	"boltalka/internal/models"
)

// Fallbacks shown when a conversation has no counterpart profile or
// no messages yet.
const (
	unknownUser   = "Unknown User"
	noMessagesYet = "No messages yet"
)

// Summary is one row of the overview.
type Summary struct {
	ConversationID string
	Other          models.Profile
	LastMessage    string
	LastMessageAt  time.Time
}

type Config struct {
	Store    backend.Store
	Realtime backend.Realtime
	SelfID   string

	// OnChange is invoked after every re-derive so the view can
	// repaint. Optional.
	OnChange func()

	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.Store == nil || c.Realtime == nil {
		return errors.New("store and realtime are required")
	}
	if c.SelfID == "" {
		return errors.New("self id is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

type List struct {
	cfg  Config
	feed *feed.Subscriber
	log  *slog.Logger

	mu        sync.Mutex
	loadErr   error
	summaries []Summary
}

func New(cfg Config) (*List, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &List{
		cfg:  cfg,
		feed: feed.New(cfg.Realtime, cfg.Store, cfg.Logger),
		log:  cfg.Logger,
	}, nil
}

// Load derives the summaries and opens the account-wide feed. Also the
// retry path after a failure.
func (l *List) Load(ctx context.Context) error {
	if err := l.Refresh(ctx); err != nil {
		return err
	}

	events, err := l.feed.Subscribe(ctx, feed.Scope{})
	if err != nil {
		l.mu.Lock()
		l.loadErr = err
		l.mu.Unlock()
		return err
	}
	go l.watch(ctx, events)
	return nil
}

// Refresh re-derives every summary from the backend. The overview has
// no incremental path: any message or conversation change may reorder
// rows, so the whole list is rebuilt.
func (l *List) Refresh(ctx context.Context) error {
	ids, err := l.cfg.Store.ConversationIDs(ctx, l.cfg.SelfID)
	if err != nil {
		return l.fail(fmt.Errorf("failed to list conversations: %w", err))
	}

	details, err := l.cfg.Store.Conversations(ctx, ids)
	if err != nil {
		return l.fail(fmt.Errorf("failed to load conversations: %w", err))
	}

	summaries := make([]Summary, 0, len(details))
	for _, d := range details {
		summaries = append(summaries, l.summarize(d))
	}

	l.mu.Lock()
	l.summaries = summaries
	l.loadErr = nil
	l.mu.Unlock()

	l.notify()
	return nil
}

func (l *List) summarize(d backend.ConversationDetail) Summary {
	s := Summary{
		ConversationID: d.Conversation.ID,
		Other:          models.Profile{Username: unknownUser},
		LastMessage:    noMessagesYet,
		LastMessageAt:  d.Conversation.UpdatedAt,
	}
	for _, p := range d.Participants {
		if p.ID != l.cfg.SelfID {
			s.Other = p
			break
		}
	}
	var last *models.Message
	for i := range d.Messages {
		if last == nil || d.Messages[i].CreatedAt.After(last.CreatedAt) {
			last = &d.Messages[i]
		}
	}
	if last != nil {
		s.LastMessage = last.Content
		s.LastMessageAt = last.CreatedAt
	}
	return s
}

func (l *List) fail(err error) error {
	l.mu.Lock()
	l.loadErr = err
	l.mu.Unlock()
	return err
}

func (l *List) watch(ctx context.Context, events <-chan feed.Event) {
	for ev := range events {
		switch ev.Change.Table {
		case models.TableMessages, models.TableConversations:
			if err := l.Refresh(ctx); err != nil {
				l.log.Warn("failed to refresh chat list", "error", err)
			}
		}
	}
}

// Close stops the feed. Summaries stay readable.
func (l *List) Close() {
	l.feed.Unsubscribe()
}

// Summaries returns a snapshot in display order, newest activity first.
func (l *List) Summaries() []Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Summary, len(l.summaries))
	copy(out, l.summaries)
	return out
}

// Err returns the error of the last failed derive, nil otherwise.
func (l *List) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadErr
}

func (l *List) notify() {
	if l.cfg.OnChange != nil {
		l.cfg.OnChange()
	}
}
