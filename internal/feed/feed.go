// Package feed layers view-facing change subscriptions over the raw
// backend realtime feed. Each Subscribe opens a fresh event channel
// scoped either to a single conversation or to the whole account, and
// enriches room-scoped message inserts with the full joined row.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"boltalka/internal/backend"
	"boltalka/internal/models"
)

// Scope selects what a subscription observes. A zero Scope follows
// every conversation the account can see, plus conversation updates.
type Scope struct {
	ConversationID string
}

// Event is one observed change. Message carries the full joined row
// for room-scoped message inserts; nil otherwise.
type Event struct {
	Change  models.ChangeEvent
	Message *models.Message
}

// Subscriber owns at most one live subscription at a time. A new
// Subscribe tears the previous one down first, so events from a stale
// scope can never land on the current channel.
type Subscriber struct {
	rt    backend.Realtime
	store backend.Store
	log   *slog.Logger

	mu      sync.Mutex
	current *activeSub
}

type activeSub struct {
	out     chan Event
	handles []backend.Handle
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(rt backend.Realtime, store backend.Store, log *slog.Logger) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{rt: rt, store: store, log: log}
}

// Subscribe replaces the current subscription with one for the given
// scope. The returned channel is closed on the next Subscribe or
// Unsubscribe.
func (s *Subscriber) Subscribe(ctx context.Context, scope Scope) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardownLocked()

	var subs []backend.Subscription
	if scope.ConversationID != "" {
		subs = []backend.Subscription{{
			Table:  models.TableMessages,
			Filter: "conversation_id=eq." + scope.ConversationID,
		}}
	} else {
		subs = []backend.Subscription{
			{Table: models.TableMessages},
			{Table: models.TableConversations},
		}
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	active := &activeSub{
		out:    make(chan Event, 32),
		cancel: cancel,
	}

	for _, sub := range subs {
		handle, err := s.rt.Subscribe(ctx, sub)
		if err != nil {
			for _, h := range active.handles {
				h.Unsubscribe()
			}
			cancel()
			return nil, err
		}
		active.handles = append(active.handles, handle)
	}

	enrich := scope.ConversationID != ""
	for _, handle := range active.handles {
		active.wg.Add(1)
		go s.pump(subCtx, active, handle, enrich)
	}
	go func() {
		active.wg.Wait()
		close(active.out)
	}()

	s.current = active
	return active.out, nil
}

// Unsubscribe tears down the current subscription. Idempotent.
func (s *Subscriber) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

func (s *Subscriber) teardownLocked() {
	if s.current == nil {
		return
	}
	for _, h := range s.current.handles {
		h.Unsubscribe()
	}
	s.current.cancel()
	s.current = nil
}

// pump forwards one handle's events, enriching message inserts with
// the full row when asked. It exits when the handle channel closes.
func (s *Subscriber) pump(ctx context.Context, active *activeSub, handle backend.Handle, enrich bool) {
	defer active.wg.Done()
	for change := range handle.Events() {
		ev := Event{Change: change}
		if enrich && change.Table == models.TableMessages && change.Type == models.EventInsert {
			msg, err := s.store.Message(ctx, change.RowID)
			switch {
			case err == nil:
				ev.Message = &msg
			case errors.Is(err, context.Canceled):
				return
			default:
				s.log.Warn("failed to fetch inserted message", "message_id", change.RowID, "error", err)
			}
		}
		select {
		case active.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
