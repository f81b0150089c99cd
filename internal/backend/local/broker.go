package local

import (
	"log/slog"
	"strings"
	"sync"

	"boltalka/internal/backend"
	"boltalka/internal/models"
)

// broker fans row-level change events out to live subscriptions.
// Each subscription gets its own buffered channel; events are dropped
// when a consumer falls behind rather than blocking the publisher.
type broker struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
	log  *slog.Logger
}

func newBroker(log *slog.Logger) *broker {
	return &broker{
		subs: make(map[int]*subscription),
		log:  log,
	}
}

type subscription struct {
	id     int
	spec   backend.Subscription
	ch     chan models.ChangeEvent
	broker *broker
	once   sync.Once
}

func (s *subscription) Events() <-chan models.ChangeEvent {
	return s.ch
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s.id)
		s.broker.mu.Unlock()
		close(s.ch)
	})
}

func (b *broker) subscribe(spec backend.Subscription) *subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	sub := &subscription{
		id:     b.next,
		spec:   spec,
		ch:     make(chan models.ChangeEvent, 64),
		broker: b,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *broker) publish(ev models.ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !matches(sub.spec, ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.Warn("change event dropped, subscriber too slow",
				"table", ev.Table, "row_id", ev.RowID)
		}
	}
}

// matches applies the subscription's table and "column=eq.value"
// filter to an event.
func matches(spec backend.Subscription, ev models.ChangeEvent) bool {
	if spec.Table != ev.Table {
		return false
	}
	if spec.Filter == "" {
		return true
	}

	column, value, ok := strings.Cut(spec.Filter, "=eq.")
	if !ok {
		return false
	}
	switch column {
	case "conversation_id":
		return ev.ConversationID == value
	case "id":
		return ev.RowID == value
	default:
		return false
	}
}
