package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"boltalka/internal/backend"
	"boltalka/internal/models"
)

const heartbeatInterval = 25 * time.Second

// frame is the phoenix-channel wire envelope used by the realtime
// service.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Ref     string          `json:"ref"`
	Payload json.RawMessage `json:"payload"`
}

// changePayload is the payload of a postgres_changes event.
type changePayload struct {
	Data struct {
		Type   string `json:"type"`
		Table  string `json:"table"`
		Record struct {
			ID             string `json:"id"`
			ConversationID string `json:"conversation_id"`
		} `json:"record"`
		OldRecord struct {
			ID string `json:"id"`
		} `json:"old_record"`
	} `json:"data"`
}

// realtimeConn multiplexes change-feed subscriptions over one
// websocket. A failed connection is not redialed; the next Subscribe
// call establishes a fresh one.
//
// Event channels are closed only while mu is held exclusively, and
// the read loop sends only while holding it shared, so a dispatch can
// never race an Unsubscribe into a closed channel.
type realtimeConn struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex // serializes websocket writes

	mu     sync.RWMutex
	subs   map[string]*rtHandle // keyed by topic
	nextID int
	dead   bool
}

type rtHandle struct {
	parent *realtimeConn
	topic  string
	events chan models.ChangeEvent
}

func (h *rtHandle) Events() <-chan models.ChangeEvent { return h.events }

// Unsubscribe removes the topic and closes the events channel.
// Idempotent: a second call, or a call after connection shutdown,
// finds nothing to remove.
func (h *rtHandle) Unsubscribe() {
	if h.parent.drop(h.topic) {
		if err := h.parent.send(h.topic, "phx_leave", map[string]any{}); err != nil {
			h.parent.log.Warn("failed to leave realtime topic", "topic", h.topic, "error", err)
		}
	}
}

func (c *Client) Subscribe(ctx context.Context, sub backend.Subscription) (backend.Handle, error) {
	c.rtMu.Lock()
	defer c.rtMu.Unlock()

	if c.rt != nil && c.rt.isDead() {
		c.rt = nil
	}
	if c.rt == nil {
		rt, err := c.dialRealtime(ctx)
		if err != nil {
			return nil, err
		}
		c.rt = rt
	}
	return c.rt.join(sub)
}

func (c *Client) dialRealtime(ctx context.Context) (*realtimeConn, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) +
		"/realtime/v1/websocket?apikey=" + c.anonKey + "&vsn=1.0.0"

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: realtime dial: %v", models.ErrNetwork, err)
	}

	rt := &realtimeConn{
		conn: conn,
		log:  c.log,
		subs: make(map[string]*rtHandle),
	}
	go rt.readLoop()
	go rt.heartbeatLoop()
	return rt, nil
}

func (rt *realtimeConn) isDead() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.dead
}

func (rt *realtimeConn) join(sub backend.Subscription) (backend.Handle, error) {
	rt.mu.Lock()
	if rt.dead {
		rt.mu.Unlock()
		return nil, fmt.Errorf("%w: realtime connection lost", models.ErrNetwork)
	}
	rt.nextID++
	topic := "realtime:" + strconv.Itoa(rt.nextID)
	h := &rtHandle{
		parent: rt,
		topic:  topic,
		events: make(chan models.ChangeEvent, 16),
	}
	rt.subs[topic] = h
	rt.mu.Unlock()

	cfg := map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{{
				"event":  "*",
				"schema": "public",
				"table":  string(sub.Table),
				"filter": sub.Filter,
			}},
		},
	}
	if err := rt.send(topic, "phx_join", cfg); err != nil {
		rt.drop(topic)
		return nil, err
	}
	return h, nil
}

// drop removes the topic's handle and closes its channel under the
// exclusive lock. It reports whether a live topic was removed and a
// leave frame is worth sending.
func (rt *realtimeConn) drop(topic string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	h, ok := rt.subs[topic]
	if !ok {
		return false
	}
	delete(rt.subs, topic)
	close(h.events)
	return !rt.dead
}

func (rt *realtimeConn) send(topic, event string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f := frame{Topic: topic, Event: event, Ref: topic, Payload: encoded}

	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	if err := rt.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: realtime write: %v", models.ErrNetwork, err)
	}
	return nil
}

func (rt *realtimeConn) readLoop() {
	for {
		var f frame
		if err := rt.conn.ReadJSON(&f); err != nil {
			rt.shutdown(err)
			return
		}
		if f.Event != "postgres_changes" {
			continue
		}

		var payload changePayload
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			rt.log.Warn("skipping malformed change event", "error", err)
			continue
		}

		ev := models.ChangeEvent{
			Type:           models.EventType(payload.Data.Type),
			Table:          models.Table(payload.Data.Table),
			RowID:          payload.Data.Record.ID,
			ConversationID: payload.Data.Record.ConversationID,
		}
		if ev.RowID == "" {
			ev.RowID = payload.Data.OldRecord.ID
		}

		// Send under the shared lock: Unsubscribe closes under the
		// exclusive lock, so the channel cannot close mid-send.
		rt.mu.RLock()
		if h, ok := rt.subs[f.Topic]; ok {
			select {
			case h.events <- ev:
			default:
				rt.log.Warn("realtime event dropped, consumer too slow", "topic", f.Topic)
			}
		}
		rt.mu.RUnlock()
	}
}

func (rt *realtimeConn) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		if rt.isDead() {
			return
		}
		if err := rt.send("phoenix", "heartbeat", map[string]any{}); err != nil {
			rt.log.Warn("realtime heartbeat failed", "error", err)
			return
		}
	}
}

// shutdown tears down every live subscription. Consumers observe the
// closed events channel and decide themselves whether to resubscribe.
func (rt *realtimeConn) shutdown(cause error) {
	rt.mu.Lock()
	if rt.dead {
		rt.mu.Unlock()
		return
	}
	rt.dead = true
	for _, h := range rt.subs {
		close(h.events)
	}
	rt.subs = make(map[string]*rtHandle)
	rt.mu.Unlock()

	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		rt.log.Warn("realtime connection lost", "error", cause)
	}
	_ = rt.conn.Close()
}

func (rt *realtimeConn) close() {
	rt.shutdown(nil)
}
