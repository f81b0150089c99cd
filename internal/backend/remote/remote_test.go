package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"boltalka/internal/backend"
	"boltalka/internal/models"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, AnonKey: "anon-key"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func signToken(t *testing.T, userID, email string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"exp":   exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestAuth(t *testing.T) {
	ctx := context.Background()

	t.Run("SignInFillsSessionFromClaims", func(t *testing.T) {
		exp := time.Now().Add(time.Hour).Truncate(time.Second)
		var access string
		mux := http.NewServeMux()
		mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			if r.URL.Query().Get("grant_type") != "password" {
				t.Errorf("unexpected grant type %q", r.URL.Query().Get("grant_type"))
			}
			if r.Header.Get("apikey") != "anon-key" {
				t.Error("missing apikey header")
			}
			// No expires_in and no user block: the client must
			// recover both from the JWT claims.
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  access,
				"refresh_token": "refresh-1",
			})
		})
		c := testClient(t, mux)
		access = signToken(t, "user-1", "alice@example.com", exp)

		session, err := c.SignIn(ctx, "alice@example.com", "secret")
		if err != nil {
			t.Fatalf("SignIn failed: %v", err)
		}
		if session.UserID != "user-1" || session.Email != "alice@example.com" {
			t.Errorf("claims not applied: %+v", session)
		}
		if !session.ExpiresAt.Equal(exp) {
			t.Errorf("expected expiry %v, got %v", exp, session.ExpiresAt)
		}

		// Subsequent requests carry the access token.
		if got := c.bearer(); got != access {
			t.Errorf("expected bearer to be the access token, got %q", got)
		}
	})

	t.Run("SignInRejected", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
		})
		c := testClient(t, mux)

		_, err := c.SignIn(ctx, "alice@example.com", "wrong")
		if !errors.Is(err, models.ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("SessionWhenSignedOut", func(t *testing.T) {
		c := testClient(t, http.NewServeMux())
		if _, err := c.Session(ctx); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ExpiredSessionRefreshes", func(t *testing.T) {
		var fresh string
		mux := http.NewServeMux()
		mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			if r.URL.Query().Get("grant_type") != "refresh_token" {
				t.Errorf("unexpected grant type %q", r.URL.Query().Get("grant_type"))
			}
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["refresh_token"] != "refresh-old" {
				t.Errorf("unexpected refresh token %q", body["refresh_token"])
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  fresh,
				"refresh_token": "refresh-new",
				"expires_in":    3600,
				"user":          map[string]string{"id": "user-1", "email": "alice@example.com"},
			})
		})
		c := testClient(t, mux)
		fresh = signToken(t, "user-1", "alice@example.com", time.Now().Add(time.Hour))

		c.setSession(&models.Session{
			UserID:       "user-1",
			AccessToken:  "stale",
			RefreshToken: "refresh-old",
			ExpiresAt:    time.Now().Add(-time.Minute),
		})

		session, err := c.Session(ctx)
		if err != nil {
			t.Fatalf("Session failed: %v", err)
		}
		if session.AccessToken != fresh || session.RefreshToken != "refresh-new" {
			t.Errorf("expected refreshed session, got %+v", session)
		}
	})

	t.Run("RefreshRejectedClearsSession", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
		})
		c := testClient(t, mux)
		c.setSession(&models.Session{
			UserID:       "user-1",
			AccessToken:  "stale",
			RefreshToken: "refresh-old",
			ExpiresAt:    time.Now().Add(-time.Minute),
		})

		if _, err := c.Session(ctx); !errors.Is(err, models.ErrAuth) {
			t.Errorf("expected ErrAuth, got %v", err)
		}
		if _, err := c.Session(ctx); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound after cleared session, got %v", err)
		}
	})
}

func TestSessionCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")

	cache, err := openSessionCache(path)
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}

	if got, err := cache.load(); err != nil || got != nil {
		t.Fatalf("expected empty cache, got %+v, %v", got, err)
	}

	session := models.Session{
		UserID:       "user-1",
		Email:        "alice@example.com",
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Nanosecond),
	}
	if err := cache.save(session); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := cache.close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Reopen: the session survives restarts.
	cache, err = openSessionCache(path)
	if err != nil {
		t.Fatalf("failed to reopen cache: %v", err)
	}
	defer func() { _ = cache.close() }()

	got, err := cache.load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got == nil || got.UserID != session.UserID || got.RefreshToken != session.RefreshToken {
		t.Errorf("expected restored session, got %+v", got)
	}
	if !got.ExpiresAt.Equal(session.ExpiresAt) {
		t.Errorf("expected expiry %v, got %v", session.ExpiresAt, got.ExpiresAt)
	}

	if err := cache.clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if got, err := cache.load(); err != nil || got != nil {
		t.Errorf("expected cleared cache, got %+v, %v", got, err)
	}
}

func TestStore(t *testing.T) {
	ctx := context.Background()

	t.Run("MessagesQuery", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/rest/v1/messages", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			q := r.URL.Query()
			if q.Get("conversation_id") != "eq.conv-1" {
				t.Errorf("unexpected filter %q", q.Get("conversation_id"))
			}
			if q.Get("select") != messageSelect {
				t.Errorf("unexpected select %q", q.Get("select"))
			}
			_ = json.NewEncoder(w).Encode([]map[string]any{{
				"id":              "m1",
				"conversation_id": "conv-1",
				"content":         "hello",
				"created_at":      time.Now().UTC().Format(time.RFC3339),
				"sender":          map[string]string{"id": "user-2", "username": "bob"},
			}})
		})
		c := testClient(t, mux)

		msgs, err := c.Messages(ctx, "conv-1")
		if err != nil {
			t.Fatalf("Messages failed: %v", err)
		}
		if len(msgs) != 1 || msgs[0].Sender.Username != "bob" {
			t.Errorf("expected joined sender bob, got %+v", msgs)
		}
	})

	t.Run("InsertMessageReturnsRepresentation", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/rest/v1/messages", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			if r.Header.Get("Prefer") != "return=representation" {
				t.Errorf("unexpected Prefer %q", r.Header.Get("Prefer"))
			}
			var body backend.NewMessage
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode([]map[string]any{{
				"id":              "m1",
				"conversation_id": body.ConversationID,
				"content":         body.Content,
				"created_at":      time.Now().UTC().Format(time.RFC3339),
				"sender":          map[string]string{"id": body.SenderID, "username": "alice"},
			}})
		})
		c := testClient(t, mux)

		msg, err := c.InsertMessage(ctx, backend.NewMessage{
			ConversationID: "conv-1", SenderID: "user-1", Content: "hi",
		})
		if err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
		if msg.ID != "m1" || msg.Sender.ID != "user-1" {
			t.Errorf("unexpected message %+v", msg)
		}
	})

	t.Run("ProfileNotFound", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/rest/v1/profiles", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			_ = json.NewEncoder(w).Encode([]models.Profile{})
		})
		c := testClient(t, mux)

		if _, err := c.Profile(ctx, "ghost"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PushSubscriptionUpsert", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/rest/v1/device_tokens", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			if r.URL.Query().Get("on_conflict") != "profile_id" {
				t.Errorf("expected on_conflict=profile_id, got %q", r.URL.Query().Get("on_conflict"))
			}
			if r.Header.Get("Prefer") != "return=minimal,resolution=merge-duplicates" {
				t.Errorf("unexpected Prefer %q", r.Header.Get("Prefer"))
			}
			w.WriteHeader(http.StatusCreated)
		})
		c := testClient(t, mux)

		sub := &webpush.Subscription{Endpoint: "https://push.example/ep"}
		if err := c.SavePushSubscription(ctx, "user-1", sub); err != nil {
			t.Fatalf("SavePushSubscription failed: %v", err)
		}
	})

	t.Run("NetworkError", func(t *testing.T) {
		c := testClient(t, http.NewServeMux())
		// Point at a closed port.
		c.baseURL = "http://127.0.0.1:1"

		if _, err := c.Messages(ctx, "conv-1"); !errors.Is(err, models.ErrNetwork) {
			t.Errorf("expected ErrNetwork, got %v", err)
		}
	})
}

func TestObjects(t *testing.T) {
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/storage/v1/object/avatars/user-1.png", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("x-upsert") != "true" {
			t.Error("expected x-upsert header")
		}
		if r.Header.Get("Content-Type") != "image/png" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		w.WriteHeader(http.StatusOK)
	})
	c := testClient(t, mux)

	if err := c.Upload(ctx, "avatars", "user-1.png", []byte{1, 2, 3}, "image/png", true); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	want := c.baseURL + "/storage/v1/object/public/avatars/user-1.png"
	if got := c.PublicURL("avatars", "user-1.png"); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestRealtime(t *testing.T) {
	ctx := context.Background()
	upgrader := websocket.Upgrader{}
	joined := make(chan frame, 4)

	mux := http.NewServeMux()
	mux.HandleFunc("/realtime/v1/websocket", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "anon-key" {
			t.Errorf("missing apikey, got %q", r.URL.Query().Get("apikey"))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Event {
			case "phx_join":
				joined <- f
				change := map[string]any{
					"data": map[string]any{
						"type":  "INSERT",
						"table": "messages",
						"record": map[string]string{
							"id":              "m1",
							"conversation_id": "conv-1",
						},
					},
				}
				encoded, _ := json.Marshal(change)
				_ = conn.WriteJSON(frame{Topic: f.Topic, Event: "postgres_changes", Payload: encoded})
			case "phx_leave":
				return
			}
		}
	})
	c := testClient(t, mux)

	handle, err := c.Subscribe(ctx, backend.Subscription{
		Table:  models.TableMessages,
		Filter: "conversation_id=eq.conv-1",
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	select {
	case f := <-joined:
		var cfg struct {
			Config struct {
				Changes []map[string]string `json:"postgres_changes"`
			} `json:"config"`
		}
		if err := json.Unmarshal(f.Payload, &cfg); err != nil {
			t.Fatalf("bad join payload: %v", err)
		}
		if len(cfg.Config.Changes) != 1 || cfg.Config.Changes[0]["filter"] != "conversation_id=eq.conv-1" {
			t.Errorf("unexpected join config %+v", cfg.Config.Changes)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for join")
	}

	select {
	case ev := <-handle.Events():
		if ev.Type != models.EventInsert || ev.Table != models.TableMessages {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.RowID != "m1" || ev.ConversationID != "conv-1" {
			t.Errorf("unexpected row %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change event")
	}

	handle.Unsubscribe()
	handle.Unsubscribe() // idempotent

	if _, ok := <-handle.Events(); ok {
		t.Error("expected events channel closed after unsubscribe")
	}
}

// TestRealtimeUnsubscribeUnderLoad churns subscriptions while the
// server floods change events, so dispatches keep landing in the
// window where a consumer tears its handle down.
func TestRealtimeUnsubscribeUnderLoad(t *testing.T) {
	ctx := context.Background()
	upgrader := websocket.Upgrader{}

	change := map[string]any{
		"data": map[string]any{
			"type":   "INSERT",
			"table":  "messages",
			"record": map[string]string{"id": "m1", "conversation_id": "conv-1"},
		},
	}
	encoded, err := json.Marshal(change)
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/realtime/v1/websocket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		var writeMu sync.Mutex
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Event != "phx_join" {
				continue
			}
			topic := f.Topic
			go func() {
				for i := 0; i < 200; i++ {
					writeMu.Lock()
					err := conn.WriteJSON(frame{Topic: topic, Event: "postgres_changes", Payload: encoded})
					writeMu.Unlock()
					if err != nil {
						return
					}
				}
			}()
		}
	})
	c := testClient(t, mux)

	for i := 0; i < 200; i++ {
		handle, err := c.Subscribe(ctx, backend.Subscription{Table: models.TableMessages})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}

		// Consume a little, then tear down while the flood is still
		// in flight.
		select {
		case <-handle.Events():
		case <-time.After(10 * time.Millisecond):
		}
		handle.Unsubscribe()

		// The channel must drain to closed without further sends.
		for range handle.Events() {
		}
	}
}
