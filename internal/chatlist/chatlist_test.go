package chatlist

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"boltalka/internal/backend"
	"boltalka/internal/backend/local"
	"boltalka/internal/models"
)

func testBackend(t *testing.T) *local.Backend {
	t.Helper()
	b, err := local.Open(context.Background(), local.Config{
		Path:   filepath.Join(t.TempDir(), "test.db"),
		Secret: base64.StdEncoding.EncodeToString([]byte("test-secret")),
	})
	if err != nil {
		t.Fatalf("failed to open backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testList(t *testing.T, b *local.Backend, selfID string, onChange func()) *List {
	t.Helper()
	l, err := New(Config{Store: b, Realtime: b, SelfID: selfID, OnChange: onChange})
	if err != nil {
		t.Fatalf("failed to create list: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func TestSummaries(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)

	for _, p := range []models.Profile{
		{ID: "u1", Username: "alice"},
		{ID: "u2", Username: "bob"},
	} {
		if _, err := b.CreateProfile(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	// A conversation with bob holding one message, an empty one with
	// nobody else in it, created later.
	withBob, err := b.CreateConversation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.AddParticipants(ctx, withBob.ID, "u1", "u2"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.InsertMessage(ctx, backend.NewMessage{ConversationID: withBob.ID, SenderID: "u2", Content: "hi alice"}); err != nil {
		t.Fatal(err)
	}

	empty, err := b.CreateConversation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.AddParticipants(ctx, empty.ID, "u1"); err != nil {
		t.Fatal(err)
	}

	l := testList(t, b, "u1", nil)
	if err := l.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	rows := l.Summaries()
	if len(rows) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(rows))
	}

	// Newest activity first: the empty conversation was touched last.
	if rows[0].ConversationID != empty.ID {
		t.Errorf("expected empty conversation first, got %s", rows[0].ConversationID)
	}
	if rows[0].Other.Username != "Unknown User" {
		t.Errorf("expected Unknown User fallback, got %q", rows[0].Other.Username)
	}
	if rows[0].LastMessage != "No messages yet" {
		t.Errorf("expected No messages yet fallback, got %q", rows[0].LastMessage)
	}
	if rows[0].LastMessageAt.IsZero() {
		t.Error("expected updated_at fallback for LastMessageAt")
	}

	if rows[1].Other.Username != "bob" {
		t.Errorf("expected counterpart bob, got %q", rows[1].Other.Username)
	}
	if rows[1].LastMessage != "hi alice" {
		t.Errorf("expected last message, got %q", rows[1].LastMessage)
	}
}

func TestLiveRederive(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)

	for _, p := range []models.Profile{
		{ID: "u1", Username: "alice"},
		{ID: "u2", Username: "bob"},
	} {
		if _, err := b.CreateProfile(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	first, err := b.CreateConversation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.AddParticipants(ctx, first.ID, "u1", "u2"); err != nil {
		t.Fatal(err)
	}
	second, err := b.CreateConversation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.AddParticipants(ctx, second.ID, "u1", "u2"); err != nil {
		t.Fatal(err)
	}

	changed := make(chan struct{}, 16)
	l := testList(t, b, "u1", func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err := l.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	<-changed // initial derive

	rows := l.Summaries()
	if rows[0].ConversationID != second.ID {
		t.Fatalf("expected second conversation first, got %s", rows[0].ConversationID)
	}

	// A message in the older conversation bubbles it to the top.
	if _, err := b.InsertMessage(ctx, backend.NewMessage{ConversationID: first.ID, SenderID: "u2", Content: "ping"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-changed:
			rows = l.Summaries()
			if rows[0].ConversationID == first.ID && rows[0].LastMessage == "ping" {
				return
			}
		case <-deadline:
			t.Fatalf("list never re-derived, rows: %+v", l.Summaries())
		}
	}
}

func TestEmptyAccount(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)
	if _, err := b.CreateProfile(ctx, models.Profile{ID: "u1", Username: "alice"}); err != nil {
		t.Fatal(err)
	}

	l := testList(t, b, "u1", nil)
	if err := l.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rows := l.Summaries(); len(rows) != 0 {
		t.Errorf("expected no summaries, got %+v", rows)
	}
	if l.Err() != nil {
		t.Errorf("unexpected error: %v", l.Err())
	}
}
