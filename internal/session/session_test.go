package session

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"boltalka/internal/backend/local"
	"boltalka/internal/models"
	"boltalka/internal/nav"
)

type recordingNavigator struct {
	mu     sync.Mutex
	opened []string
}

func (n *recordingNavigator) OpenChats()  {}
func (n *recordingNavigator) OpenSignIn() {}
func (n *recordingNavigator) OpenConversation(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened = append(n.opened, id)
}

func (n *recordingNavigator) conversations() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.opened...)
}

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

func testProvider(t *testing.T, b *local.Backend, navigator nav.Navigator) *Provider {
	t.Helper()
	p, err := New(Config{Backend: b, Navigator: navigator})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	return p
}

func waitForState(t *testing.T, p *Provider, want nav.SessionState) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never became %s, still %s", want, p.State())
}

func TestStartSignedOut(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)
	p := testProvider(t, b, nil)

	if p.State() != nav.SessionUnknown {
		t.Errorf("expected unknown state before Start, got %s", p.State())
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if p.State() != nav.SessionSignedOut {
		t.Errorf("expected signed-out, got %s", p.State())
	}
	if _, err := p.Session(); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSignUpCreatesProfile(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)
	p := testProvider(t, b, nil)
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := p.SignUp(ctx, "alice@example.com", "password1", ""); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if p.State() != nav.SessionSignedIn {
		t.Errorf("expected signed-in, got %s", p.State())
	}

	prof := p.Profile()
	if prof.Username != "alice" {
		t.Errorf("expected default username alice, got %q", prof.Username)
	}

	session, err := p.Session()
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if session.Email != "alice@example.com" {
		t.Errorf("unexpected session %+v", session)
	}

	// The profile row is in the store, keyed by the user id.
	stored, err := b.Profile(ctx, session.UserID)
	if err != nil {
		t.Fatalf("Profile lookup failed: %v", err)
	}
	if stored.Username != "alice" {
		t.Errorf("expected persisted profile, got %+v", stored)
	}
}

func TestRestoreReusesProfile(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)

	first := testProvider(t, b, nil)
	if err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := first.SignUp(ctx, "alice@example.com", "password1", "wonderland"); err != nil {
		t.Fatal(err)
	}
	userID := first.Profile().ID

	// A fresh provider over the same backend restores the session and
	// finds the existing profile instead of creating another.
	second := testProvider(t, b, nil)
	if err := second.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if second.State() != nav.SessionSignedIn {
		t.Errorf("expected signed-in after restore, got %s", second.State())
	}
	if second.Profile().ID != userID {
		t.Errorf("expected profile %s, got %s", userID, second.Profile().ID)
	}
	if second.Profile().Username != "wonderland" {
		t.Errorf("expected chosen username to survive restore, got %q", second.Profile().Username)
	}
}

func TestSignUpWithChosenUsername(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)
	p := testProvider(t, b, nil)
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// The chosen name wins over the email-derived default.
	if err := p.SignUp(ctx, "alice@example.com", "password1", "  wonderland  "); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if p.Profile().Username != "wonderland" {
		t.Errorf("expected chosen username, got %q", p.Profile().Username)
	}

	stored, err := b.Profile(ctx, p.Profile().ID)
	if err != nil {
		t.Fatalf("Profile lookup failed: %v", err)
	}
	if stored.Username != "wonderland" {
		t.Errorf("expected persisted chosen username, got %q", stored.Username)
	}
}

func TestSignOut(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)
	p := testProvider(t, b, nil)
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.SignUp(ctx, "alice@example.com", "password1", ""); err != nil {
		t.Fatal(err)
	}

	if err := p.SignOut(ctx); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	if p.State() != nav.SessionSignedOut {
		t.Errorf("expected signed-out, got %s", p.State())
	}
	if p.Profile() != (models.Profile{}) {
		t.Errorf("expected cleared profile, got %+v", p.Profile())
	}
}

func TestFollowsAuthStream(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)

	if _, err := b.SignUp(ctx, "alice@example.com", "password1", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := b.SignOut(ctx); err != nil {
		t.Fatal(err)
	}

	p := testProvider(t, b, nil)
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if p.State() != nav.SessionSignedOut {
		t.Fatalf("expected signed-out, got %s", p.State())
	}

	// A sign-in performed elsewhere reaches the provider through the
	// auth-state stream.
	if _, err := b.SignIn(ctx, "alice@example.com", "password1"); err != nil {
		t.Fatal(err)
	}
	waitForState(t, p, nav.SessionSignedIn)

	if err := b.SignOut(ctx); err != nil {
		t.Fatal(err)
	}
	waitForState(t, p, nav.SessionSignedOut)
}

// profileOutage simulates a backend whose session restore works but
// whose profile store is unreachable.
type profileOutage struct {
	*local.Backend
}

func (f *profileOutage) Profile(ctx context.Context, id string) (models.Profile, error) {
	return models.Profile{}, models.ErrNetwork
}

func (f *profileOutage) CreateProfile(ctx context.Context, p models.Profile) (models.Profile, error) {
	return models.Profile{}, models.ErrNetwork
}

func TestStartDegradesOnProfileOutage(t *testing.T) {
	ctx := context.Background()
	b := testBackend(t)
	if _, err := b.SignUp(ctx, "alice@example.com", "password1", "alice"); err != nil {
		t.Fatal(err)
	}

	p, err := New(Config{Backend: &profileOutage{Backend: b}})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	// The restored session exists but the profile can't be resolved:
	// startup degrades to signed out instead of failing.
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start must not fail on a profile outage: %v", err)
	}
	if p.State() != nav.SessionSignedOut {
		t.Errorf("expected signed-out, got %s", p.State())
	}
}

func TestHandleNotificationTap(t *testing.T) {
	b := testBackend(t)
	navigator := &recordingNavigator{}
	p := testProvider(t, b, navigator)

	p.HandleNotificationTap([]byte(`{"conversationId":"conv-1","title":"bob","body":"hi"}`))
	p.HandleNotificationTap([]byte(`{"title":"no conversation"}`))
	p.HandleNotificationTap([]byte(`not json`))

	if got := navigator.conversations(); len(got) != 1 || got[0] != "conv-1" {
		t.Errorf("expected single deep link to conv-1, got %v", got)
	}
}

func TestDefaultUsername(t *testing.T) {
	tests := []struct {
		email, userID, want string
	}{
		{"alice@example.com", "ignored", "alice"},
		{"", "0123456789abcdef", "user_01234567"},
		{"@example.com", "abc", "user_abc"},
	}
	for _, tc := range tests {
		if got := defaultUsername(tc.email, tc.userID); got != tc.want {
			t.Errorf("defaultUsername(%q, %q) = %q, want %q", tc.email, tc.userID, got, tc.want)
		}
	}
}
