// Package session owns the signed-in identity: it resolves the
// persisted session at startup, follows the auth-state stream, and
// makes sure a profile row exists for whoever is signed in.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"

	"boltalka/internal/backend"
	"boltalka/internal/models"
	"boltalka/internal/nav"
)

type Config struct {
	Backend   backend.Backend
	Navigator nav.Navigator

	// PushSubscription is this device's push subscription, registered
	// against the profile on sign-in. Optional.
	PushSubscription *webpush.Subscription

	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.Backend == nil {
		return errors.New("backend is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

type Provider struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	state   nav.SessionState
	session models.Session
	profile models.Profile
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{cfg: cfg, log: cfg.Logger, state: nav.SessionUnknown}, nil
}

// Start resolves the persisted session and begins following the
// auth-state stream. The guard state stays unknown until resolution
// finishes, so the shell never bounces a restored user through the
// sign-in screen.
func (p *Provider) Start(ctx context.Context) error {
	session, err := p.cfg.Backend.Session(ctx)
	switch {
	case errors.Is(err, models.ErrNotFound):
		p.setSignedOut()
	case err != nil:
		// Can't tell whether a session exists. Treat as signed out;
		// the user can always sign in again.
		p.log.Warn("failed to restore session", "error", err)
		p.setSignedOut()
	default:
		if err := p.adopt(ctx, session, ""); err != nil {
			// Can't resolve the profile right now. Degrade to signed
			// out instead of blocking startup on a transient failure.
			p.log.Warn("failed to adopt restored session, treating as signed out", "error", err)
			p.setSignedOut()
		}
	}

	go p.watch(ctx, p.cfg.Backend.StateChanges())
	return nil
}

func (p *Provider) watch(ctx context.Context, changes <-chan backend.SessionChange) {
	for change := range changes {
		if change.Session == nil {
			p.setSignedOut()
			continue
		}

		p.mu.Lock()
		current := p.session.UserID
		p.mu.Unlock()
		if current == change.Session.UserID {
			// Token refresh for the same user; just track the session.
			p.mu.Lock()
			p.session = *change.Session
			p.mu.Unlock()
			continue
		}

		if err := p.adopt(ctx, *change.Session, ""); err != nil {
			p.log.Error("failed to adopt session", "user_id", change.Session.UserID, "error", err)
		}
	}
}

// adopt makes the session current: the profile row is loaded or, on
// first sign-in, created with the chosen username (falling back to
// one derived from the email), and the device push subscription is
// registered.
func (p *Provider) adopt(ctx context.Context, session models.Session, username string) error {
	if username == "" {
		username = defaultUsername(session.Email, session.UserID)
	}

	prof, err := p.cfg.Backend.Profile(ctx, session.UserID)
	if errors.Is(err, models.ErrNotFound) {
		prof, err = p.cfg.Backend.CreateProfile(ctx, models.Profile{
			ID:       session.UserID,
			Username: username,
		})
		if errors.Is(err, models.ErrValidation) {
			// Lost a create race against another adopter.
			prof, err = p.cfg.Backend.Profile(ctx, session.UserID)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to resolve profile: %w", err)
	}

	if p.cfg.PushSubscription != nil {
		if err := p.cfg.Backend.SavePushSubscription(ctx, session.UserID, p.cfg.PushSubscription); err != nil {
			p.log.Warn("failed to register push subscription", "error", err)
		}
	}

	p.mu.Lock()
	p.session = session
	p.profile = prof
	p.state = nav.SessionSignedIn
	p.mu.Unlock()

	p.log.Info("session established", "user_id", session.UserID, "username", prof.Username)
	return nil
}

func (p *Provider) setSignedOut() {
	p.mu.Lock()
	p.session = models.Session{}
	p.profile = models.Profile{}
	p.state = nav.SessionSignedOut
	p.mu.Unlock()
}

// defaultUsername derives a first-sign-in username from the email
// local part, falling back to a short id-based handle.
func defaultUsername(email, userID string) string {
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	if len(userID) >= 8 {
		return "user_" + userID[:8]
	}
	return "user_" + userID
}

func (p *Provider) SignIn(ctx context.Context, email, password string) error {
	session, err := p.cfg.Backend.SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	return p.adopt(ctx, session, "")
}

// SignUp registers the account. A non-blank username is the user's
// chosen display name; blank falls back to one derived from the email.
func (p *Provider) SignUp(ctx context.Context, email, password, username string) error {
	username = strings.TrimSpace(username)
	session, err := p.cfg.Backend.SignUp(ctx, email, password, username)
	if err != nil {
		return err
	}
	return p.adopt(ctx, session, username)
}

func (p *Provider) SignOut(ctx context.Context) error {
	if err := p.cfg.Backend.SignOut(ctx); err != nil {
		return err
	}
	p.setSignedOut()
	return nil
}

// State feeds the route guard.
func (p *Provider) State() nav.SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Session returns the current session. models.ErrNotFound when
// signed out or still resolving.
func (p *Provider) Session() (models.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != nav.SessionSignedIn {
		return models.Session{}, models.ErrNotFound
	}
	return p.session, nil
}

// Profile returns the signed-in profile. Zero value when signed out.
func (p *Provider) Profile() models.Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// notificationData is the payload carried by a push notification.
type notificationData struct {
	ConversationID string `json:"conversationId"`
}

// HandleNotificationTap deep-links into the conversation named by the
// notification payload. Payloads without one are ignored.
func (p *Provider) HandleNotificationTap(payload []byte) {
	if p.cfg.Navigator == nil {
		return
	}
	var data notificationData
	if err := json.Unmarshal(payload, &data); err != nil {
		p.log.Warn("ignoring malformed notification payload", "error", err)
		return
	}
	if data.ConversationID == "" {
		return
	}
	p.cfg.Navigator.OpenConversation(data.ConversationID)
}
