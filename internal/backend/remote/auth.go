package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"boltalka/internal/backend"
	"boltalka/internal/models"
)

// refreshLeeway refreshes the access token slightly before its actual
// expiry so in-flight requests do not race the cutoff.
const refreshLeeway = 30 * time.Second

type wireSession struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func (c *Client) Session(ctx context.Context) (models.Session, error) {
	c.mu.Lock()
	if !c.restored {
		c.restored = true
		if c.cache != nil {
			if cached, err := c.cache.load(); err != nil {
				c.log.Warn("failed to restore cached session", "error", err)
			} else {
				c.session = cached
			}
		}
	}
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return models.Session{}, models.ErrNotFound
	}

	if session.Expired(c.now().Add(refreshLeeway)) {
		refreshed, err := c.refresh(ctx, session.RefreshToken)
		if err != nil {
			return models.Session{}, err
		}
		return refreshed, nil
	}

	return *session, nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) (models.Session, error) {
	var wire wireSession
	err := c.doJSON(ctx, http.MethodPost,
		c.baseURL+"/auth/v1/token?grant_type=password",
		nil,
		map[string]string{"email": email, "password": password},
		&wire,
	)
	if err != nil {
		if errors.Is(err, models.ErrValidation) || errors.Is(err, models.ErrAuth) {
			return models.Session{}, fmt.Errorf("%w: %w", models.ErrInvalidCredentials, models.ErrAuth)
		}
		return models.Session{}, err
	}
	return c.adoptSession(wire)
}

func (c *Client) SignUp(ctx context.Context, email, password, username string) (models.Session, error) {
	var wire wireSession
	err := c.doJSON(ctx, http.MethodPost,
		c.baseURL+"/auth/v1/signup",
		nil,
		map[string]any{
			"email":    email,
			"password": password,
			"data":     map[string]string{"username": username},
		},
		&wire,
	)
	if err != nil {
		return models.Session{}, err
	}
	return c.adoptSession(wire)
}

func (c *Client) SignOut(ctx context.Context) error {
	err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/auth/v1/logout", nil, nil, nil)
	if err != nil && !errors.Is(err, models.ErrAuth) {
		c.log.Warn("logout request failed, clearing local session anyway", "error", err)
	}

	c.setSession(nil)
	return nil
}

func (c *Client) StateChanges() <-chan backend.SessionChange {
	return c.changes
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (models.Session, error) {
	var wire wireSession
	err := c.doJSON(ctx, http.MethodPost,
		c.baseURL+"/auth/v1/token?grant_type=refresh_token",
		nil,
		map[string]string{"refresh_token": refreshToken},
		&wire,
	)
	if err != nil {
		if errors.Is(err, models.ErrAuth) || errors.Is(err, models.ErrValidation) {
			// Refresh token rejected: the session is gone for good.
			c.setSession(nil)
			return models.Session{}, fmt.Errorf("%w: session expired", models.ErrAuth)
		}
		return models.Session{}, err
	}
	return c.adoptSession(wire)
}

func (c *Client) adoptSession(wire wireSession) (models.Session, error) {
	session := models.Session{
		UserID:       wire.User.ID,
		Email:        wire.User.Email,
		AccessToken:  wire.AccessToken,
		RefreshToken: wire.RefreshToken,
	}
	if wire.ExpiresIn > 0 {
		session.ExpiresAt = c.now().Add(time.Duration(wire.ExpiresIn) * time.Second)
	}

	// The token response may omit user fields; the JWT claims always
	// carry them.
	if session.UserID == "" || session.ExpiresAt.IsZero() {
		fillFromClaims(&session)
	}
	if session.AccessToken == "" {
		return models.Session{}, fmt.Errorf("%w: token response missing access token", models.ErrAuth)
	}

	c.setSession(&session)
	return session, nil
}

func fillFromClaims(session *models.Session) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(session.AccessToken, claims); err != nil {
		return
	}
	if session.UserID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			session.UserID = sub
		}
	}
	if session.Email == "" {
		if email, ok := claims["email"].(string); ok {
			session.Email = email
		}
	}
	if session.ExpiresAt.IsZero() {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			session.ExpiresAt = exp.Time
		}
	}
}

func (c *Client) setSession(session *models.Session) {
	c.mu.Lock()
	c.session = session
	c.restored = true
	if !c.closed {
		select {
		case c.changes <- backend.SessionChange{Session: session}:
		default:
			c.log.Warn("auth-state change dropped, consumer too slow")
		}
	}
	c.mu.Unlock()

	if c.cache != nil {
		var err error
		if session == nil {
			err = c.cache.clear()
		} else {
			err = c.cache.save(*session)
		}
		if err != nil {
			c.log.Warn("failed to persist session", "error", err)
		}
	}
}
