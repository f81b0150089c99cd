package local

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"

	"boltalka/internal/backend"
	"boltalka/internal/models"
)

const minPasswordLength = 6

// authState owns the embedded backend's session lifecycle: bcrypt
// credentials, HS256 access tokens with a TTL'd live-token cache, and
// the auth-state-change stream.
type authState struct {
	backend *Backend

	mu      sync.Mutex
	session *models.Session
	tokens  geche.Geche[string, string]
	changes chan backend.SessionChange
	closed  bool
}

func (b *Backend) Session(ctx context.Context) (models.Session, error) {
	b.auth.mu.Lock()
	defer b.auth.mu.Unlock()
	if b.auth.session == nil {
		return models.Session{}, models.ErrNotFound
	}
	return *b.auth.session, nil
}

func (b *Backend) SignUp(ctx context.Context, email, password, username string) (models.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return models.Session{}, fmt.Errorf("%w: invalid email address", models.ErrValidation)
	}
	if len(password) < minPasswordLength {
		return models.Session{}, fmt.Errorf("%w: password must be at least %d characters", models.ErrValidation, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to hash password: %w", err)
	}

	userID := uuid.NewString()
	err = b.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketCredentials)
		if bk.Get([]byte(email)) != nil {
			return fmt.Errorf("%w: email already registered", models.ErrValidation)
		}
		row := dbCredentials{
			UserID:       userID,
			Email:        email,
			PasswordHash: hash,
		}
		data, err := row.MarshalBinary()
		if err != nil {
			return err
		}
		if err := bk.Put(row.Key(), data); err != nil {
			return err
		}

		// Provision the profile row from the chosen username, the
		// way the hosted service does from signup metadata.
		if username != "" {
			if err := usernameTakenTx(tx, username, userID); err != nil {
				return err
			}
			prof := dbProfile{ID: userID, Username: username}
			profData, err := prof.MarshalBinary()
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketProfiles).Put(prof.Key(), profData); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}

	return b.auth.establish(userID, email)
}

func (b *Backend) SignIn(ctx context.Context, email, password string) (models.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var creds dbCredentials
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCredentials).Get([]byte(email))
		if data == nil {
			return models.ErrInvalidCredentials
		}
		return creds.UnmarshalBinary(data)
	})
	if err != nil {
		return models.Session{}, err
	}

	if err := bcrypt.CompareHashAndPassword(creds.PasswordHash, []byte(password)); err != nil {
		return models.Session{}, models.ErrInvalidCredentials
	}

	return b.auth.establish(creds.UserID, creds.Email)
}

func (b *Backend) SignOut(ctx context.Context) error {
	b.auth.mu.Lock()
	if b.auth.session != nil {
		_ = b.auth.tokens.Del(b.auth.session.AccessToken)
		b.auth.session = nil
	}
	b.auth.mu.Unlock()

	b.auth.emit(backend.SessionChange{})
	return nil
}

func (b *Backend) StateChanges() <-chan backend.SessionChange {
	return b.auth.changes
}

func (a *authState) establish(userID, email string) (models.Session, error) {
	now := a.backend.now()
	expiresAt := now.Add(a.backend.cfg.TokenExpiry)

	claims := jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"exp":   expiresAt.Unix(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.backend.cfg.secretBytes)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	session := models.Session{
		UserID:       userID,
		Email:        email,
		AccessToken:  access,
		RefreshToken: uuid.NewString(),
		ExpiresAt:    expiresAt,
	}

	a.mu.Lock()
	a.session = &session
	a.tokens.Set(access, userID)
	a.mu.Unlock()

	notify := session
	a.emit(backend.SessionChange{Session: &notify})
	return session, nil
}

func (a *authState) emit(change backend.SessionChange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.changes <- change:
	default:
		a.backend.log.Warn("auth-state change dropped, consumer too slow")
	}
}

func (a *authState) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.changes)
}
