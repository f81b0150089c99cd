// Package local is an embedded backend used in dev mode and by tests.
// It implements the full backend contract in-process: bbolt row
// storage, an in-memory change-feed broker, bcrypt credentials with
// JWT sessions, an in-memory object store and Web Push delivery.
package local

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c-pro/geche"
	"go.etcd.io/bbolt"

	"boltalka/internal/backend"
)

const DefaultTokenExpiry = 12 * time.Hour

var (
	bucketProfiles      = []byte("profiles")
	bucketConversations = []byte("conversations")
	bucketParticipants  = []byte("participants")
	bucketMessages      = []byte("messages")
	bucketCredentials   = []byte("credentials")
	bucketPushSubs      = []byte("push_subscriptions")
)

type Config struct {
	Path        string
	Secret      string // base64-encoded HS256 signing secret
	TokenExpiry time.Duration
	Logger      *slog.Logger

	// VAPID keys enable Web Push delivery on message insert. Both
	// empty disables push.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushContact     string

	secretBytes []byte
}

func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("db path is required")
	}
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return nil
}

// Backend is the embedded implementation of backend.Backend.
type Backend struct {
	cfg    Config
	db     *bbolt.DB
	broker *broker
	log    *slog.Logger

	auth    *authState
	objects *objectStore

	now func() time.Time
}

var _ backend.Backend = (*Backend)(nil)

func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketProfiles,
			bucketConversations,
			bucketParticipants,
			bucketMessages,
			bucketCredentials,
			bucketPushSubs,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	b := &Backend{
		cfg:    cfg,
		db:     db,
		broker: newBroker(cfg.Logger),
		log:    cfg.Logger,
		objects: &objectStore{
			objects: make(map[string]object),
		},
		now: time.Now,
	}
	b.auth = &authState{
		backend: b,
		tokens:  geche.NewMapTTLCache[string, string](ctx, cfg.TokenExpiry, time.Minute),
		changes: make(chan backend.SessionChange, 16),
	}

	return b, nil
}

func (b *Backend) Close() error {
	b.auth.close()
	return b.db.Close()
}

// Subscribe opens a change-feed subscription on the broker.
func (b *Backend) Subscribe(ctx context.Context, sub backend.Subscription) (backend.Handle, error) {
	return b.broker.subscribe(sub), nil
}
