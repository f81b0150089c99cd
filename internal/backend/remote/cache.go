package remote

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"boltalka/internal/models"
)

var (
	bucketSession = []byte("session")
	keySession    = []byte("current")
)

type dbSession struct {
	UserID       string `msgpack:"userId"`
	Email        string `msgpack:"email"`
	AccessToken  string `msgpack:"accessToken"`
	RefreshToken string `msgpack:"refreshToken"`
	ExpiresAt    int64  `msgpack:"expiresAt"` // Unix nanoseconds
}

func (s *dbSession) MarshalBinary() (data []byte, err error) {
	type alias dbSession
	return msgpack.Marshal((*alias)(s))
}

func (s *dbSession) UnmarshalBinary(data []byte) error {
	type alias dbSession
	return msgpack.Unmarshal(data, (*alias)(s))
}

// sessionCache persists the auth session across restarts.
type sessionCache struct {
	db *bbolt.DB
}

func openSessionCache(path string) (*sessionCache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSession)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sessionCache{db: db}, nil
}

// load returns the persisted session or nil when none is stored.
func (c *sessionCache) load() (*models.Session, error) {
	var row *dbSession
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSession).Get(keySession)
		if data == nil {
			return nil
		}
		row = &dbSession{}
		return row.UnmarshalBinary(data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read session cache: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return &models.Session{
		UserID:       row.UserID,
		Email:        row.Email,
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		ExpiresAt:    time.Unix(0, row.ExpiresAt),
	}, nil
}

func (c *sessionCache) save(session models.Session) error {
	row := dbSession{
		UserID:       session.UserID,
		Email:        session.Email,
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		ExpiresAt:    session.ExpiresAt.UnixNano(),
	}
	data, err := row.MarshalBinary()
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSession).Put(keySession, data)
	})
}

func (c *sessionCache) clear() error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSession).Delete(keySession)
	})
}

func (c *sessionCache) close() error {
	return c.db.Close()
}
