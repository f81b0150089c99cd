package config

import (
	"fmt"
	"os"
)

const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

type Config struct {
	Mode             string
	BackendURL       string
	AnonKey          string
	AuthSecret       string
	LocalDBFile      string
	SessionCacheFile string
	AvatarBucket     string
	VAPIDPublicKey   string
	VAPIDPrivateKey  string
	PushContact      string
}

func Load() (*Config, error) {
	cfg := &Config{
		Mode:             getEnv("BOLTALKA_MODE", ModeLocal),
		BackendURL:       os.Getenv("BACKEND_URL"),
		AnonKey:          os.Getenv("ANON_KEY"),
		AuthSecret:       os.Getenv("BOLTALKA_SECRET"),
		LocalDBFile:      getEnv("BOLTALKA_DB", "boltalka.db"),
		SessionCacheFile: getEnv("SESSION_CACHE", "session.db"),
		AvatarBucket:     getEnv("AVATAR_BUCKET", "avatars"),
		VAPIDPublicKey:   os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:  os.Getenv("VAPID_PRIVATE_KEY"),
		PushContact:      getEnv("PUSH_CONTACT", "mailto:admin@localhost"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLocal:
		if c.LocalDBFile == "" {
			return fmt.Errorf("BOLTALKA_DB is required in local mode")
		}
		if c.AuthSecret == "" {
			return fmt.Errorf("BOLTALKA_SECRET is required in local mode")
		}
	case ModeRemote:
		if c.BackendURL == "" {
			return fmt.Errorf("BACKEND_URL is required in remote mode")
		}
		if c.AnonKey == "" {
			return fmt.Errorf("ANON_KEY is required in remote mode")
		}
	default:
		return fmt.Errorf("unknown mode %q (expected %q or %q)", c.Mode, ModeLocal, ModeRemote)
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID keys must be set together")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
