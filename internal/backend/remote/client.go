// Package remote is the client SDK for the hosted backend: row
// queries over its REST surface, email/password auth with JWT access
// tokens, a websocket realtime change-feed multiplexer and bucket
// object storage. The session is persisted in a small bbolt cache so
// it survives restarts.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"boltalka/internal/backend"
	"boltalka/internal/models"
)

type Config struct {
	BaseURL string
	AnonKey string

	// SessionCachePath enables persisted sessions. Empty disables the
	// cache; the session then lives only for the process lifetime.
	SessionCachePath string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base URL is required")
	}
	if c.AnonKey == "" {
		return errors.New("anon key is required")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Client implements backend.Backend against the hosted service.
type Client struct {
	baseURL string
	anonKey string
	http    *http.Client
	log     *slog.Logger
	cache   *sessionCache

	mu       sync.Mutex
	session  *models.Session
	restored bool
	changes  chan backend.SessionChange
	closed   bool

	rtMu sync.Mutex
	rt   *realtimeConn

	now func() time.Time
}

var _ backend.Backend = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		anonKey: cfg.AnonKey,
		http:    cfg.HTTPClient,
		log:     cfg.Logger,
		changes: make(chan backend.SessionChange, 16),
		now:     time.Now,
	}

	if cfg.SessionCachePath != "" {
		cache, err := openSessionCache(cfg.SessionCachePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open session cache: %w", err)
		}
		c.cache = cache
	}

	return c, nil
}

func (c *Client) Close() error {
	c.rtMu.Lock()
	if c.rt != nil {
		c.rt.close()
		c.rt = nil
	}
	c.rtMu.Unlock()

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.changes)
	}
	c.mu.Unlock()

	if c.cache != nil {
		return c.cache.close()
	}
	return nil
}

// doJSON issues an authenticated request and decodes the response
// into out (skipped when out is nil). Transport failures map to
// models.ErrNetwork, HTTP errors to the sentinel taxonomy.
func (c *Client) doJSON(ctx context.Context, method, rawURL string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.bearer())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session.AccessToken
	}
	return c.anonKey
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))

	var kind error
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = models.ErrAuth
	case http.StatusNotFound, http.StatusNotAcceptable:
		kind = models.ErrNotFound
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		kind = models.ErrValidation
	default:
		kind = models.ErrNetwork
	}
	return fmt.Errorf("%w: %s (%s)", kind, resp.Status, msg)
}

func (c *Client) restURL(table string, query url.Values) string {
	u := c.baseURL + "/rest/v1/" + table
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) restSelect(ctx context.Context, table string, query url.Values, out any) error {
	return c.doJSON(ctx, http.MethodGet, c.restURL(table, query), nil, nil, out)
}

func (c *Client) restInsert(ctx context.Context, table string, query url.Values, body, out any) error {
	header := http.Header{}
	prefer := "return=minimal"
	if out != nil {
		prefer = "return=representation"
	}
	if query.Has("on_conflict") {
		prefer += ",resolution=merge-duplicates"
	}
	header.Set("Prefer", prefer)
	return c.doJSON(ctx, http.MethodPost, c.restURL(table, query), header, body, out)
}

func (c *Client) restUpdate(ctx context.Context, table string, query url.Values, body any) error {
	return c.doJSON(ctx, http.MethodPatch, c.restURL(table, query), nil, body, nil)
}
