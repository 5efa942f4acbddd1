// Package remote is the device-side session.Store backed by the session API. Requests
// go through the resilience client; realtime watches use websockets. Every caller is
// an anonymous identity whose stale credentials are refreshed and retried a bounded
// number of times.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/anchorwatch/anchorwatch/internal/resilience"
	"github.com/anchorwatch/anchorwatch/internal/session"
)

// Config configures a Client.
type Config struct {
	// BaseURL of the session API, e.g. https://sessions.example.com.
	BaseURL string

	HTTP        *resilience.Client
	Credentials CredentialStore
	Logger      zerolog.Logger

	// MaxAuthAttempts bounds how many times a request is sent when the server reports
	// stale credentials. Default: 3
	MaxAuthAttempts uint64

	// ReconnectMaxElapsed bounds how long a dropped watch keeps reconnecting before its
	// channel is closed. Default: 2 minutes
	ReconnectMaxElapsed time.Duration

	// PingWait is how long a watch tolerates silence from the server. Default: 75 seconds
	PingWait time.Duration
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	attempts, _ := strconv.ParseUint(getEnvOrDefault("SESSION_API_AUTH_ATTEMPTS", "3"), 10, 64)
	return Config{
		BaseURL:         getEnvOrDefault("SESSION_API_URL", "http://localhost:8080"),
		MaxAuthAttempts: attempts,
	}
}

// Client implements session.Store over HTTP.
type Client struct {
	cfg    Config
	base   *url.URL
	logger zerolog.Logger

	mu    sync.Mutex
	creds *Credentials
	auth  singleflight.Group
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid session API url %q", cfg.BaseURL)
	}
	if cfg.HTTP == nil {
		cfg.HTTP = resilience.NewClient(resilience.DefaultConfig("session-api"))
	}
	if cfg.Credentials == nil {
		cfg.Credentials = &MemoryCredentials{}
	}
	if cfg.MaxAuthAttempts == 0 {
		cfg.MaxAuthAttempts = 3
	}
	if cfg.ReconnectMaxElapsed == 0 {
		cfg.ReconnectMaxElapsed = 2 * time.Minute
	}
	if cfg.PingWait == 0 {
		cfg.PingWait = 75 * time.Second
	}
	return &Client{
		cfg:    cfg,
		base:   base,
		logger: cfg.Logger.With().Str("component", "session_client").Logger(),
	}, nil
}

// UserID returns the caller's identity, signing in anonymously if needed.
func (c *Client) UserID(ctx context.Context) (string, error) {
	creds, err := c.credentials(ctx)
	if err != nil {
		return "", err
	}
	return creds.UserID, nil
}

// Create stores a new session owned by the caller.
func (c *Client) Create(ctx context.Context, s *session.Session) error {
	if !session.ValidToken(s.Token) {
		return session.ErrInvalidToken
	}
	body, err := session.Encode(s)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, http.MethodPost, "/v1/sessions", body)
	return err
}

// Get reads and validates a session document.
func (c *Client) Get(ctx context.Context, token string) (*session.Session, error) {
	if !session.ValidToken(token) {
		return nil, session.ErrInvalidToken
	}
	raw, err := c.call(ctx, http.MethodGet, "/v1/sessions/"+token, nil)
	if err != nil {
		return nil, err
	}
	return session.Decode(token, raw)
}

// Probe checks read access without transferring the document.
func (c *Client) Probe(ctx context.Context, token string) error {
	if !session.ValidToken(token) {
		return session.ErrInvalidToken
	}
	_, err := c.call(ctx, http.MethodHead, "/v1/sessions/"+token, nil)
	return err
}

// Update sends a partial update. Nil values clear fields.
func (c *Client) Update(ctx context.Context, token string, fields session.Fields) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrInvalidUpdate, err)
	}
	_, err = c.call(ctx, http.MethodPatch, "/v1/sessions/"+token, body)
	return err
}

// AddDevice appends the caller's device.
func (c *Client) AddDevice(ctx context.Context, token string, d session.Device) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, http.MethodPost, "/v1/sessions/"+token+"/devices", body)
	return err
}

// Delete removes a session the caller owns.
func (c *Client) Delete(ctx context.Context, token string) error {
	_, err := c.call(ctx, http.MethodDelete, "/v1/sessions/"+token, nil)
	return err
}

type ownerBody struct {
	Token string `json:"token"`
}

// SetOwnerSession records the caller's owned session. The server derives the owner
// from the credentials, so ownerID is informational.
func (c *Client) SetOwnerSession(ctx context.Context, _ string, token string) error {
	if token == "" {
		_, err := c.call(ctx, http.MethodDelete, "/v1/owners/me", nil)
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return err
	}
	body, _ := json.Marshal(ownerBody{Token: token})
	_, err := c.call(ctx, http.MethodPut, "/v1/owners/me", body)
	return err
}

// OwnerSession returns the caller's owned session token.
func (c *Client) OwnerSession(ctx context.Context, _ string) (string, error) {
	raw, err := c.call(ctx, http.MethodGet, "/v1/owners/me", nil)
	if err != nil {
		return "", err
	}
	var out ownerBody
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode owner index: %w", err)
	}
	if out.Token == "" {
		return "", session.ErrNotFound
	}
	return out.Token, nil
}

// ListExpired lists the caller's sessions that expired at or before now.
func (c *Client) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	q := url.Values{}
	q.Set("before", now.UTC().Format(time.RFC3339Nano))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	raw, err := c.call(ctx, http.MethodGet, "/v1/sessions/expired?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tokens []string `json:"tokens"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode expired sessions: %w", err)
	}
	return out.Tokens, nil
}

// call performs an authenticated request and returns the response body. A 401 renews
// the credentials and resends, at most MaxAuthAttempts sends in total.
func (c *Client) call(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	creds, err := c.credentials(ctx)
	if err != nil {
		return nil, err
	}

	var out []byte
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, c.cfg.MaxAuthAttempts-1), ctx)
	op := func() error {
		resp, err := c.send(ctx, method, path, body, creds.AccessToken)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			_, _ = io.Copy(io.Discard, resp.Body)
			fresh, err := c.renew(ctx, creds)
			if err != nil {
				return backoff.Permanent(err)
			}
			creds = fresh
			return session.ErrUnauthenticated
		}
		if err := statusError(resp); err != nil {
			return backoff.Permanent(err)
		}
		out, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read response: %w", err))
		}
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, accessToken string) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	resp, err := c.cfg.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// statusError maps a non-2xx response to a session sentinel.
func statusError(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}

	var p problem
	if resp.Request == nil || resp.Request.Method != http.MethodHead {
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&p)
	}
	detail := p.Detail
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusBadRequest:
		sentinel = session.ErrInvalidUpdate
	case http.StatusUnprocessableEntity:
		sentinel = session.ErrCorrupted
	case http.StatusUnauthorized:
		sentinel = session.ErrUnauthenticated
	case http.StatusForbidden:
		sentinel = session.ErrPermissionDenied
	case http.StatusNotFound, http.StatusGone:
		sentinel = session.ErrNotFound
	case http.StatusConflict:
		sentinel = session.ErrAlreadyExists
	case http.StatusTooManyRequests:
		sentinel = session.ErrRateLimited
	default:
		return fmt.Errorf("session API: status %d: %s", resp.StatusCode, detail)
	}
	return fmt.Errorf("%w: %s", sentinel, detail)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var _ session.Store = (*Client)(nil)
