package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrCircuitOpen is returned without a network call while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	errThrottled = errors.New("throttled by server")
)

// Config holds configuration for the resilient HTTP client.
type Config struct {
	// Name identifies the endpoint in the breaker and the registry.
	Name string

	// Timeout per attempt. Default: 10 seconds
	Timeout time.Duration

	// MaxRetries after the first attempt. Default: 3
	MaxRetries uint64

	// InitialInterval of the exponential backoff. Default: 100ms
	InitialInterval time.Duration

	// MaxInterval of the exponential backoff. Default: 5 seconds
	MaxInterval time.Duration

	// Breaker settings; DefaultBreakerConfig(Name) when nil.
	Breaker *BreakerConfig

	// Registry, when set, tracks this client's health.
	Registry *Registry

	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// DefaultConfig returns the defaults for name.
func DefaultConfig(name string) Config {
	b := DefaultBreakerConfig(name)
	return Config{
		Name:            name,
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Breaker:         &b,
	}
}

// Client retries transient failures (network errors, 5xx, 429) and fails fast while
// the breaker is open. Other statuses are returned to the caller untouched.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
}

// NewClient creates a client, filling zero fields with defaults.
func NewClient(cfg Config) *Client {
	def := DefaultConfig(cfg.Name)
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Breaker == nil {
		cfg.Breaker = def.Breaker
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		breaker:    newBreaker[*http.Response](*cfg.Breaker), //nolint:bodyclose // type param
	}
	if cfg.Registry != nil {
		cfg.Registry.Register(cfg.Name, c)
	}
	return c
}

// Name returns the client's endpoint name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// HTTPClient exposes the underlying client for protocols that bypass retries, such as
// websocket handshakes.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Do executes req. Requests with a body must set GetBody (http.NewRequest does for
// in-memory readers) so the body can be replayed on retry.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialInterval
	bo.MaxInterval = c.cfg.MaxInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx)

	var last *http.Response
	discard := func() {
		if last != nil {
			_, _ = io.Copy(io.Discard, last.Body)
			_ = last.Body.Close()
			last = nil
		}
	}

	op := func() error {
		attempt := req.Clone(ctx)
		if req.Body != nil && req.Body != http.NoBody {
			if req.GetBody == nil {
				return backoff.Permanent(errors.New("request body is not replayable"))
			}
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(fmt.Errorf("rewind body: %w", err))
			}
			attempt.Body = body
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, err := c.httpClient.Do(attempt)
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= 500 {
				return r, &ServerError{StatusCode: r.StatusCode}
			}
			return r, nil
		})

		discard()
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrCircuitOpen)
			}
			last = resp
			return err
		}
		last = resp
		if resp.StatusCode == http.StatusTooManyRequests {
			return errThrottled
		}
		return nil
	}

	err := backoff.Retry(op, policy)
	c.record(err, last)
	if err != nil && last == nil {
		return nil, err
	}
	return last, nil
}

func (c *Client) record(err error, resp *http.Response) {
	if c.cfg.Registry == nil {
		return
	}
	switch {
	case err != nil:
		c.cfg.Registry.RecordFailure(c.cfg.Name, err)
	case resp != nil && resp.StatusCode >= 500:
		c.cfg.Registry.RecordFailure(c.cfg.Name, &ServerError{StatusCode: resp.StatusCode})
	default:
		c.cfg.Registry.RecordSuccess(c.cfg.Name)
	}
}

// State returns the breaker state.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// Counts returns the breaker counters.
func (c *Client) Counts() gobreaker.Counts {
	return c.breaker.Counts()
}

// ServerError is a 5xx response.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + http.StatusText(e.StatusCode)
}

// WaitRetry is a helper for callers that retry whole operations themselves: it returns
// a context-aware exponential policy bounded by maxElapsed.
func WaitRetry(ctx context.Context, initial, maxInterval, maxElapsed time.Duration) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = maxInterval
	bo.MaxElapsedTime = maxElapsed
	return backoff.WithContext(bo, ctx)
}
