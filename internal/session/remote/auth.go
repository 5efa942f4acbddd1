package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anchorwatch/anchorwatch/internal/session"
)

type tokenResponse struct {
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// credentials returns the cached credentials, loading or signing in on first use.
func (c *Client) credentials(ctx context.Context) (*Credentials, error) {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()
	if creds != nil {
		return creds, nil
	}

	v, err, _ := c.auth.Do("load", func() (any, error) {
		stored, err := c.cfg.Credentials.LoadCredentials(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to load stored credentials")
		}
		if stored != nil && stored.AccessToken != "" {
			c.setCredentials(stored)
			return stored, nil
		}
		return c.signIn(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credentials), nil
}

// renew replaces stale credentials. Concurrent callers share one refresh, and a caller
// holding credentials someone else already replaced gets the new ones directly.
func (c *Client) renew(ctx context.Context, stale *Credentials) (*Credentials, error) {
	v, err, _ := c.auth.Do("renew", func() (any, error) {
		c.mu.Lock()
		current := c.creds
		c.mu.Unlock()

		if current != nil && stale != nil && current.AccessToken != stale.AccessToken {
			return current, nil
		}
		if current != nil && current.RefreshToken != "" {
			fresh, err := c.refresh(ctx, current)
			if err == nil {
				return fresh, nil
			}
			if !errors.Is(err, session.ErrUnauthenticated) {
				return nil, err
			}
			c.logger.Warn().Str("user_id", current.UserID).Msg("refresh token rejected, signing in again")
		}
		return c.signIn(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credentials), nil
}

func (c *Client) signIn(ctx context.Context) (*Credentials, error) {
	creds, err := c.exchange(ctx, "/v1/auth/anonymous", []byte(`{}`))
	if err != nil {
		return nil, fmt.Errorf("anonymous sign-in: %w", err)
	}
	c.logger.Info().Str("user_id", creds.UserID).Msg("signed in anonymously")
	return creds, nil
}

func (c *Client) refresh(ctx context.Context, current *Credentials) (*Credentials, error) {
	body, _ := json.Marshal(map[string]string{"refreshToken": current.RefreshToken})
	creds, err := c.exchange(ctx, "/v1/auth/refresh", body)
	if err != nil {
		return nil, fmt.Errorf("refresh credentials: %w", err)
	}
	c.logger.Debug().Str("user_id", creds.UserID).Msg("credentials refreshed")
	return creds, nil
}

func (c *Client) exchange(ctx context.Context, path string, body []byte) (*Credentials, error) {
	resp, err := c.send(ctx, http.MethodPost, path, body, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.UserID == "" || tr.AccessToken == "" {
		return nil, errors.New("token response missing identity")
	}

	creds := &Credentials{
		UserID:       tr.UserID,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
	c.setCredentials(creds)
	if err := c.cfg.Credentials.SaveCredentials(ctx, creds); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist credentials")
	}
	return creds, nil
}

func (c *Client) setCredentials(creds *Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
}
