package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
	"github.com/anchorwatch/anchorwatch/internal/monitor"
	"github.com/anchorwatch/anchorwatch/internal/pairing"
	"github.com/anchorwatch/anchorwatch/internal/session/remote"
	"github.com/anchorwatch/anchorwatch/internal/settings"
)

// Record keys.
const (
	KeyAnchor      = "anchor"
	KeyPairing     = "pairing_state"
	KeyCredentials = "credentials"
	KeySettings    = "settings"
)

// Records stores the typed device records on top of a KV.
type Records struct {
	kv KV
}

// NewRecords wraps kv.
func NewRecords(kv KV) *Records {
	return &Records{kv: kv}
}

// load decodes the record at key into v and reports whether it was present.
func (r *Records) load(ctx context.Context, key string, v any) (bool, error) {
	raw, err := r.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (r *Records) save(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.kv.Set(ctx, key, raw)
}

// LoadAnchor returns the saved anchor, or nil when none is saved.
func (r *Records) LoadAnchor(ctx context.Context) (*anchor.Anchor, error) {
	var a anchor.Anchor
	ok, err := r.load(ctx, KeyAnchor, &a)
	if err != nil || !ok {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyAnchor, err)
	}
	return &a, nil
}

// SaveAnchor saves a, or clears the saved anchor when a is nil.
func (r *Records) SaveAnchor(ctx context.Context, a *anchor.Anchor) error {
	if a == nil {
		return r.kv.Delete(ctx, KeyAnchor)
	}
	return r.save(ctx, KeyAnchor, a)
}

// LoadPairingState returns the saved pairing state, or nil.
func (r *Records) LoadPairingState(ctx context.Context) (*pairing.State, error) {
	var s pairing.State
	ok, err := r.load(ctx, KeyPairing, &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

// SavePairingState saves s.
func (r *Records) SavePairingState(ctx context.Context, s pairing.State) error {
	return r.save(ctx, KeyPairing, s)
}

// LoadCredentials returns the saved session API credentials, or nil.
func (r *Records) LoadCredentials(ctx context.Context) (*remote.Credentials, error) {
	var c remote.Credentials
	ok, err := r.load(ctx, KeyCredentials, &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// SaveCredentials saves c, or clears the credentials when c is nil.
func (r *Records) SaveCredentials(ctx context.Context, c *remote.Credentials) error {
	if c == nil {
		return r.kv.Delete(ctx, KeyCredentials)
	}
	return r.save(ctx, KeyCredentials, c)
}

// Load returns the saved settings or settings.ErrNotFound.
func (r *Records) Load(ctx context.Context) (*settings.Settings, error) {
	var s settings.Settings
	ok, err := r.load(ctx, KeySettings, &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, settings.ErrNotFound
	}
	return &s, nil
}

// Save saves s.
func (r *Records) Save(ctx context.Context, s *settings.Settings) error {
	return r.save(ctx, KeySettings, s)
}

var (
	_ monitor.AnchorStore    = (*Records)(nil)
	_ pairing.StateStore     = (*Records)(nil)
	_ remote.CredentialStore = (*Records)(nil)
	_ settings.Repository    = (*Records)(nil)
)
