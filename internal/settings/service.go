package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ServiceConfig holds configuration for the settings service.
type ServiceConfig struct {
	Repository Repository
	Logger     zerolog.Logger
	Defaults   *Settings
}

// Service holds the current settings in memory, falling back to defaults when storage fails.
type Service struct {
	repo     Repository
	logger   zerolog.Logger
	defaults Settings

	mu      sync.RWMutex
	current Settings
}

// NewService creates a settings service initialised with the defaults. Call Load to read storage.
func NewService(cfg ServiceConfig) *Service {
	defaults := Default()
	if cfg.Defaults != nil {
		defaults = cfg.Defaults.Normalize()
	}
	return &Service{
		repo:     cfg.Repository,
		logger:   cfg.Logger.With().Str("component", "settings").Logger(),
		defaults: defaults,
		current:  defaults,
	}
}

// Load reads stored settings. Missing or unreadable settings leave the defaults in place.
func (s *Service) Load(ctx context.Context) Settings {
	if s.repo == nil {
		return s.Current()
	}

	stored, err := s.repo.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn().Err(err).Msg("failed to load settings, using defaults")
		}
		return s.Current()
	}

	normalized := stored.Normalize()
	s.mu.Lock()
	s.current = normalized
	s.mu.Unlock()
	return normalized
}

// Current returns the in-memory settings.
func (s *Service) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies fn to a copy of the current settings, normalizes, persists and swaps it in.
// The in-memory value is only replaced when persistence succeeds.
func (s *Service) Update(ctx context.Context, fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	fn(&next)
	next = next.Normalize()

	if s.repo != nil {
		if err := s.repo.Save(ctx, &next); err != nil {
			return s.current, fmt.Errorf("saving settings: %w", err)
		}
	}
	s.current = next
	s.logger.Info().
		Float64("sensitivity", next.Sensitivity).
		Dur("position_sync_interval", next.PositionSyncInterval).
		Msg("settings updated")
	return next, nil
}

// Reset restores the defaults.
func (s *Service) Reset(ctx context.Context) (Settings, error) {
	return s.Update(ctx, func(cur *Settings) { *cur = s.defaults })
}

var _ Source = (*Service)(nil)
