// Package gps is the device location layer: the Provider contract, the foreground
// Tracker that feeds the monitoring coordinator, and a simulated provider.
package gps

import (
	"context"
	"errors"
	"time"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
)

// Location errors.
var (
	ErrServiceDisabled  = errors.New("location services are disabled")
	ErrPermissionDenied = errors.New("location permission denied")
	ErrNoFix            = errors.New("no position available")
)

// Accuracy is the precision hint passed to a position stream.
type Accuracy int

const (
	AccuracyHigh Accuracy = iota
	AccuracyBalanced
	AccuracyLow
)

func (a Accuracy) String() string {
	switch a {
	case AccuracyBalanced:
		return "balanced"
	case AccuracyLow:
		return "low"
	default:
		return "high"
	}
}

// Provider is a device location source.
type Provider interface {
	ServiceEnabled(ctx context.Context) bool
	HasPermission(ctx context.Context) bool
	RequestPermission(ctx context.Context) (bool, error)
	// CurrentPosition returns a one-shot fix.
	CurrentPosition(ctx context.Context) (anchor.Position, error)
	// Stream delivers samples about every interval until ctx ends. The channel is
	// closed when ctx ends or the provider loses the stream.
	Stream(ctx context.Context, interval time.Duration, accuracy Accuracy) (<-chan anchor.Position, error)
}

// CheckAvailable reports why p cannot deliver positions, requesting permission if needed.
func CheckAvailable(ctx context.Context, p Provider) error {
	if !p.ServiceEnabled(ctx) {
		return ErrServiceDisabled
	}
	if p.HasPermission(ctx) {
		return nil
	}
	granted, err := p.RequestPermission(ctx)
	if err != nil {
		return errors.Join(ErrPermissionDenied, err)
	}
	if !granted {
		return ErrPermissionDenied
	}
	return nil
}
