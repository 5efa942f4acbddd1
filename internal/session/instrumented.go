package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/anchorwatch/anchorwatch/internal/session"

// InstrumentedStore logs every write with its duration and outcome and records metrics.
// Reads and watches pass through.
type InstrumentedStore struct {
	Store

	logger        zerolog.Logger
	writeDuration metric.Float64Histogram
	writeTotal    metric.Int64Counter
}

// NewInstrumentedStore wraps next.
func NewInstrumentedStore(next Store, logger zerolog.Logger) (*InstrumentedStore, error) {
	meter := otel.Meter(meterName)

	writeDuration, err := meter.Float64Histogram(
		"session.store.write.duration",
		metric.WithDescription("Duration of session store writes in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	writeTotal, err := meter.Int64Counter(
		"session.store.write.total",
		metric.WithDescription("Total number of session store writes"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStore{
		Store:         next,
		logger:        logger.With().Str("component", "session_store").Logger(),
		writeDuration: writeDuration,
		writeTotal:    writeTotal,
	}, nil
}

// Create records and forwards.
func (s *InstrumentedStore) Create(ctx context.Context, sess *Session) error {
	start := time.Now()
	err := s.Store.Create(ctx, sess)
	s.record(ctx, "create", sess.Token, nil, start, err)
	return err
}

// Update records and forwards.
func (s *InstrumentedStore) Update(ctx context.Context, token string, fields Fields) error {
	start := time.Now()
	err := s.Store.Update(ctx, token, fields)
	s.record(ctx, "update", token, fields.Keys(), start, err)
	return err
}

// AddDevice records and forwards.
func (s *InstrumentedStore) AddDevice(ctx context.Context, token string, d Device) error {
	start := time.Now()
	err := s.Store.AddDevice(ctx, token, d)
	s.record(ctx, "add_device", token, nil, start, err)
	return err
}

// Delete records and forwards.
func (s *InstrumentedStore) Delete(ctx context.Context, token string) error {
	start := time.Now()
	err := s.Store.Delete(ctx, token)
	s.record(ctx, "delete", token, nil, start, err)
	return err
}

// SetOwnerSession records and forwards.
func (s *InstrumentedStore) SetOwnerSession(ctx context.Context, ownerID, token string) error {
	start := time.Now()
	err := s.Store.SetOwnerSession(ctx, ownerID, token)
	s.record(ctx, "set_owner", token, nil, start, err)
	return err
}

func (s *InstrumentedStore) record(ctx context.Context, op, token string, fields []string, start time.Time, err error) {
	duration := time.Since(start)

	attrs := []attribute.KeyValue{attribute.String("session.operation", op)}
	if err != nil {
		attrs = append(attrs, attribute.Bool("error", true))
	}
	// Metrics must not be dropped because the caller's context was cancelled.
	mctx := context.WithoutCancel(ctx)
	s.writeDuration.Record(mctx, duration.Seconds(), metric.WithAttributes(attrs...))
	s.writeTotal.Add(mctx, 1, metric.WithAttributes(attrs...))

	var ev *zerolog.Event
	if err != nil {
		ev = s.logger.Warn().Err(err)
	} else {
		ev = s.logger.Debug()
	}
	ev = ev.Str("op", op).Str("token", Redact(token)).Dur("duration", duration)
	if len(fields) > 0 {
		ev = ev.Strs("fields", fields)
	}
	ev.Msg("session store write")
}

var _ Store = (*InstrumentedStore)(nil)
