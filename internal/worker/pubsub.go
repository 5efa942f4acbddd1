package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// Job types accepted on the worker subscription.
const (
	JobSessionCleanup = "session_cleanup"
	JobHealthCheck    = "health_check"
)

var (
	// ErrUnknownJob is returned for a message whose job_type is not handled. Such
	// messages are acked so they are not redelivered.
	ErrUnknownJob = errors.New("unknown job type")

	// ErrMalformedJob is returned for a message that is not a job document.
	ErrMalformedJob = errors.New("malformed job message")
)

// JobMessage represents a worker job message.
type JobMessage struct {
	JobType string `json:"job_type"`
	// Limit overrides the cleanup batch size when positive.
	Limit int `json:"limit,omitempty"`
}

// Dispatcher routes decoded job messages to the cleanup job.
type Dispatcher struct {
	cleanup *CleanupJob
	logger  zerolog.Logger
}

// NewDispatcher creates a dispatcher for job.
func NewDispatcher(job *CleanupJob, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{cleanup: job, logger: logger}
}

// Dispatch decodes data and runs the job it names. It returns the job type.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte) (string, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}

	switch msg.JobType {
	case JobSessionCleanup:
		result := d.cleanup.Run(ctx, msg.Limit)
		if result.Err != nil {
			return msg.JobType, fmt.Errorf("session cleanup: %w", result.Err)
		}
		return msg.JobType, nil
	case JobHealthCheck:
		d.logger.Debug().Msg("running health check")
		if err := d.cleanup.Ping(ctx); err != nil {
			return msg.JobType, fmt.Errorf("health check: %w", err)
		}
		return msg.JobType, nil
	default:
		return msg.JobType, ErrUnknownJob
	}
}

// PubSubHandler handles Pub/Sub messages for the worker.
type PubSubHandler struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	dispatcher       *Dispatcher
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Pub/Sub handler.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	Dispatcher       *Dispatcher
	Logger           zerolog.Logger
}

// NewPubSubHandler creates a new Pub/Sub handler.
func NewPubSubHandler(ctx context.Context, cfg PubSubConfig) (*PubSubHandler, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)

	// Cleanup runs are serialized per instance.
	subscriber.ReceiveSettings.MaxOutstandingMessages = 1
	subscriber.ReceiveSettings.MaxExtension = 10 * time.Minute

	return &PubSubHandler{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		dispatcher:       cfg.Dispatcher,
		logger:           cfg.Logger,
	}, nil
}

// Start begins processing Pub/Sub messages.
func (h *PubSubHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("subscription", h.subscriptionName).
		Msg("starting pubsub handler")

	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		h.handleMessage(ctx, msg)
	})
}

// Close closes the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	return h.client.Close()
}

func (h *PubSubHandler) handleMessage(ctx context.Context, msg *pubsub.Message) {
	startTime := time.Now()

	logger := h.logger.With().
		Str("message_id", msg.ID).
		Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
		Logger()

	logger.Debug().Msg("received pubsub message")

	jobType, err := h.dispatcher.Dispatch(ctx, msg.Data)
	switch {
	case errors.Is(err, ErrUnknownJob):
		logger.Warn().Str("job_type", jobType).Msg("unknown job type")
		msg.Ack()
		return
	case errors.Is(err, ErrMalformedJob):
		logger.Error().Err(err).Msg("failed to parse message")
		msg.Nack()
		return
	case err != nil:
		logger.Error().Err(err).Str("job_type", jobType).Msg("job failed")
		msg.Nack()
		return
	}

	logger.Info().
		Str("job_type", jobType).
		Dur("duration", time.Since(startTime)).
		Msg("job completed successfully")

	msg.Ack()
}
