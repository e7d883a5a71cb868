package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/constelar/constelar/internal/airquality"
)

// Job types carried in messages.
const (
	JobPrefetch     = "prefetch"
	JobCacheCleanup = "cache_cleanup"
	JobHealthCheck  = "health_check"
)

// ErrMalformedMessage marks payloads that cannot be decoded.
var ErrMalformedMessage = errors.New("malformed message")

// JobMessage is a worker job request.
type JobMessage struct {
	JobType   string `json:"job_type"`
	Pollutant string `json:"pollutant,omitempty"`
	BBox      string `json:"bbox,omitempty"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
}

// Dispatcher routes job messages to the prefetch job and cache janitor.
type Dispatcher struct {
	prefetch *PrefetchJob
	cache    Cleaner
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher. Either dependency may be nil, in
// which case its jobs fail.
func NewDispatcher(prefetch *PrefetchJob, cache Cleaner, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{prefetch: prefetch, cache: cache, logger: logger}
}

// Dispatch runs the job in data. It reports whether the message should be
// acknowledged: unknown job types are acked, malformed payloads and failed
// jobs are not.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte) (bool, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var err error
	switch msg.JobType {
	case JobPrefetch:
		err = d.handlePrefetch(ctx, msg)
	case JobCacheCleanup:
		err = d.handleCleanup()
	case JobHealthCheck:
		err = d.handleHealthCheck(ctx)
	default:
		d.logger.Warn().Str("job_type", msg.JobType).Msg("unknown job type")
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Dispatcher) handlePrefetch(ctx context.Context, msg JobMessage) error {
	if d.prefetch == nil {
		return errors.New("prefetch is not configured")
	}

	// A message without a region runs the configured targets.
	if msg.Pollutant == "" && msg.BBox == "" {
		result := d.prefetch.Run(ctx)
		if result.Failed > result.Succeeded {
			return fmt.Errorf("too many prefetch failures: %d/%d", result.Failed, result.Targets)
		}
		return nil
	}

	q := airquality.Query{Pollutant: msg.Pollutant, BBox: msg.BBox}
	if msg.Start != "" {
		ts, ok := airquality.ParseTimestamp(msg.Start)
		if !ok {
			return fmt.Errorf("%w: start %q", ErrMalformedMessage, msg.Start)
		}
		q.Start = &ts
	}
	if msg.End != "" {
		ts, ok := airquality.ParseTimestamp(msg.End)
		if !ok {
			return fmt.Errorf("%w: end %q", ErrMalformedMessage, msg.End)
		}
		q.End = &ts
	}

	files, err := d.prefetch.Prefetch(ctx, q)
	if err != nil {
		return err
	}
	d.logger.Info().
		Str("pollutant", msg.Pollutant).
		Str("bbox", msg.BBox).
		Int("files", files).
		Msg("prefetch completed")
	return nil
}

func (d *Dispatcher) handleCleanup() error {
	if d.cache == nil {
		return errors.New("cache is not configured")
	}
	d.cache.Cleanup()
	return nil
}

func (d *Dispatcher) handleHealthCheck(ctx context.Context) error {
	if d.prefetch == nil {
		return errors.New("prefetch is not configured")
	}
	targets := d.prefetch.config.Targets
	if len(targets) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	result := d.prefetch.RunTargets(ctx, targets[:1])
	if result.Failed > 0 {
		return fmt.Errorf("health check failed: %s", result.Errors[0].Error)
	}
	d.logger.Debug().Msg("health check passed")
	return nil
}

// PubSubHandler receives job messages from a Pub/Sub subscription.
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

	// Downloads are large; keep few messages in flight.
	subscriber.ReceiveSettings.MaxOutstandingMessages = 4
	subscriber.ReceiveSettings.MaxExtension = 30 * time.Minute

	return &PubSubHandler{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		dispatcher:       cfg.Dispatcher,
		logger:           cfg.Logger,
	}, nil
}

// Start begins processing Pub/Sub messages. It blocks until ctx is done.
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

	ack, err := h.dispatcher.Dispatch(ctx, msg.Data)
	if err != nil {
		logger.Error().Err(err).Msg("job failed")
	}
	if !ack {
		msg.Nack()
		return
	}

	logger.Info().Dur("duration", time.Since(startTime)).Msg("job completed")
	msg.Ack()
}
