// Package workers holds the queue consumers of the pipeline: ingestion,
// metadata scan and the rescan commander, plus the runtime that subscribes
// them on every broker connect and settles each message from the error its
// handler returned.
package workers

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"shpotify/internal/broker"
	"shpotify/internal/jobs"
	"shpotify/internal/locks"
	"shpotify/internal/logging"
	"shpotify/internal/metrics"
	"shpotify/internal/probe"
	"shpotify/internal/store"
	"shpotify/internal/tracing"
)

// Broker is what the workers need from the broker connection manager
type Broker interface {
	Publisher
	Subscribe(ctx context.Context, queue string, handler broker.Handler) error
	Ack(d *broker.Delivery) error
	Nack(d *broker.Delivery, requeue bool) error
	Retry(ctx context.Context, d *broker.Delivery, maxAttempts int, reason error) (broker.RetryOutcome, error)
}

// Publisher publishes a message body to a queue
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Job handles the messages of one queue. A nil error means the message is done.
type Job interface {
	Queue() string
	JobType() string
	Handle(ctx context.Context, d *broker.Delivery) error
}

// Disposition is how a handled message gets settled
type Disposition int

const (
	// DispositionAck acknowledges the message
	DispositionAck Disposition = iota
	// DispositionDrop nacks without requeue; the message can never succeed
	DispositionDrop
	// DispositionRetry schedules another bounded attempt
	DispositionRetry
	// DispositionRequeue nacks with requeue without counting an attempt
	DispositionRequeue
)

// Classify maps a handler error to a disposition
func Classify(err error) Disposition {
	switch {
	case err == nil:
		return DispositionAck
	case errors.Is(err, store.ErrDuplicateSource):
		return DispositionAck
	case errors.Is(err, jobs.ErrInvalidPayload),
		errors.Is(err, store.ErrSourceNotFound),
		errors.Is(err, store.ErrCorruptRow),
		errors.Is(err, probe.ErrInvalidProbeData):
		return DispositionDrop
	case errors.Is(err, locks.ErrLockTimeout),
		errors.Is(err, context.Canceled):
		return DispositionRequeue
	default:
		return DispositionRetry
	}
}

// Consumer runs one Job against the broker. It resubscribes on every connect.
type Consumer struct {
	broker      Broker
	job         Job
	maxAttempts int
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// NewConsumer creates a consumer for job
func NewConsumer(b Broker, job Job, maxAttempts int, logger zerolog.Logger, m *metrics.Metrics) *Consumer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Consumer{
		broker:      b,
		job:         job,
		maxAttempts: maxAttempts,
		logger: logger.With().
			Str("module", "workers").
			Str("queue", job.Queue()).
			Str("job_type", job.JobType()).
			Logger(),
		metrics: m,
	}
}

// BrokerConnected subscribes the job's queue
func (c *Consumer) BrokerConnected(ctx context.Context) {
	if err := c.broker.Subscribe(ctx, c.job.Queue(), c.Handle); err != nil {
		c.logger.Error().Err(err).Msg("Subscribe failed; will retry on next connect")
	}
}

// BrokerDisconnected logs the lost subscription
func (c *Consumer) BrokerDisconnected(err error) {
	c.logger.Warn().Err(err).Msg("Subscription lost with broker connection")
}

// Handle runs the job for one delivery and settles it
func (c *Consumer) Handle(ctx context.Context, d *broker.Delivery) {
	start := time.Now()

	ctx, span := tracing.WithTracingContext(ctx, "job."+c.job.JobType(),
		tracing.JobProcessingTracingAttrs(d.MessageID, d.Queue, c.job.JobType(), d.Attempt)...)
	defer span.End()

	log := logging.ApplyContext(c.logger, logging.LogContext{
		Attempt:   d.Attempt,
		MessageID: d.MessageID,
	})
	ctx = log.WithContext(ctx)

	err := c.job.Handle(ctx, d)
	tracing.SetSpanError(ctx, err)

	outcome := c.settle(ctx, d, err, log)
	duration := time.Since(start)
	c.metrics.ObserveJob(d.Queue, c.job.JobType(), outcome, duration)
	logging.LogJobProcessing(log, outcome, duration, err)
}

func (c *Consumer) settle(ctx context.Context, d *broker.Delivery, err error, log zerolog.Logger) string {
	var (
		outcome   string
		settleErr error
	)
	switch Classify(err) {
	case DispositionAck:
		outcome = "ack"
		if err != nil {
			outcome = "duplicate"
		}
		settleErr = c.broker.Ack(d)
	case DispositionDrop:
		outcome = "dropped"
		settleErr = c.broker.Nack(d, false)
	case DispositionRequeue:
		outcome = "requeued"
		settleErr = c.broker.Nack(d, true)
	case DispositionRetry:
		var result broker.RetryOutcome
		result, settleErr = c.broker.Retry(context.WithoutCancel(ctx), d, c.maxAttempts, err)
		outcome = string(result)
	}
	tracing.AddEvent(ctx, "settled", attribute.String("outcome", outcome))
	if settleErr != nil {
		// The delivery stays with the broker and comes back after reconnect
		log.Error().Err(settleErr).Str("outcome", outcome).Msg("Failed to settle message")
	}
	return outcome
}
