package workers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"shpotify/internal/broker"
	"shpotify/internal/config"
	"shpotify/internal/jobs"
	"shpotify/internal/metrics"
)

// SourceIDs walks every source file id
type SourceIDs interface {
	EachSourceFileID(ctx context.Context, batchSize int, fn func(id int64) error) error
}

// RescanCommander executes administrative commands from the misc queue
type RescanCommander struct {
	sources   SourceIDs
	publisher Publisher
	queues    config.QueueConfig
	batchSize int
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
}

// NewRescanCommander creates the commander. A publishRate of zero publishes as fast as the broker accepts.
func NewRescanCommander(sources SourceIDs, pub Publisher, queues config.QueueConfig, cfg config.RescanConfig, m *metrics.Metrics) *RescanCommander {
	var limiter *rate.Limiter
	if cfg.PublishRate > 0 {
		burst := int(cfg.PublishRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), burst)
	}
	return &RescanCommander{
		sources:   sources,
		publisher: pub,
		queues:    queues,
		batchSize: cfg.BatchSize,
		limiter:   limiter,
		metrics:   m,
	}
}

func (r *RescanCommander) Queue() string   { return r.queues.Misc }
func (r *RescanCommander) JobType() string { return jobs.TypeMiscCommand }

func (r *RescanCommander) Handle(ctx context.Context, d *broker.Delivery) error {
	cmd, err := jobs.ParseMiscCommand(d.Body)
	if err != nil {
		return err
	}

	switch cmd {
	case jobs.RescanAllMeta:
		n, err := r.RescanAll(ctx)
		r.metrics.RescanRun("command", err == nil)
		if err != nil {
			return fmt.Errorf("rescan stopped after %d scan jobs: %w", n, err)
		}
		zerolog.Ctx(ctx).Info().Int("published", n).Msg("Rescan of all sources issued")
		return nil
	default:
		return fmt.Errorf("%w: unhandled command %q", jobs.ErrInvalidPayload, cmd)
	}
}

// RescanAll publishes one scan job per source file and returns how many
// were published. A partial run is safe to repeat.
func (r *RescanCommander) RescanAll(ctx context.Context) (int, error) {
	published := 0
	err := r.sources.EachSourceFileID(ctx, r.batchSize, func(id int64) error {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		body, err := jobs.Encode(jobs.SongScanJob{SourceID: id})
		if err != nil {
			return err
		}
		if err := r.publisher.Publish(ctx, r.queues.ScanJobs, body); err != nil {
			return fmt.Errorf("publish scan job for source %d: %w", id, err)
		}
		published++
		return nil
	})
	r.metrics.RescanPublished(published)
	return published, err
}
