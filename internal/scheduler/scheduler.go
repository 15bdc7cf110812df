// Package scheduler publishes periodic commands to the broker
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"shpotify/internal/jobs"
	"shpotify/internal/metrics"
)

// Publisher publishes a message body to a queue
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// RescanScheduler publishes the rescan_all_meta command on a cron schedule
type RescanScheduler struct {
	cron      *cron.Cron
	publisher Publisher
	queue     string
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// NewRescanScheduler creates a scheduler publishing to queue. It does nothing until Start.
func NewRescanScheduler(pub Publisher, queue string, logger zerolog.Logger, m *metrics.Metrics) *RescanScheduler {
	return &RescanScheduler{
		cron:      cron.New(),
		publisher: pub,
		queue:     queue,
		logger:    logger.With().Str("module", "scheduler").Logger(),
		metrics:   m,
	}
}

// Schedule registers the rescan on a standard five-field cron expression
func (s *RescanScheduler) Schedule(spec string) error {
	id, err := s.cron.AddFunc(spec, s.Trigger)
	if err != nil {
		return fmt.Errorf("failed to schedule rescan %q: %w", spec, err)
	}
	s.logger.Info().Str("schedule", spec).Int("entry_id", int(id)).Msg("Scheduled rescan")
	return nil
}

// Trigger publishes one rescan command. A failed publish is logged; the
// next tick tries again.
func (s *RescanScheduler) Trigger() {
	body, err := jobs.Encode(jobs.RescanAllMeta)
	if err == nil {
		err = s.publisher.Publish(context.Background(), s.queue, body)
	}
	s.metrics.RescanRun("schedule", err == nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Scheduled rescan not published")
		return
	}
	s.logger.Info().Str("queue", s.queue).Msg("Scheduled rescan published")
}

// Start runs the cron loop in its own goroutine
func (s *RescanScheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for a running trigger to finish
func (s *RescanScheduler) Stop() {
	<-s.cron.Stop().Done()
}
