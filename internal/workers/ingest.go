package workers

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"shpotify/internal/broker"
	"shpotify/internal/config"
	"shpotify/internal/jobs"
	"shpotify/internal/models"
	"shpotify/internal/probe"
	"shpotify/internal/store"
)

// SourceStore is the store surface the ingestion worker writes to
type SourceStore interface {
	CreateSourceFile(ctx context.Context, filename string, probeData []byte) (*models.SourceFile, error)
	FindSourceFileByFilename(ctx context.Context, filename string) (*models.SourceFile, error)
	HasMapping(ctx context.Context, sourceID int64) (bool, error)
}

// IngestWorker turns an uploaded file into a source file row and asks for its first scan
type IngestWorker struct {
	store     SourceStore
	prober    probe.Prober
	publisher Publisher
	queues    config.QueueConfig
}

// NewIngestWorker creates the ingestion worker
func NewIngestWorker(s SourceStore, p probe.Prober, pub Publisher, queues config.QueueConfig) *IngestWorker {
	return &IngestWorker{store: s, prober: p, publisher: pub, queues: queues}
}

func (w *IngestWorker) Queue() string   { return w.queues.SongUploads }
func (w *IngestWorker) JobType() string { return jobs.TypeSongUpload }

// Handle probes the upload, records it, then publishes its scan job. The
// row is committed before the scan job exists.
func (w *IngestWorker) Handle(ctx context.Context, d *broker.Delivery) error {
	log := zerolog.Ctx(ctx)

	job, err := jobs.ParseSongUpload(d.Body)
	if err != nil {
		return err
	}
	filename, err := jobs.FilenameFromURL(job.URL)
	if err != nil {
		return err
	}

	result, err := w.prober.Probe(ctx, job.URL)
	if err != nil {
		return fmt.Errorf("probe %s: %w", job.URL, err)
	}

	row, err := w.store.CreateSourceFile(ctx, filename, result.RawJSON())
	if errors.Is(err, store.ErrDuplicateSource) {
		return w.recoverDuplicate(ctx, filename, err)
	}
	if err != nil {
		return err
	}
	log.Info().Int64("source_id", row.ID).Str("filename", filename).Msg("Source file recorded")

	return w.publishScan(ctx, row.ID)
}

// recoverDuplicate re-issues the scan job of an already ingested file that
// was never scanned, which happens when a worker died between insert and publish
func (w *IngestWorker) recoverDuplicate(ctx context.Context, filename string, dupErr error) error {
	log := zerolog.Ctx(ctx)

	existing, err := w.store.FindSourceFileByFilename(ctx, filename)
	if err != nil {
		return err
	}
	scanned, err := w.store.HasMapping(ctx, existing.ID)
	if err != nil {
		return err
	}
	if !scanned {
		log.Info().Int64("source_id", existing.ID).Msg("Duplicate upload of an unscanned source; re-issuing scan job")
		if err := w.publishScan(ctx, existing.ID); err != nil {
			return err
		}
	}
	return dupErr
}

func (w *IngestWorker) publishScan(ctx context.Context, sourceID int64) error {
	body, err := jobs.Encode(jobs.SongScanJob{SourceID: sourceID})
	if err != nil {
		return err
	}
	if err := w.publisher.Publish(ctx, w.queues.ScanJobs, body); err != nil {
		return fmt.Errorf("publish scan job for source %d: %w", sourceID, err)
	}
	return nil
}
