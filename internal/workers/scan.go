package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"shpotify/internal/broker"
	"shpotify/internal/config"
	"shpotify/internal/jobs"
	"shpotify/internal/locks"
	"shpotify/internal/metadata"
	"shpotify/internal/models"
	"shpotify/internal/probe"
)

// ScanStore is the store surface the scan worker reads and writes
type ScanStore interface {
	GetSourceFile(ctx context.Context, id int64) (*models.SourceFile, error)
	SaveScan(ctx context.Context, sourceID int64, meta *models.SongMetadata) (*models.SourceMetadataMapping, error)
}

// ScanWorker derives metadata from a source file's stored probe data and
// makes it the source's current metadata
type ScanWorker struct {
	store    ScanStore
	queues   config.QueueConfig
	locker   locks.Locker
	lockWait time.Duration
}

// NewScanWorker creates the scan worker. With a nil locker concurrent scans
// of one source are last-write-wins.
func NewScanWorker(s ScanStore, queues config.QueueConfig, locker locks.Locker, lockWait time.Duration) *ScanWorker {
	return &ScanWorker{store: s, queues: queues, locker: locker, lockWait: lockWait}
}

func (w *ScanWorker) Queue() string   { return w.queues.ScanJobs }
func (w *ScanWorker) JobType() string { return jobs.TypeSongScan }

func (w *ScanWorker) Handle(ctx context.Context, d *broker.Delivery) error {
	job, err := jobs.ParseSongScan(d.Body)
	if err != nil {
		return err
	}
	log := zerolog.Ctx(ctx).With().Int64("source_id", job.SourceID).Logger()

	if w.locker != nil {
		unlock, err := w.lock(ctx, job.SourceID)
		if err != nil {
			return err
		}
		defer unlock()
	}

	src, err := w.store.GetSourceFile(ctx, job.SourceID)
	if err != nil {
		return err
	}

	result, err := probe.Parse([]byte(src.ProbeData))
	if err != nil {
		return fmt.Errorf("source %d: %w", src.ID, err)
	}

	song := metadata.Derive(result)
	if song.CoverArtStreams > 0 {
		log.Debug().Int("streams", song.CoverArtStreams).Msg("Ignoring embedded cover art")
	}

	mapping, err := w.store.SaveScan(ctx, src.ID, toModel(song))
	if err != nil {
		return err
	}

	log.Info().
		Int64("metadata_id", mapping.MetadataID).
		Str("title", song.Title).
		Str("artist", song.Artist).
		Float64("duration", song.Duration).
		Msg("Metadata scanned")
	return nil
}

func (w *ScanWorker) lock(ctx context.Context, sourceID int64) (func(), error) {
	lockCtx := ctx
	if w.lockWait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, w.lockWait)
		defer cancel()
	}
	return w.locker.Lock(lockCtx, fmt.Sprintf("scan:source:%d", sourceID))
}

func toModel(song metadata.Song) *models.SongMetadata {
	return &models.SongMetadata{
		Title:       song.Title,
		Artist:      song.Artist,
		Album:       song.Album,
		AlbumArtist: song.AlbumArtist,
		Track:       song.Track,
		Disc:        song.Disc,
		Date:        song.Date,
		Duration:    song.Duration,
		CoverURL:    song.CoverURL,
		Codec:       song.Codec,
		BitRate:     song.BitRate,
	}
}
