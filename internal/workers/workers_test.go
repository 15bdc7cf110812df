package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shpotify/internal/broker"
	"shpotify/internal/config"
	"shpotify/internal/jobs"
	"shpotify/internal/locks"
	"shpotify/internal/models"
	"shpotify/internal/probe"
	"shpotify/internal/store"
	"shpotify/internal/test"
)

var testQueues = config.QueueConfig{SongUploads: "song_uploads", ScanJobs: "scan_jobs", Misc: "misc"}

var testRescan = config.RescanConfig{BatchSize: 100}

const sampleProbe = `{"streams":[{"index":0,"codec_name":"mp3","codec_type":"audio","duration":"180.5"}],` +
	`"format":{"format_name":"mp3","duration":"180.6","tags":{"artist":"X","title":"Y"}}}`

type published struct {
	queue string
	body  string
}

type fakeBroker struct {
	mu         sync.Mutex
	published  []published
	publishErr error
	acked      int
	nacked     []bool
	retries    []error
	outcome    broker.RetryOutcome
}

func (f *fakeBroker) Publish(ctx context.Context, queue string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{queue: queue, body: string(body)})
	return nil
}

func (f *fakeBroker) Subscribe(ctx context.Context, queue string, handler broker.Handler) error {
	return nil
}

func (f *fakeBroker) Ack(d *broker.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked++
	return nil
}

func (f *fakeBroker) Nack(d *broker.Delivery, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, requeue)
	return nil
}

func (f *fakeBroker) Retry(ctx context.Context, d *broker.Delivery, maxAttempts int, reason error) (broker.RetryOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, reason)
	if f.outcome == "" {
		return broker.RetryRepublished, nil
	}
	return f.outcome, nil
}

type stubProber struct {
	raw   string
	err   error
	calls int
}

func (s *stubProber) Probe(ctx context.Context, url string) (*probe.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return probe.Parse([]byte(s.raw))
}

func delivery(queue, body string) *broker.Delivery {
	return &broker.Delivery{Queue: queue, Body: []byte(body), MessageID: "m-1", Attempt: 1}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Disposition
	}{
		{"nil", nil, DispositionAck},
		{"duplicate", fmt.Errorf("wrapped: %w", store.ErrDuplicateSource), DispositionAck},
		{"invalid payload", &jobs.ValidationError{JobType: jobs.TypeSongScan, Reason: "bad"}, DispositionDrop},
		{"missing source", store.ErrSourceNotFound, DispositionDrop},
		{"corrupt row", store.ErrCorruptRow, DispositionDrop},
		{"bad probe data", fmt.Errorf("source 1: %w", probe.ErrInvalidProbeData), DispositionDrop},
		{"lock timeout", locks.ErrLockTimeout, DispositionRequeue},
		{"shutdown", context.Canceled, DispositionRequeue},
		{"shutdown during probe", fmt.Errorf("probe x: %w", fmt.Errorf("%w: %w", probe.ErrProbeFailed, context.Canceled)), DispositionRequeue},
		{"transient", errors.New("connection reset"), DispositionRetry},
		{"probe failure", fmt.Errorf("probe: %w", probe.ErrProbeFailed), DispositionRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIngestWorker_RecordsSourceAndPublishesScan(t *testing.T) {
	db := newStore(t)
	b := &fakeBroker{}
	w := NewIngestWorker(db, &stubProber{raw: sampleProbe}, b, testQueues)

	err := w.Handle(context.Background(), delivery("song_uploads", `{"url":"http://store/sourcefiles/abc123.mp3"}`))
	require.NoError(t, err)

	src, err := db.FindSourceFileByFilename(context.Background(), "abc123.mp3")
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.ID)
	assert.JSONEq(t, sampleProbe, src.ProbeData)

	require.Len(t, b.published, 1)
	assert.Equal(t, "scan_jobs", b.published[0].queue)
	assert.JSONEq(t, `{"source_id":1}`, b.published[0].body)
}

func TestIngestWorker_InvalidPayloadSkipsProbe(t *testing.T) {
	prober := &stubProber{raw: sampleProbe}
	w := NewIngestWorker(newStore(t), prober, &fakeBroker{}, testQueues)

	for _, body := range []string{`not json`, `{}`, `{"url":"not a url"}`, `{"url":"http://store/a.mp3","extra":1}`} {
		err := w.Handle(context.Background(), delivery("song_uploads", body))
		assert.ErrorIs(t, err, jobs.ErrInvalidPayload, body)
	}
	assert.Zero(t, prober.calls)
}

func TestIngestWorker_ProbeFailureIsRetryable(t *testing.T) {
	b := &fakeBroker{}
	w := NewIngestWorker(newStore(t), &stubProber{err: probe.ErrProbeFailed}, b, testQueues)

	err := w.Handle(context.Background(), delivery("song_uploads", `{"url":"http://store/sourcefiles/a.mp3"}`))
	require.Error(t, err)
	assert.Equal(t, DispositionRetry, Classify(err))
	assert.Empty(t, b.published)
}

func TestIngestWorker_DuplicateReissuesScanOnlyWhenUnscanned(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	b := &fakeBroker{}
	w := NewIngestWorker(db, &stubProber{raw: sampleProbe}, b, testQueues)
	body := `{"url":"http://store/sourcefiles/abc123.mp3"}`

	require.NoError(t, w.Handle(ctx, delivery("song_uploads", body)))

	// Redelivered before any scan ran: the scan job is issued again
	err := w.Handle(ctx, delivery("song_uploads", body))
	assert.ErrorIs(t, err, store.ErrDuplicateSource)
	assert.Equal(t, DispositionAck, Classify(err))
	require.Len(t, b.published, 2)

	_, err = db.SaveScan(ctx, 1, &models.SongMetadata{Title: "Y"})
	require.NoError(t, err)

	err = w.Handle(ctx, delivery("song_uploads", body))
	assert.ErrorIs(t, err, store.ErrDuplicateSource)
	assert.Len(t, b.published, 2)

	n, err := db.CountSourceFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestScanWorker_WritesMetadataAndMapping(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	src, err := db.CreateSourceFile(ctx, "abc123.mp3", []byte(sampleProbe))
	require.NoError(t, err)

	w := NewScanWorker(db, testQueues, locks.NewKeyedMutex(), time.Second)
	require.NoError(t, w.Handle(ctx, delivery("scan_jobs", fmt.Sprintf(`{"source_id":%d}`, src.ID))))

	meta, err := db.CurrentMetadata(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "X", meta.Artist)
	assert.Equal(t, "Y", meta.Title)
	assert.Equal(t, 180.5, meta.Duration)
	assert.Equal(t, "mp3", meta.Codec)
}

func TestScanWorker_RescanReplacesMapping(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	src, err := db.CreateSourceFile(ctx, "abc123.mp3", []byte(sampleProbe))
	require.NoError(t, err)

	w := NewScanWorker(db, testQueues, nil, 0)
	body := fmt.Sprintf(`{"source_id":%d}`, src.ID)
	require.NoError(t, w.Handle(ctx, delivery("scan_jobs", body)))
	first, err := db.GetMapping(ctx, src.ID)
	require.NoError(t, err)

	require.NoError(t, w.Handle(ctx, delivery("scan_jobs", body)))
	second, err := db.GetMapping(ctx, src.ID)
	require.NoError(t, err)

	assert.NotEqual(t, first.MetadataID, second.MetadataID)
	n, err := db.CountMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestScanWorker_UnrecoverableInputsAreDropped(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	w := NewScanWorker(db, testQueues, nil, 0)

	err := w.Handle(ctx, delivery("scan_jobs", `{"source_id":42}`))
	assert.ErrorIs(t, err, store.ErrSourceNotFound)
	assert.Equal(t, DispositionDrop, Classify(err))

	err = w.Handle(ctx, delivery("scan_jobs", `{"source_id":"1"}`))
	assert.Equal(t, DispositionDrop, Classify(err))

	src, err := db.CreateSourceFile(ctx, "broken.mp3", []byte(`{"streams":[]}`))
	require.NoError(t, err)
	err = w.Handle(ctx, delivery("scan_jobs", fmt.Sprintf(`{"source_id":%d}`, src.ID)))
	assert.ErrorIs(t, err, probe.ErrInvalidProbeData)
	assert.Equal(t, DispositionDrop, Classify(err))

	has, err := db.HasMapping(ctx, src.ID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestScanWorker_LockTimeoutRequeues(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	src, err := db.CreateSourceFile(ctx, "abc123.mp3", []byte(sampleProbe))
	require.NoError(t, err)

	locker := locks.NewKeyedMutex()
	unlock, err := locker.Lock(ctx, fmt.Sprintf("scan:source:%d", src.ID))
	require.NoError(t, err)
	defer unlock()

	w := NewScanWorker(db, testQueues, locker, 20*time.Millisecond)
	err = w.Handle(ctx, delivery("scan_jobs", fmt.Sprintf(`{"source_id":%d}`, src.ID)))
	assert.Equal(t, DispositionRequeue, Classify(err))
}

func TestRescanCommander_PublishesOneJobPerSource(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	for i := 0; i < 5; i++ {
		_, err := db.CreateSourceFile(ctx, fmt.Sprintf("song-%d.mp3", i), []byte(sampleProbe))
		require.NoError(t, err)
	}

	b := &fakeBroker{}
	r := NewRescanCommander(db, b, testQueues, config.RescanConfig{BatchSize: 2}, nil)
	require.NoError(t, r.Handle(ctx, delivery("misc", "rescan_all_meta")))

	require.Len(t, b.published, 5)
	for i, p := range b.published {
		assert.Equal(t, "scan_jobs", p.queue)
		assert.JSONEq(t, fmt.Sprintf(`{"source_id":%d}`, i+1), p.body)
	}
}

func TestRescanCommander_EmptyLibraryPublishesNothing(t *testing.T) {
	b := &fakeBroker{}
	r := NewRescanCommander(newStore(t), b, testQueues, config.RescanConfig{BatchSize: 10, PublishRate: 100}, nil)

	n, err := r.RescanAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, b.published)
}

func TestRescanCommander_UnknownCommandIsInvalid(t *testing.T) {
	r := NewRescanCommander(newStore(t), &fakeBroker{}, testQueues, config.RescanConfig{BatchSize: 10}, nil)
	err := r.Handle(context.Background(), delivery("misc", "reindex_everything"))
	assert.ErrorIs(t, err, jobs.ErrInvalidPayload)
}

func TestRescanCommander_PublishFailureStops(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	_, err := db.CreateSourceFile(ctx, "a.mp3", []byte(sampleProbe))
	require.NoError(t, err)

	b := &fakeBroker{publishErr: broker.ErrNotConnected}
	r := NewRescanCommander(db, b, testQueues, config.RescanConfig{BatchSize: 10}, nil)
	err = r.Handle(ctx, delivery("misc", `"rescan_all_meta"`))
	assert.ErrorIs(t, err, broker.ErrNotConnected)
	assert.Equal(t, DispositionRetry, Classify(err))
}

type funcJob struct {
	err error
}

func (j funcJob) Queue() string   { return "scan_jobs" }
func (j funcJob) JobType() string { return jobs.TypeSongScan }
func (j funcJob) Handle(ctx context.Context, d *broker.Delivery) error {
	return j.err
}

func TestConsumer_SettlesByDisposition(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		acked   int
		nacked  []bool
		retries int
	}{
		{"success", nil, 1, nil, 0},
		{"duplicate", store.ErrDuplicateSource, 1, nil, 0},
		{"invalid", jobs.ErrInvalidPayload, 0, []bool{false}, 0},
		{"lock timeout", locks.ErrLockTimeout, 0, []bool{true}, 0},
		{"transient", errors.New("db down"), 0, nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBroker{}
			c := NewConsumer(b, funcJob{err: tt.err}, 3, zerolog.Nop(), nil)
			c.Handle(context.Background(), delivery("scan_jobs", `{"source_id":1}`))

			assert.Equal(t, tt.acked, b.acked)
			assert.Equal(t, tt.nacked, b.nacked)
			assert.Len(t, b.retries, tt.retries)
		})
	}
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(test.GetTestDB(t), test.DefaultTables)
}
