package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"shpotify/internal/broker"
	"shpotify/internal/config"
	"shpotify/internal/health"
	"shpotify/internal/metrics"
	"shpotify/internal/models"
	"shpotify/internal/storage"
	"shpotify/internal/store"
	"shpotify/internal/test"
	"shpotify/internal/tracing"
)

type publishedMsg struct {
	queue string
	body  string
}

type fakePublisher struct {
	mu        sync.Mutex
	messages  []publishedMsg
	connected bool
}

func (f *fakePublisher) Publish(ctx context.Context, queue string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return broker.ErrNotConnected
	}
	f.messages = append(f.messages, publishedMsg{queue: queue, body: string(body)})
	return nil
}

func (f *fakePublisher) State() broker.State {
	if f.connected {
		return broker.StateConnected
	}
	return broker.StateDisconnected
}

type memoryObjects struct {
	objects map[string][]byte
}

func (m *memoryObjects) Exists(ctx context.Context, bucket, name string) (bool, error) {
	_, ok := m.objects[bucket+"/"+name]
	return ok, nil
}

func (m *memoryObjects) Put(ctx context.Context, bucket, name string, r io.Reader, size int64, contentType string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.objects[bucket+"/"+name] = data
	return storage.ObjectURL("http://store", bucket, name), nil
}

type fixture struct {
	server  *Server
	pub     *fakePublisher
	objects *memoryObjects
	store   *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.AppConfig{
		Queues:  config.QueueConfig{SongUploads: "song_uploads", ScanJobs: "scan_jobs", Misc: "misc"},
		Storage: config.StorageConfig{Bucket: "sourcefiles"},
		Server:  config.ServerConfig{UploadLimitMB: 1},
	}
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	pub := &fakePublisher{connected: true}
	objects := &memoryObjects{objects: map[string][]byte{}}
	s := store.New(test.GetTestDB(t), test.DefaultTables)

	server := NewServer(cfg, Deps{
		Publisher: pub,
		Sources:   s,
		Objects:   objects,
		Health:    health.NewChecker(s.Ping, pub, m),
		Metrics:   m,
		Gatherer:  reg,
	}, zerolog.Nop())

	return &fixture{server: server, pub: pub, objects: objects, store: s}
}

func (f *fixture) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := f.server.App().Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func uploadRequest(t *testing.T, filename string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/song", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", body)
}

func TestUploadSong_StoresAndQueues(t *testing.T) {
	f := newFixture(t)
	data := []byte("hello")

	resp, body := f.do(t, uploadRequest(t, "Song.MP3", data))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	url := "http://store/sourcefiles/5d41402abc4b2a76b9719d911017c592.mp3"
	assert.Equal(t, "Uploaded to "+url, body)
	assert.Equal(t, data, f.objects.objects["sourcefiles/5d41402abc4b2a76b9719d911017c592.mp3"])

	require.Len(t, f.pub.messages, 1)
	assert.Equal(t, "song_uploads", f.pub.messages[0].queue)
	assert.JSONEq(t, `{"url":"`+url+`"}`, f.pub.messages[0].body)
}

func TestUploadSong_RejectsExistingContent(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, uploadRequest(t, "a.mp3", []byte("same bytes")))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, uploadRequest(t, "b.mp3", []byte("same bytes")))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "File already existed")
	assert.Len(t, f.pub.messages, 1)
}

func TestUploadSong_MissingFile(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/upload/song", nil)
	resp, _ := f.do(t, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRescanAllMeta(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/rescan_all_meta", nil))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Len(t, f.pub.messages, 1)
	assert.Equal(t, "misc", f.pub.messages[0].queue)
	assert.Equal(t, "rescan_all_meta", f.pub.messages[0].body)
}

func TestScanSong(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/scan/song/7", nil))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Len(t, f.pub.messages, 1)
	assert.Equal(t, "scan_jobs", f.pub.messages[0].queue)
	assert.JSONEq(t, `{"source_id":7}`, f.pub.messages[0].body)

	resp, _ = f.do(t, httptest.NewRequest(http.MethodGet, "/scan/song/abc", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, httptest.NewRequest(http.MethodGet, "/scan/song/0", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBrokerDownIs503(t *testing.T) {
	f := newFixture(t)
	f.pub.connected = false

	resp, body := f.do(t, httptest.NewRequest(http.MethodGet, "/rescan_all_meta", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var er ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(body), &er))
	assert.Equal(t, http.StatusServiceUnavailable, er.Code)
	assert.Empty(t, er.Details)
}

type failingObjects struct {
	err error
}

func (f failingObjects) Exists(ctx context.Context, bucket, name string) (bool, error) {
	return false, f.err
}

func (f failingObjects) Put(ctx context.Context, bucket, name string, r io.Reader, size int64, contentType string) (string, error) {
	return "", f.err
}

func TestServerErrorsHideCause(t *testing.T) {
	f := newFixture(t)
	f.server.deps.Objects = failingObjects{err: errors.New("dial tcp 10.0.0.7:9000: connection refused")}

	resp, body := f.do(t, uploadRequest(t, "a.mp3", []byte("x")))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, body, "10.0.0.7")

	var er ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(body), &er))
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), er.Error)
	assert.Empty(t, er.Details)
	assert.Empty(t, f.pub.messages)
}

func TestClientErrorsKeepDetails(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, httptest.NewRequest(http.MethodGet, "/sources/99", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var er ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(body), &er))
	assert.NotEmpty(t, er.Details)
}

func TestGetSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src, err := f.store.CreateSourceFile(ctx, "abc123.mp3", []byte(`{"streams":[{"codec_type":"audio"}]}`))
	require.NoError(t, err)

	resp, body := f.do(t, httptest.NewRequest(http.MethodGet, "/sources/1", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	var got SourceResponse
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, src.ID, got.ID)
	assert.Equal(t, "abc123.mp3", got.Filename)
	assert.Nil(t, got.Metadata)

	_, err = f.store.SaveScan(ctx, src.ID, &models.SongMetadata{Title: "Y", Artist: "X", Duration: 180.5})
	require.NoError(t, err)

	_, body = f.do(t, httptest.NewRequest(http.MethodGet, "/sources/1", nil))
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "X", got.Metadata.Artist)
	assert.Equal(t, 180.5, got.Metadata.Duration)

	resp, _ = f.do(t, httptest.NewRequest(http.MethodGet, "/sources/99", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.do(t, uploadRequest(t, "a.mp3", []byte("x")))
	resp, body := f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "shpotify_uploads_total")
}

func TestTriggerEndpointsAreRateLimited(t *testing.T) {
	cfg := &config.AppConfig{
		Queues:  config.QueueConfig{SongUploads: "song_uploads", ScanJobs: "scan_jobs", Misc: "misc"},
		Storage: config.StorageConfig{Bucket: "sourcefiles"},
		Server:  config.ServerConfig{UploadLimitMB: 1, TriggerLimit: 2, TriggerWindow: time.Minute},
	}
	pub := &fakePublisher{connected: true}
	server := NewServer(cfg, Deps{Publisher: pub}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		resp, err := server.App().Test(httptest.NewRequest(http.MethodGet, "/rescan_all_meta", nil), -1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp, err := server.App().Test(httptest.NewRequest(http.MethodGet, "/rescan_all_meta", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Len(t, pub.messages, 2)

	// Reads are not limited
	resp, err = server.App().Test(httptest.NewRequest(http.MethodGet, "/ping", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestMetrics(t *testing.T) {
	f := newFixture(t)
	f.do(t, httptest.NewRequest(http.MethodGet, "/ping", nil))
	f.do(t, httptest.NewRequest(http.MethodGet, "/sources/99", nil))

	_, body := f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, body, `shpotify_http_requests_total{method="GET",route="/ping",status="200"} 1`)
	assert.Contains(t, body, `shpotify_http_requests_total{method="GET",route="/sources/:id",status="404"} 1`)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src, err := f.store.CreateSourceFile(ctx, "abc123.mp3", []byte(`{"streams":[{"codec_type":"audio"}]}`))
	require.NoError(t, err)
	_, err = f.store.CreateSourceFile(ctx, "def456.mp3", []byte(`{"streams":[{"codec_type":"audio"}]}`))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = f.store.SaveScan(ctx, src.ID, &models.SongMetadata{Title: "Y", Artist: "X"})
		require.NoError(t, err)
	}

	resp, body := f.do(t, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	var got StatsResponse
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, StatsResponse{SourceFiles: 2, MetadataRows: 2}, got)
}

func TestRequestSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = tp.Shutdown(context.Background())
	})

	tracer, err := tracing.NewTracer(context.Background(), config.TracingConfig{})
	require.NoError(t, err)

	cfg := &config.AppConfig{
		Queues: config.QueueConfig{SongUploads: "song_uploads", ScanJobs: "scan_jobs", Misc: "misc"},
		Server: config.ServerConfig{UploadLimitMB: 1},
	}
	pub := &fakePublisher{}
	server := NewServer(cfg, Deps{Publisher: pub, Tracer: tracer}, zerolog.Nop())

	resp, err := server.App().Test(httptest.NewRequest(http.MethodGet, "/scan/song/7", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "HTTP GET /scan/song/:id", spans[0].Name())
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
