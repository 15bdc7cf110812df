package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestApplyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	l := ApplyContext(logger.Zerolog(), LogContext{
		Queue:     "scan_jobs",
		JobType:   "scan",
		Attempt:   2,
		MessageID: "m-1",
		SourceID:  7,
		Module:    "workers",
	})
	l.Info().Msg("hello")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "scan_jobs", entry["queue"])
	assert.Equal(t, "scan", entry["job_type"])
	assert.Equal(t, float64(2), entry["attempt"])
	assert.Equal(t, "m-1", entry["message_id"])
	assert.Equal(t, float64(7), entry["source_id"])
	assert.Equal(t, "workers", entry["module"])
	assert.NotContains(t, entry, "url")
}

func TestWithContext_AddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.WithContext(ctx).Info().Msg("traced")

	entry := decodeLine(t, &buf)
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entry["span_id"])
}

func TestLogJobProcessing(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	LogJobProcessing(logger.Zerolog(), "retry", 1500*time.Millisecond, errors.New("probe failed"))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "retry", entry["outcome"])
	assert.Equal(t, float64(1500), entry["duration_ms"])
	assert.Equal(t, "probe failed", entry["error"])
}

func TestSetLogLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	require.NoError(t, logger.SetLogLevel(ErrorLevel))
	l := logger.Zerolog()
	l.Info().Msg("dropped")
	assert.Empty(t, buf.String())

	assert.Error(t, logger.SetLogLevel("loud"))
}
