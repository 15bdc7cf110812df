package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"shpotify/internal/config"
)

func TestNewTracer_Disabled(t *testing.T) {
	tr, err := NewTracer(context.Background(), config.TracingConfig{})
	require.NoError(t, err)

	ctx, span := tr.StartSpan(context.Background(), "noop")
	SetSpanError(ctx, errors.New("ignored"))
	span.End()

	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestJobProcessingTracingAttrs(t *testing.T) {
	attrs := JobProcessingTracingAttrs("m-1", "scan_jobs", "song_scan", 2)

	found := map[attribute.Key]attribute.Value{}
	for _, a := range attrs {
		found[a.Key] = a.Value
	}
	assert.Equal(t, "m-1", found["messaging.message.id"].AsString())
	assert.Equal(t, "scan_jobs", found["messaging.destination.name"].AsString())
	assert.Equal(t, "song_scan", found["job.type"].AsString())
	assert.Equal(t, int64(2), found["job.attempt"].AsInt64())

	attrs = JobProcessingTracingAttrs("", "", "", 1)
	assert.Len(t, attrs, 3)
}
