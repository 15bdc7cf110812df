package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// LogLevel represents the logging level
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
	FatalLevel LogLevel = "fatal"
)

// Logger holds the zerolog logger instance
type Logger struct {
	logger zerolog.Logger
}

// LogContext holds contextual information for logging a job
type LogContext struct {
	Queue     string `json:"queue,omitempty"`
	JobType   string `json:"job_type,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	SourceID  int64  `json:"source_id,omitempty"`
	URL       string `json:"url,omitempty"`
	Module    string `json:"module,omitempty"`
}

// NewLogger creates a new logger instance with the specified log level
func NewLogger(logLevel LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	level, err := zerolog.ParseLevel(string(logLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &Logger{
		logger: logger,
	}
}

// Zerolog returns the underlying zerolog logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

// WithContext adds trace and span ids from ctx to the logger
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logCtx := l.logger.With()

	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		logCtx = logCtx.Str("trace_id", spanCtx.TraceID().String())
		logCtx = logCtx.Str("span_id", spanCtx.SpanID().String())
	}

	contextualLogger := logCtx.Logger()
	return &contextualLogger
}

// ApplyContext returns a child of logger carrying the non-empty fields of ctx
func ApplyContext(logger zerolog.Logger, ctx LogContext) zerolog.Logger {
	logCtx := logger.With()

	if ctx.Queue != "" {
		logCtx = logCtx.Str("queue", ctx.Queue)
	}
	if ctx.JobType != "" {
		logCtx = logCtx.Str("job_type", ctx.JobType)
	}
	if ctx.Attempt != 0 {
		logCtx = logCtx.Int("attempt", ctx.Attempt)
	}
	if ctx.MessageID != "" {
		logCtx = logCtx.Str("message_id", ctx.MessageID)
	}
	if ctx.SourceID != 0 {
		logCtx = logCtx.Int64("source_id", ctx.SourceID)
	}
	if ctx.URL != "" {
		logCtx = logCtx.Str("url", ctx.URL)
	}
	if ctx.Module != "" {
		logCtx = logCtx.Str("module", ctx.Module)
	}

	return logCtx.Logger()
}

// LogJobProcessing logs the outcome of one handled message
func LogJobProcessing(logger zerolog.Logger, outcome string, duration time.Duration, err error) {
	event := logger.Info()
	if err != nil {
		event = logger.Error().Err(err)
	}
	event.
		Str("outcome", outcome).
		Int64("duration_ms", duration.Milliseconds()).
		Msg("Job processed")
}

// SetLogLevel dynamically changes the logging level
func (l *Logger) SetLogLevel(logLevel LogLevel) error {
	level, err := zerolog.ParseLevel(string(logLevel))
	if err != nil {
		return fmt.Errorf("invalid log level: %s", logLevel)
	}

	l.logger = l.logger.Level(level)
	return nil
}
