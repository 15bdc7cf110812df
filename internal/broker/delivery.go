package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Message headers written by the manager
const (
	HeaderAttempt       = "x-attempt"
	HeaderDeadReason    = "x-dead-reason"
	HeaderOriginalQueue = "x-original-queue"
)

// Delivery is one message taken off a queue. It must be settled with Ack,
// Nack or Retry on the manager that delivered it.
type Delivery struct {
	Queue       string
	Body        []byte
	MessageID   string
	Redelivered bool
	// Attempt starts at 1 and grows each time the message is retried
	Attempt int
	Headers amqp.Table

	raw amqp.Delivery
}

func newDelivery(queue string, d amqp.Delivery) *Delivery {
	return &Delivery{
		Queue:       queue,
		Body:        d.Body,
		MessageID:   d.MessageId,
		Redelivered: d.Redelivered,
		Attempt:     attemptFromHeaders(d.Headers),
		Headers:     d.Headers,
		raw:         d,
	}
}

func attemptFromHeaders(headers amqp.Table) int {
	v, ok := headers[HeaderAttempt]
	if !ok {
		return 1
	}
	var n int64
	switch t := v.(type) {
	case int:
		n = int64(t)
	case int8:
		n = int64(t)
	case int16:
		n = int64(t)
	case int32:
		n = int64(t)
	case int64:
		n = t
	case uint8:
		n = int64(t)
	case uint16:
		n = int64(t)
	case uint32:
		n = int64(t)
	default:
		return 1
	}
	if n < 1 {
		return 1
	}
	return int(n)
}

// headerCarrier adapts amqp.Table to the otel TextMapCarrier
type headerCarrier amqp.Table

func (c headerCarrier) Get(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = headerCarrier{}

func injectTraceContext(ctx context.Context, headers amqp.Table) {
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))
}

// ExtractTraceContext returns ctx carrying the trace context found in the delivery headers
func ExtractTraceContext(ctx context.Context, d *Delivery) context.Context {
	if d == nil || d.Headers == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))
}
