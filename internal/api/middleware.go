package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"shpotify/internal/tracing"
)

// metricsMiddleware records request count and duration per matched route
func (s *Server) metricsMiddleware(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	// The route is only known once the request has been matched
	route := c.Route().Path
	status := c.Response().StatusCode()
	if err != nil {
		status = statusOf(err)
	}
	s.deps.Metrics.ObserveHTTP(c.Method(), route, status, time.Since(start))
	return err
}

// requestTracer wraps each request in a span and hands its context to the handlers
func (s *Server) requestTracer(c *fiber.Ctx) error {
	ctx, span := s.deps.Tracer.StartSpan(c.UserContext(), "HTTP "+c.Method(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", c.Method()),
			attribute.String("url.path", c.Path()),
		))
	defer span.End()
	c.SetUserContext(ctx)

	err := c.Next()
	span.SetName("HTTP " + c.Method() + " " + c.Route().Path)
	span.SetAttributes(attribute.String("http.route", c.Route().Path))
	if err != nil && statusOf(err) >= http.StatusInternalServerError {
		tracing.SetSpanError(ctx, err)
	}
	return err
}

// triggerLimiter bounds how often a client may trigger pipeline work. A
// limit of zero disables it.
func triggerLimiter(limit int, window time.Duration) fiber.Handler {
	if limit <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return limiter.New(limiter.Config{
		Max:        limit,
		Expiration: window,
		LimitReached: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(window.Seconds())))
			return SendError(c, http.StatusTooManyRequests, "Rate limit exceeded", "Too many requests. Please try again later.")
		},
	})
}
