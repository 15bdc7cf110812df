package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"shpotify/internal/broker"
	"shpotify/internal/metrics"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// Latency thresholds above which a dependency is reported degraded
const (
	dbDegradedAfter      = 200 * time.Millisecond
	redisDegradedAfter   = 100 * time.Millisecond
	storageDegradedAfter = 500 * time.Millisecond
	checkTimeout         = 5 * time.Second
)

// HealthResponse represents the health check response structure
type HealthResponse struct {
	Status  string            `json:"status"`
	DB      DependencyStatus  `json:"db"`
	Broker  DependencyStatus  `json:"broker"`
	Redis   *DependencyStatus `json:"redis,omitempty"`
	Storage *DependencyStatus `json:"storage,omitempty"`
}

// DependencyStatus represents the status of a dependency
type DependencyStatus struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Message   string `json:"message,omitempty"`
}

// Check pings one dependency
type Check func(ctx context.Context) error

// BrokerState reports the broker connection state
type BrokerState interface {
	State() broker.State
}

// Checker aggregates dependency checks. Redis and storage are only checked
// when configured.
type Checker struct {
	db      Check
	broker  BrokerState
	redis   Check
	storage Check
	metrics *metrics.Metrics
}

// NewChecker creates a checker for the database and broker
func NewChecker(db Check, b BrokerState, m *metrics.Metrics) *Checker {
	return &Checker{db: db, broker: b, metrics: m}
}

// WithRedis adds a Redis check
func (c *Checker) WithRedis(check Check) *Checker {
	c.redis = check
	return c
}

// WithStorage adds an object storage check
func (c *Checker) WithStorage(check Check) *Checker {
	c.storage = check
	return c
}

// RedisCheck pings a Redis client
func RedisCheck(client redis.UniversalClient) Check {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// Check runs every configured check
func (c *Checker) Check(ctx context.Context) HealthResponse {
	resp := HealthResponse{
		DB:     c.run(ctx, "db", c.db, dbDegradedAfter),
		Broker: c.brokerStatus(),
	}
	statuses := []string{resp.DB.Status, resp.Broker.Status}

	if c.redis != nil {
		s := c.run(ctx, "redis", c.redis, redisDegradedAfter)
		resp.Redis = &s
		statuses = append(statuses, s.Status)
	}
	if c.storage != nil {
		s := c.run(ctx, "storage", c.storage, storageDegradedAfter)
		resp.Storage = &s
		statuses = append(statuses, s.Status)
	}

	resp.Status = overall(statuses)
	return resp
}

// RegisterHealthRoutes registers the health check route
func (c *Checker) RegisterHealthRoutes(router fiber.Router) {
	router.Get("/healthz", func(ctx *fiber.Ctx) error {
		resp := c.Check(ctx.UserContext())

		status := http.StatusOK
		if resp.Status == StatusDown {
			status = http.StatusServiceUnavailable
		}

		ctx.Set("Cache-Control", "no-store")
		return ctx.Status(status).JSON(resp)
	})
}

func (c *Checker) run(ctx context.Context, name string, check Check, degradedAfter time.Duration) DependencyStatus {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	latency := time.Since(start)

	var s DependencyStatus
	switch {
	case err != nil:
		s = DependencyStatus{Status: StatusDown, LatencyMs: latency.Milliseconds(), Message: err.Error()}
	case latency > degradedAfter:
		s = DependencyStatus{Status: StatusDegraded, LatencyMs: latency.Milliseconds(), Message: "response time above threshold"}
	default:
		s = DependencyStatus{Status: StatusOK, LatencyMs: latency.Milliseconds()}
	}
	c.metrics.SetHealth(name, s.Status != StatusDown)
	return s
}

func (c *Checker) brokerStatus() DependencyStatus {
	state := c.broker.State()
	var s DependencyStatus
	switch state {
	case broker.StateConnected:
		s = DependencyStatus{Status: StatusOK}
	case broker.StateConnecting:
		s = DependencyStatus{Status: StatusDegraded, Message: state.String()}
	default:
		s = DependencyStatus{Status: StatusDown, Message: state.String()}
	}
	c.metrics.SetHealth("broker", s.Status != StatusDown)
	return s
}

func overall(statuses []string) string {
	result := StatusOK
	for _, s := range statuses {
		switch s {
		case StatusDown:
			return StatusDown
		case StatusDegraded:
			result = StatusDegraded
		}
	}
	return result
}
