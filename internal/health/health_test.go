package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shpotify/internal/broker"
	"shpotify/internal/metrics"
)

type fixedState broker.State

func (s fixedState) State() broker.State { return broker.State(s) }

func ok(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("connection refused") }

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(ok, fixedState(broker.StateConnected), nil).WithRedis(ok)

	resp := c.Check(context.Background())
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, StatusOK, resp.DB.Status)
	assert.Equal(t, StatusOK, resp.Broker.Status)
	require.NotNil(t, resp.Redis)
	assert.Equal(t, StatusOK, resp.Redis.Status)
	assert.Nil(t, resp.Storage)
}

func TestChecker_Aggregation(t *testing.T) {
	tests := []struct {
		name   string
		db     Check
		state  broker.State
		expect string
	}{
		{"connecting broker degrades", ok, broker.StateConnecting, StatusDegraded},
		{"disconnected broker is down", ok, broker.StateDisconnected, StatusDown},
		{"db failure is down", failing, broker.StateConnected, StatusDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := NewChecker(tt.db, fixedState(tt.state), nil).Check(context.Background())
			assert.Equal(t, tt.expect, resp.Status)
		})
	}
}

func TestChecker_StorageFailureReported(t *testing.T) {
	resp := NewChecker(ok, fixedState(broker.StateConnected), nil).WithStorage(failing).Check(context.Background())
	assert.Equal(t, StatusDown, resp.Status)
	require.NotNil(t, resp.Storage)
	assert.Equal(t, "connection refused", resp.Storage.Message)
}

func TestChecker_RecordsMetrics(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	NewChecker(failing, fixedState(broker.StateConnected), m).Check(context.Background())

	assert.Equal(t, 0.0, testutil.ToFloat64(m.HealthStatus.WithLabelValues("db")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthStatus.WithLabelValues("broker")))
}

func TestHealthRoute(t *testing.T) {
	app := fiber.New()
	NewChecker(ok, fixedState(broker.StateConnected), nil).RegisterHealthRoutes(app)

	resp, err := app.Test(httptest.NewRequest("GET", "/healthz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, StatusOK, body.Status)
}

func TestHealthRoute_DownIs503(t *testing.T) {
	app := fiber.New()
	NewChecker(ok, fixedState(broker.StateDisconnected), nil).RegisterHealthRoutes(app)

	resp, err := app.Test(httptest.NewRequest("GET", "/healthz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
}
