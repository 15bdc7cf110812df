package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Job metrics
	JobsTotal          *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec
	DeadLettersTotal   *prometheus.CounterVec

	// Broker metrics
	BrokerConnected        prometheus.Gauge
	BrokerConnectAttempts  *prometheus.CounterVec
	BrokerDisconnectsTotal prometheus.Counter
	BrokerPublishTotal     *prometheus.CounterVec

	// Rescan metrics
	RescanPublishedTotal prometheus.Counter
	RescanRunsTotal      *prometheus.CounterVec

	// Upload metrics
	UploadsTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Health metrics
	HealthStatus *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance registered on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shpotify_jobs_total",
				Help: "Total number of handled queue messages by outcome",
			},
			[]string{"queue", "type", "outcome"},
		),
		JobDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shpotify_job_duration_seconds",
				Help:    "Duration of message handling in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			[]string{"queue", "type", "outcome"},
		),
		DeadLettersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shpotify_dead_letters_total",
				Help: "Messages moved to a dead-letter queue after exhausting their attempts",
			},
			[]string{"queue"},
		),

		BrokerConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shpotify_broker_connected",
				Help: "Broker connection state (1=connected, 0=disconnected)",
			},
		),
		BrokerConnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shpotify_broker_connect_attempts_total",
				Help: "Broker connection attempts by result",
			},
			[]string{"result"},
		),
		BrokerDisconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shpotify_broker_disconnects_total",
				Help: "Involuntary broker disconnects",
			},
		),
		BrokerPublishTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shpotify_broker_publish_total",
				Help: "Messages published by queue and result",
			},
			[]string{"queue", "result"},
		),

		RescanPublishedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shpotify_rescan_published_total",
				Help: "Scan jobs published by full rescans",
			},
		),
		RescanRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shpotify_rescan_runs_total",
				Help: "Full rescans by trigger and result",
			},
			[]string{"trigger", "result"},
		),

		UploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shpotify_uploads_total",
				Help: "Upload requests by result",
			},
			[]string{"result"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shpotify_http_requests_total",
				Help: "Total number of API requests by method, route, and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shpotify_http_request_duration_seconds",
				Help:    "Histogram of request durations by method, route, and status",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route", "status"},
		),

		HealthStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shpotify_health_status",
				Help: "Health status of dependencies (1=ok, 0=down)",
			},
			[]string{"dependency"},
		),
	}
}

// ObserveJob records the outcome and duration of one handled message
func (m *Metrics) ObserveJob(queue, jobType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(queue, jobType, outcome).Inc()
	m.JobDurationSeconds.WithLabelValues(queue, jobType, outcome).Observe(duration.Seconds())
}

// DeadLettered counts a message moved to a dead-letter queue
func (m *Metrics) DeadLettered(queue string) {
	if m == nil {
		return
	}
	m.DeadLettersTotal.WithLabelValues(queue).Inc()
}

// SetBrokerConnected records the broker connection state
func (m *Metrics) SetBrokerConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.BrokerConnected.Set(1)
	} else {
		m.BrokerConnected.Set(0)
	}
}

// ConnectAttempt counts a broker connection attempt
func (m *Metrics) ConnectAttempt(success bool) {
	if m == nil {
		return
	}
	m.BrokerConnectAttempts.WithLabelValues(result(success)).Inc()
}

// Disconnected counts an involuntary broker disconnect
func (m *Metrics) Disconnected() {
	if m == nil {
		return
	}
	m.BrokerDisconnectsTotal.Inc()
}

// Published counts a publish attempt
func (m *Metrics) Published(queue string, success bool) {
	if m == nil {
		return
	}
	m.BrokerPublishTotal.WithLabelValues(queue, result(success)).Inc()
}

// RescanPublished counts scan jobs published by a rescan
func (m *Metrics) RescanPublished(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RescanPublishedTotal.Add(float64(n))
}

// RescanRun counts a completed or failed rescan
func (m *Metrics) RescanRun(trigger string, success bool) {
	if m == nil {
		return
	}
	m.RescanRunsTotal.WithLabelValues(trigger, result(success)).Inc()
}

// Upload counts an upload request
func (m *Metrics) Upload(outcome string) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one handled API request
func (m *Metrics) ObserveHTTP(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
}

// SetHealth records the health of one dependency
func (m *Metrics) SetHealth(dependency string, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.HealthStatus.WithLabelValues(dependency).Set(1)
	} else {
		m.HealthStatus.WithLabelValues(dependency).Set(0)
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
