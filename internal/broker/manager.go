// Package broker owns the single logical connection to the message broker.
// A supervised loop keeps the connection alive, publish and subscribe fail
// fast while it is down, and observers hear about every connect and
// involuntary disconnect.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"shpotify/internal/config"
	"shpotify/internal/metrics"
)

var (
	// ErrNotConnected is returned by operations that need an open channel while there is none
	ErrNotConnected = errors.New("not connected to broker")
	// ErrAlreadyStarted is returned when Start is called twice or an observer registers late
	ErrAlreadyStarted = errors.New("broker manager already started")
)

// DefaultReconnectInterval is the pause between connection attempts
const DefaultReconnectInterval = 15 * time.Second

// State is the connection state of the manager
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// LifecycleObserver is told about connection changes. Both methods run on
// the supervisor goroutine, so they must not block for long.
type LifecycleObserver interface {
	// BrokerConnected runs after every successful connect, including reconnects
	BrokerConnected(ctx context.Context)
	// BrokerDisconnected runs after an involuntary close
	BrokerDisconnected(err error)
}

// Handler processes one delivery and settles it
type Handler func(ctx context.Context, d *Delivery)

// RetryOutcome says what Retry did with a message
type RetryOutcome string

const (
	RetryRepublished  RetryOutcome = "republished"
	RetryDeadLettered RetryOutcome = "dead_lettered"
	RetryRequeued     RetryOutcome = "requeued"
)

// Options configures a Manager
type Options struct {
	ReconnectInterval time.Duration
	Prefetch          int
	DeadLetterSuffix  string
}

// Manager supervises the broker connection
type Manager struct {
	dialer  Dialer
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu          sync.RWMutex
	state       State
	conn        Connection
	ch          Channel
	declared    map[string]struct{}
	connectedCh chan struct{}
	observers   []LifecycleObserver
	started     bool
	done        chan struct{}
}

// NewManager creates a manager. Nothing is dialed until Start.
func NewManager(dialer Dialer, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Manager {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.DeadLetterSuffix == "" {
		opts.DeadLetterSuffix = ".dead"
	}
	return &Manager{
		dialer:      dialer,
		opts:        opts,
		logger:      logger.With().Str("module", "broker").Logger(),
		metrics:     m,
		state:       StateDisconnected,
		connectedCh: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// AddObserver registers an observer. Observers must be added before Start.
func (m *Manager) AddObserver(o LifecycleObserver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	m.observers = append(m.observers, o)
	return nil
}

// Start launches the reconnect loop. It returns immediately; the loop runs
// until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Done is closed after the loop has stopped and the connection is closed
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// WaitConnected blocks until the manager is connected or ctx is done
func (m *Manager) WaitConnected(ctx context.Context) error {
	m.mu.RLock()
	ch := m.connectedCh
	m.mu.RUnlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeadLetterQueue returns the name of the dead-letter queue paired with queue
func (m *Manager) DeadLetterQueue(queue string) string {
	return queue + m.opts.DeadLetterSuffix
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	for {
		m.setState(StateConnecting)
		conn, ch, err := m.connect(ctx)
		m.metrics.ConnectAttempt(err == nil)
		if err != nil {
			m.setState(StateDisconnected)
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn().Err(err).Dur("retry_in", m.opts.ReconnectInterval).Msg("Broker connection failed")
			if !sleepCtx(ctx, m.opts.ReconnectInterval) {
				return
			}
			continue
		}

		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
		m.install(conn, ch)
		m.logger.Info().Msg("Broker connected")
		m.notifyConnected(ctx)

		var cause error
		select {
		case <-ctx.Done():
			m.teardown()
			_ = ch.Close()
			_ = conn.Close()
			m.logger.Info().Msg("Broker connection closed")
			return
		case e, ok := <-connClosed:
			cause = closeCause("connection", e, ok)
		case e, ok := <-chClosed:
			cause = closeCause("channel", e, ok)
		}

		m.teardown()
		if !conn.IsClosed() {
			_ = conn.Close()
		}
		m.metrics.Disconnected()
		m.logger.Warn().Err(cause).Dur("retry_in", m.opts.ReconnectInterval).Msg("Broker disconnected")
		m.notifyDisconnected(cause)

		if !sleepCtx(ctx, m.opts.ReconnectInterval) {
			return
		}
	}
}

func (m *Manager) connect(ctx context.Context) (Connection, Channel, error) {
	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if m.opts.Prefetch > 0 {
		if err := ch.Qos(m.opts.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, fmt.Errorf("set prefetch: %w", err)
		}
	}
	return conn, ch, nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) install(conn Connection, ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
	m.ch = ch
	m.declared = make(map[string]struct{})
	m.state = StateConnected
	close(m.connectedCh)
	m.metrics.SetBrokerConnected(true)
}

func (m *Manager) teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = nil
	m.ch = nil
	m.declared = nil
	m.state = StateDisconnected
	m.connectedCh = make(chan struct{})
	m.metrics.SetBrokerConnected(false)
}

func (m *Manager) snapshotObservers() []LifecycleObserver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]LifecycleObserver(nil), m.observers...)
}

func (m *Manager) notifyConnected(ctx context.Context) {
	for _, o := range m.snapshotObservers() {
		o.BrokerConnected(ctx)
	}
}

func (m *Manager) notifyDisconnected(err error) {
	for _, o := range m.snapshotObservers() {
		o.BrokerDisconnected(err)
	}
}

// channel returns the open channel, declaring queue on it first if needed
func (m *Manager) channel(queue string) (Channel, error) {
	m.mu.RLock()
	ch := m.ch
	_, declared := m.declared[queue]
	m.mu.RUnlock()

	if ch == nil {
		return nil, ErrNotConnected
	}
	if declared {
		return ch, nil
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	m.mu.Lock()
	if m.ch == ch && m.declared != nil {
		m.declared[queue] = struct{}{}
	}
	m.mu.Unlock()
	return ch, nil
}

// Declare makes sure a durable queue exists and returns its message count
func (m *Manager) Declare(queue string) (int, error) {
	m.mu.RLock()
	ch := m.ch
	m.mu.RUnlock()
	if ch == nil {
		return 0, ErrNotConnected
	}
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return q.Messages, nil
}

// Publish sends a persistent message to a durable queue
func (m *Manager) Publish(ctx context.Context, queue string, body []byte) error {
	return m.publish(ctx, queue, body, amqp.Table{HeaderAttempt: int32(1)})
}

func (m *Manager) publish(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	ch, err := m.channel(queue)
	if err != nil {
		m.metrics.Published(queue, false)
		return err
	}

	if headers == nil {
		headers = amqp.Table{}
	}
	injectTraceContext(ctx, headers)

	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  contentType(body),
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		m.metrics.Published(queue, false)
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	m.metrics.Published(queue, true)
	return nil
}

func contentType(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return "application/json"
	}
	return "text/plain"
}

// Subscribe starts consuming a durable queue with manual acknowledgement.
// Deliveries are handed to handler one at a time. The subscription ends when
// the channel closes or ctx is done; resubscribing after a reconnect is the
// caller's job, normally from BrokerConnected.
func (m *Manager) Subscribe(ctx context.Context, queue string, handler Handler) error {
	ch, err := m.channel(queue)
	if err != nil {
		return err
	}

	tag := fmt.Sprintf("%s-%s", queue, uuid.NewString()[:8])
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	m.logger.Info().Str("queue", queue).Str("consumer", tag).Msg("Subscribed")
	go m.consume(ctx, queue, tag, deliveries, handler)
	return nil
}

func (m *Manager) consume(ctx context.Context, queue, tag string, deliveries <-chan amqp.Delivery, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				m.logger.Debug().Str("queue", queue).Str("consumer", tag).Msg("Consumer closed")
				return
			}
			m.dispatch(ctx, queue, d, handler)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, queue string, raw amqp.Delivery, handler Handler) {
	d := newDelivery(queue, raw)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("queue", queue).
				Str("message_id", d.MessageID).
				Interface("panic", r).
				Msg("Handler panicked; message left unacknowledged")
		}
	}()
	handler(ExtractTraceContext(ctx, d), d)
}

// Ack acknowledges a delivery
func (m *Manager) Ack(d *Delivery) error {
	if err := d.raw.Ack(false); err != nil {
		return fmt.Errorf("ack %s: %w", d.Queue, err)
	}
	return nil
}

// Nack rejects a delivery, optionally returning it to its queue
func (m *Manager) Nack(d *Delivery, requeue bool) error {
	if err := d.raw.Nack(false, requeue); err != nil {
		return fmt.Errorf("nack %s: %w", d.Queue, err)
	}
	return nil
}

// Retry schedules another attempt of a failed delivery. Below maxAttempts
// the message is republished with its attempt count raised; at the limit it
// goes to the dead-letter queue. The original is acked once the copy is
// published and nacked with requeue if publishing fails.
func (m *Manager) Retry(ctx context.Context, d *Delivery, maxAttempts int, reason error) (RetryOutcome, error) {
	if d.Attempt >= maxAttempts {
		dlq := m.DeadLetterQueue(d.Queue)
		headers := amqp.Table{
			HeaderAttempt:       int32(d.Attempt),
			HeaderOriginalQueue: d.Queue,
		}
		if reason != nil {
			headers[HeaderDeadReason] = reason.Error()
		}
		if err := m.publish(ctx, dlq, d.Body, headers); err != nil {
			return RetryRequeued, m.requeueAfter(d, err)
		}
		m.metrics.DeadLettered(d.Queue)
		return RetryDeadLettered, m.Ack(d)
	}

	headers := amqp.Table{HeaderAttempt: int32(d.Attempt + 1)}
	if err := m.publish(ctx, d.Queue, d.Body, headers); err != nil {
		return RetryRequeued, m.requeueAfter(d, err)
	}
	return RetryRepublished, m.Ack(d)
}

func (m *Manager) requeueAfter(d *Delivery, cause error) error {
	if err := m.Nack(d, true); err != nil {
		return fmt.Errorf("%v; %w", cause, err)
	}
	return cause
}

func closeCause(what string, e *amqp.Error, ok bool) error {
	if ok && e != nil {
		return fmt.Errorf("%s closed: %w", what, e)
	}
	return fmt.Errorf("%s closed", what)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// NewManagerFromConfig creates a manager dialing the configured RabbitMQ server
func NewManagerFromConfig(cfg config.BrokerConfig, logger zerolog.Logger, m *metrics.Metrics) *Manager {
	dialer := &AMQPDialer{
		URL:            cfg.AMQPURL(),
		Timeout:        cfg.DialTimeout,
		ConnectionName: cfg.ConnectionName,
	}
	return NewManager(dialer, Options{
		ReconnectInterval: cfg.ReconnectInterval,
		Prefetch:          cfg.Prefetch,
		DeadLetterSuffix:  cfg.DeadLetterSuffix,
	}, logger, m)
}
