// Package brokertest provides an in-memory broker implementing broker.Dialer.
// It keeps durable queues across connections, tracks unacked deliveries per
// channel and returns them to their queue, marked redelivered, when the
// connection is dropped.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"shpotify/internal/broker"
)

// ErrBrokerDown is returned by Dial while the broker is down
var ErrBrokerDown = errors.New("brokertest: broker is down")

// Message is a message held by the fake broker
type Message struct {
	Body        []byte
	Headers     amqp.Table
	MessageID   string
	Persistent  bool
	Redelivered bool
}

type queue struct {
	durable bool
	ready   []Message
	wake    chan struct{}
}

func (q *queue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Broker is an in-memory broker
type Broker struct {
	mu          sync.Mutex
	queues      map[string]*queue
	dropped     map[string][]Message
	unroutable  int
	acked       int
	down        bool
	dials       int
	conns       []*connection
	nextTag     uint64
	declareFail map[string]error
}

// New creates an empty broker
func New() *Broker {
	return &Broker{
		queues:      make(map[string]*queue),
		dropped:     make(map[string][]Message),
		declareFail: make(map[string]error),
	}
}

var _ broker.Dialer = (*Broker)(nil)

// Dial opens a new connection unless the broker is down
func (b *Broker) Dial(ctx context.Context) (broker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.down {
		return nil, ErrBrokerDown
	}
	c := &connection{b: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// SetDown makes subsequent dials fail (true) or succeed (false)
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// Drop forcibly closes every open connection, as a broker restart would
func (b *Broker) Drop() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	var notify []func()
	for _, c := range conns {
		notify = append(notify, c.closeLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED", Server: true}))
	}
	b.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

// FailDeclare makes QueueDeclare of name fail with err; nil clears it
func (b *Broker) FailDeclare(name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.declareFail, name)
		return
	}
	b.declareFail[name] = err
}

// Inject puts a message on a queue, declaring it durable if needed
func (b *Broker) Inject(name string, body []byte, headers amqp.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.declareLocked(name, true)
	q.ready = append(q.ready, Message{Body: body, Headers: headers, Persistent: true})
	q.signal()
}

// Messages returns the ready messages of a queue
func (b *Broker) Messages(name string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	return append([]Message(nil), q.ready...)
}

// Dropped returns messages that were nacked or rejected without requeue
func (b *Broker) Dropped(name string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.dropped[name]...)
}

// Durable reports whether a queue exists and was declared durable
func (b *Broker) Durable(name string) (durable, exists bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return false, false
	}
	return q.durable, true
}

// Dials returns the number of dial attempts so far
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Acked returns the number of acknowledged deliveries
func (b *Broker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Unacked returns the number of deliveries awaiting settlement on open channels
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		for _, ch := range c.channels {
			n += len(ch.unacked)
		}
	}
	return n
}

// Unroutable returns the number of messages published to undeclared queues
func (b *Broker) Unroutable() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unroutable
}

func (b *Broker) declareLocked(name string, durable bool) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{durable: durable, wake: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

type connection struct {
	b         *Broker
	closed    bool
	channels  []*channel
	listeners []chan *amqp.Error
}

func (c *connection) Channel() (broker.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &channel{conn: c, unacked: make(map[uint64]pending)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.listeners = append(c.listeners, receiver)
	return receiver
}

func (c *connection) Close() error {
	c.b.mu.Lock()
	if c.closed {
		c.b.mu.Unlock()
		return amqp.ErrClosed
	}
	for i, open := range c.b.conns {
		if open == c {
			c.b.conns = append(c.b.conns[:i], c.b.conns[i+1:]...)
			break
		}
	}
	notify := c.closeLocked(nil)
	c.b.mu.Unlock()
	notify()
	return nil
}

func (c *connection) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

// closeLocked shuts the connection and its channels down and returns a
// function that delivers the close notifications outside the lock
func (c *connection) closeLocked(cause *amqp.Error) func() {
	if c.closed {
		return func() {}
	}
	c.closed = true
	var fns []func()
	for _, ch := range c.channels {
		fns = append(fns, ch.closeLocked(cause))
	}
	listeners := c.listeners
	c.listeners = nil
	return func() {
		for _, fn := range fns {
			fn()
		}
		for _, l := range listeners {
			if cause != nil {
				l <- cause
			}
			close(l)
		}
	}
}

// String helps when a test prints a connection
func (c *connection) String() string {
	return fmt.Sprintf("brokertest.connection{closed: %v, channels: %d}", c.closed, len(c.channels))
}
