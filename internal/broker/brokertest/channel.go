package brokertest

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

type pending struct {
	queue string
	msg   Message
}

type consumer struct {
	queue string
	tag   string
	out   chan amqp.Delivery
	stop  chan struct{}
}

type channel struct {
	conn      *connection
	closed    bool
	prefetch  int
	unacked   map[uint64]pending
	consumers []*consumer
	listeners []chan *amqp.Error
}

func (ch *channel) b() *Broker { return ch.conn.b }

func (ch *channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if err := b.declareFail[name]; err != nil {
		return amqp.Queue{}, err
	}
	if q, ok := b.queues[name]; ok && q.durable != durable {
		return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'durable'"}
	}
	q := b.declareLocked(name, durable)
	consumers := 0
	for _, c := range b.conns {
		for _, other := range c.channels {
			for _, cons := range other.consumers {
				if cons.queue == name {
					consumers++
				}
			}
		}
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: consumers}, nil
}

func (ch *channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	q, ok := b.queues[key]
	if exchange != "" || !ok {
		b.unroutable++
		return nil
	}
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	q.ready = append(q.ready, Message{
		Body:       append([]byte(nil), msg.Body...),
		Headers:    headers,
		MessageID:  msg.MessageId,
		Persistent: msg.DeliveryMode == amqp.Persistent,
	})
	q.signal()
	return nil
}

func (ch *channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if _, ok := b.queues[queueName]; !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queueName + "'"}
	}
	c := &consumer{
		queue: queueName,
		tag:   tag,
		out:   make(chan amqp.Delivery),
		stop:  make(chan struct{}),
	}
	ch.consumers = append(ch.consumers, c)
	go ch.dispatch(c, autoAck)
	return c.out, nil
}

// dispatch moves ready messages to one consumer. A message counts as
// unacked from the moment it leaves the queue, so a drop while the send is
// blocked still returns it to the queue.
func (ch *channel) dispatch(c *consumer, autoAck bool) {
	b := ch.b()
	defer close(c.out)
	for {
		b.mu.Lock()
		if ch.closed {
			b.mu.Unlock()
			return
		}
		q := b.queues[c.queue]
		if len(q.ready) == 0 || (ch.prefetch > 0 && len(ch.unacked) >= ch.prefetch && !autoAck) {
			wake := q.wake
			b.mu.Unlock()
			select {
			case <-wake:
			case <-c.stop:
				return
			}
			continue
		}

		msg := q.ready[0]
		q.ready = q.ready[1:]
		b.nextTag++
		tag := b.nextTag
		if autoAck {
			b.acked++
		} else {
			ch.unacked[tag] = pending{queue: c.queue, msg: msg}
		}
		b.mu.Unlock()

		d := amqp.Delivery{
			Acknowledger: ch,
			Headers:      msg.Headers,
			MessageId:    msg.MessageID,
			DeliveryTag:  tag,
			Redelivered:  msg.Redelivered,
			RoutingKey:   c.queue,
			ConsumerTag:  c.tag,
			Body:         msg.Body,
		}
		if msg.Persistent {
			d.DeliveryMode = amqp.Persistent
		}
		select {
		case c.out <- d:
		case <-c.stop:
			return
		}
	}
}

// Ack implements amqp.Acknowledger
func (ch *channel) Ack(tag uint64, multiple bool) error {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := ch.unacked[tag]; !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - unknown delivery tag"}
	}
	delete(ch.unacked, tag)
	b.acked++
	ch.wakeLocked()
	return nil
}

// Nack implements amqp.Acknowledger
func (ch *channel) Nack(tag uint64, multiple bool, requeue bool) error {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	p, ok := ch.unacked[tag]
	if !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - unknown delivery tag"}
	}
	delete(ch.unacked, tag)
	if requeue {
		ch.requeueLocked(p)
	} else {
		b.dropped[p.queue] = append(b.dropped[p.queue], p.msg)
	}
	ch.wakeLocked()
	return nil
}

// Reject implements amqp.Acknowledger
func (ch *channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.listeners = append(ch.listeners, receiver)
	return receiver
}

func (ch *channel) Close() error {
	b := ch.b()
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	notify := ch.closeLocked(nil)
	b.mu.Unlock()
	notify()
	return nil
}

func (ch *channel) requeueLocked(p pending) {
	q := ch.b().declareLocked(p.queue, true)
	p.msg.Redelivered = true
	q.ready = append([]Message{p.msg}, q.ready...)
	q.signal()
}

// wakeLocked lets consumers held back by prefetch look again
func (ch *channel) wakeLocked() {
	for _, c := range ch.consumers {
		if q, ok := ch.b().queues[c.queue]; ok {
			q.signal()
		}
	}
}

func (ch *channel) closeLocked(cause *amqp.Error) func() {
	if ch.closed {
		return func() {}
	}
	ch.closed = true
	for tag, p := range ch.unacked {
		ch.requeueLocked(p)
		delete(ch.unacked, tag)
	}
	for _, c := range ch.consumers {
		close(c.stop)
	}
	listeners := ch.listeners
	ch.listeners = nil
	return func() {
		for _, l := range listeners {
			if cause != nil {
				l <- cause
			}
			close(l)
		}
	}
}
