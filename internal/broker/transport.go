package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens connections to the broker
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// Connection is one broker connection
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// Channel is the subset of *amqp.Channel the manager uses
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// AMQPDialer dials a RabbitMQ server
type AMQPDialer struct {
	URL            string
	Timeout        time.Duration
	ConnectionName string
}

// Dial opens a connection. The context bounds the dial only.
func (d *AMQPDialer) Dial(ctx context.Context) (Connection, error) {
	timeout := d.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	props := amqp.NewConnectionProperties()
	if d.ConnectionName != "" {
		props.SetClientConnectionName(d.ConnectionName)
	}

	conn, err := amqp.DialConfig(d.URL, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(timeout),
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	return &amqpConnection{conn: conn}, nil
}

// amqpConnection adapts *amqp.Connection, whose Channel method returns the concrete type
type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}
