package queue

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel abstracts the subset of *amqp.Channel the client uses so tests
// can substitute an in-memory fake.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// amqpConnection abstracts *amqp.Connection.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	Close() error
}

// brokerConnection wraps the real AMQP connection and implements amqpConnection.
type brokerConnection struct {
	conn *amqp.Connection
}

// Channel opens a new AMQP channel on the connection.
func (b *brokerConnection) Channel() (amqpChannel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Close closes the connection and every channel on it.
func (b *brokerConnection) Close() error {
	return b.conn.Close()
}

// isPreconditionFailed reports whether the broker rejected a declaration
// because the queue already exists with different arguments.
func isPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed
}

// isChannelError reports whether err closed the channel it occurred on.
// Every AMQP channel exception does, as does using an already closed channel.
func isChannelError(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr)
}
