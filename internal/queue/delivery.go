package queue

import (
	"context"
	"errors"
	"io"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrStreamClosed is returned by Stream.Next once the broker closed the
	// consuming channel. The stream cannot be resumed; reconnect instead.
	ErrStreamClosed = errors.New("queue: delivery stream closed")

	// ErrAlreadySettled is returned when a delivery is acked or requeued twice.
	ErrAlreadySettled = errors.New("queue: delivery already settled")
)

// Acknowledger settles deliveries with the broker. amqp.Acknowledger
// satisfies it.
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error
}

// Delivery is one message received from the live queue. The handler must
// settle it exactly once with Ack or Requeue.
type Delivery struct {
	Body        []byte
	Redelivered bool

	tag     uint64
	acker   Acknowledger
	settled bool
}

// NewDelivery builds a Delivery settled through acker. Stream uses it for
// broker deliveries; handlers can be driven without a broker by passing any
// Acknowledger.
func NewDelivery(tag uint64, body []byte, acker Acknowledger) *Delivery {
	return &Delivery{Body: body, tag: tag, acker: acker}
}

// Ack confirms the delivery; the broker discards the message.
func (d *Delivery) Ack() error {
	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true
	return d.acker.Ack(d.tag, false)
}

// Requeue returns the delivery to the live queue for redelivery.
func (d *Delivery) Requeue() error {
	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true
	return d.acker.Nack(d.tag, false, true)
}

// Settled reports whether Ack or Requeue was already called.
func (d *Delivery) Settled() bool {
	return d.settled
}

// Stream is an unbounded sequence of deliveries from the live queue.
type Stream struct {
	deliveries <-chan amqp.Delivery
	ch         io.Closer
}

func newStream(deliveries <-chan amqp.Delivery, ch io.Closer) *Stream {
	return &Stream{deliveries: deliveries, ch: ch}
}

// Next blocks until a delivery arrives, the context is cancelled or the
// broker closes the channel.
func (s *Stream) Next(ctx context.Context) (*Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-s.deliveries:
		if !ok {
			return nil, ErrStreamClosed
		}
		MessagesConsumedTotal.Inc()
		del := NewDelivery(d.DeliveryTag, d.Body, d.Acknowledger)
		del.Redelivered = d.Redelivered
		return del, nil
	}
}

// Close cancels the consumer by closing its channel. Unsettled deliveries are
// returned to the queue by the broker.
func (s *Stream) Close() error {
	if s.ch == nil {
		return nil
	}
	return s.ch.Close()
}
