package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/email"
)

// ErrConnectionLost marks a publish that failed because the broker
// connection is gone and could not be re-established.
var ErrConnectionLost = errors.New("broker connection lost")

// IsConnectionLost reports whether err means the broker connection, not the
// message, is at fault. Callers should stop publishing and try again later.
func IsConnectionLost(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}

// Client publishes email messages to the live queue, schedules delayed
// retries through dead-lettering delay queues and opens consuming streams.
//
// Publishing uses its own channel, separate from any consuming channel, so a
// broker channel exception raised by a publish never tears down a consumer.
type Client struct {
	cfg    Config
	conn   amqpConnection
	redial func() (amqpConnection, error)
	log    zerolog.Logger

	mu          sync.Mutex
	pub         amqpChannel
	delayQueues map[int64]string // TTL seconds -> declared delay queue
	consumers   []amqpChannel
}

// Dial connects to the broker and declares the durable live queue.
// The publish side redials on its own when the connection drops; consuming
// streams end and must be reopened by the caller.
func Dial(cfg Config, log zerolog.Logger) (*Client, error) {
	conn, err := dialBroker(cfg)
	if err != nil {
		return nil, err
	}

	c, err := newClient(conn, cfg, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.redial = func() (amqpConnection, error) { return dialBroker(cfg) }
	return c, nil
}

func dialBroker(cfg Config) (amqpConnection, error) {
	conn, err := amqp.DialConfig(cfg.URL(), amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(cfg.DialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("dial broker %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &brokerConnection{conn: conn}, nil
}

func newClient(conn amqpConnection, cfg Config, log zerolog.Logger) (*Client, error) {
	c := &Client{
		cfg:         cfg,
		conn:        conn,
		log:         log.With().Str("component", "queue").Str("queue", cfg.Queue).Logger(),
		delayQueues: make(map[int64]string),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channelLocked()
	if err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		c.dropChannelLocked()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}

	c.log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Msg("broker connected")
	return c, nil
}

// Publish sends the record's queue message to the live queue as a persistent
// JSON message. Transport failures are returned, never panicked.
func (c *Client) Publish(ctx context.Context, rec *email.Record) error {
	body, err := NewMessage(rec).Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	err = c.publishLocked(ctx, c.cfg.Queue, body)
	c.mu.Unlock()

	if err != nil {
		PublishFailuresTotal.WithLabelValues(labelLive).Inc()
		return fmt.Errorf("publish record %d: %w", rec.ID, err)
	}

	MessagesPublishedTotal.WithLabelValues(labelLive).Inc()
	c.log.Debug().Int64("record_id", rec.ID).Msg("message published")
	return nil
}

// PublishDelayed sends the record's queue message to a delay queue whose
// per-queue TTL equals delay. When the TTL expires the broker dead-letters
// the message into the live queue; nothing on the client side waits.
func (c *Client) PublishDelayed(ctx context.Context, rec *email.Record, delay time.Duration) error {
	body, err := NewMessage(rec).Encode()
	if err != nil {
		return err
	}
	secs := delaySeconds(delay)

	c.mu.Lock()
	name, err := c.delayQueueLocked(secs)
	if err == nil {
		err = c.publishLocked(ctx, name, body)
	}
	c.mu.Unlock()

	if err != nil {
		PublishFailuresTotal.WithLabelValues(labelDelayed).Inc()
		return fmt.Errorf("publish delayed record %d: %w", rec.ID, err)
	}

	MessagesPublishedTotal.WithLabelValues(labelDelayed).Inc()
	c.log.Debug().
		Int64("record_id", rec.ID).
		Int("retry_count", rec.RetryCount).
		Int64("delay_seconds", secs).
		Str("delay_queue", name).
		Msg("delayed message published")
	return nil
}

// Consume starts a manual-ack consumer on the live queue with a prefetch of
// one and returns the delivery stream. Each call opens a new channel.
func (c *Client) Consume(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consume channel: %w", err)
	}

	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	c.mu.Lock()
	c.consumers = append(c.consumers, ch)
	c.mu.Unlock()

	c.log.Info().Int("prefetch", prefetch).Msg("consumer started")
	return newStream(deliveries, ch), nil
}

// QueueCount returns the number of ready messages in the live queue, or 0 when
// the broker cannot be asked.
func (c *Client) QueueCount(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	// A failed passive declare closes its channel, so use a throwaway one.
	ch, err := c.conn.Channel()
	if err != nil {
		c.log.Warn().Err(err).Msg("open channel for queue count")
		return 0
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("inspect queue")
		return 0
	}

	QueueDepth.Set(float64(q.Messages))
	return q.Messages
}

// Close closes all channels and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.consumers {
		_ = ch.Close()
	}
	c.consumers = nil
	c.dropChannelLocked()

	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close broker connection: %w", err)
	}
	return nil
}

func (c *Client) publishLocked(ctx context.Context, queue string, body []byte) error {
	ch, err := c.channelLocked()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	err = ch.PublishWithContext(ctx, "", queue, false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		// The cached channel died since the last publish; nothing was sent.
		c.dropChannelLocked()
		if ch, err = c.channelLocked(); err != nil {
			return err
		}
		err = ch.PublishWithContext(ctx, "", queue, false, false, msg)
	}
	if err != nil {
		if isChannelError(err) {
			c.dropChannelLocked()
		}
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		return err
	}
	return nil
}

// delayQueueLocked returns the delay queue for the TTL, declaring it on first
// use. The shared <queue>_delayed queue is tried first; the broker refuses to
// redeclare it with another TTL, in which case a <queue>_delayed_<secs>
// sibling is declared on a fresh channel.
func (c *Client) delayQueueLocked(secs int64) (string, error) {
	if name, ok := c.delayQueues[secs]; ok {
		return name, nil
	}

	ch, err := c.channelLocked()
	if err != nil {
		return "", err
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": c.cfg.Queue,
		"x-message-ttl":             secs * 1000,
	}

	name := c.cfg.DelayQueue()
	_, err = ch.QueueDeclare(name, true, false, false, false, args)
	if err != nil {
		if isChannelError(err) {
			c.dropChannelLocked()
		}
		if !isPreconditionFailed(err) {
			return "", fmt.Errorf("declare delay queue %s: %w", name, err)
		}

		ch, err = c.channelLocked()
		if err != nil {
			return "", err
		}
		name = c.cfg.DelayQueueFor(secs)
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			if isChannelError(err) {
				c.dropChannelLocked()
			}
			return "", fmt.Errorf("declare delay queue %s: %w", name, err)
		}

		DelayQueueFallbackTotal.Inc()
		c.log.Info().Str("delay_queue", name).Int64("ttl_seconds", secs).Msg("declared per-ttl delay queue")
	}

	c.delayQueues[secs] = name
	return name, nil
}

func (c *Client) channelLocked() (amqpChannel, error) {
	if c.pub != nil {
		return c.pub, nil
	}
	ch, err := c.conn.Channel()
	if errors.Is(err, amqp.ErrClosed) && c.redial != nil {
		if rerr := c.reconnectLocked(); rerr != nil {
			return nil, fmt.Errorf("open publish channel: %w: %w", ErrConnectionLost, rerr)
		}
		ch, err = c.conn.Channel()
	}
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w: %w", ErrConnectionLost, err)
	}
	c.pub = ch
	return ch, nil
}

// reconnectLocked replaces a closed connection and redeclares the live
// queue on it. Delay queues are durable and stay cached.
func (c *Client) reconnectLocked() error {
	conn, err := c.redial()
	if err != nil {
		BrokerReconnectsTotal.WithLabelValues("failed").Inc()
		return err
	}

	ch, err := conn.Channel()
	if err == nil {
		_, err = ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
		_ = ch.Close()
	}
	if err != nil {
		_ = conn.Close()
		BrokerReconnectsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}

	_ = c.conn.Close()
	c.conn = conn
	c.consumers = nil
	BrokerReconnectsTotal.WithLabelValues("ok").Inc()
	c.log.Warn().Msg("broker connection lost, reconnected")
	return nil
}

func (c *Client) dropChannelLocked() {
	if c.pub == nil {
		return
	}
	_ = c.pub.Close()
	c.pub = nil
}

// delaySeconds rounds delay up to whole seconds, with a floor of one second.
func delaySeconds(delay time.Duration) int64 {
	secs := int64((delay + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
