package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/email"
)

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeBroker is an in-memory stand-in for a RabbitMQ server. Declaring an
// existing queue with a different TTL fails with PRECONDITION_FAILED and
// closes the channel, as the real broker does.
type fakeBroker struct {
	mu         sync.Mutex
	queues     map[string]amqp.Table
	declares   []string
	published  []publishedMessage
	channels   []*fakeChannel
	publishErr error
	channelErr error
	passiveErr error
	ready      int
	deliveries chan amqp.Delivery
	closed     bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:     make(map[string]amqp.Table),
		deliveries: make(chan amqp.Delivery, 10),
	}
}

func (b *fakeBroker) Channel() (amqpChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channelErr != nil {
		return nil, b.channelErr
	}
	if b.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{broker: b}
	b.channels = append(b.channels, ch)
	return ch, nil
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// drop simulates the broker going away: the connection and every channel on
// it are closed.
func (b *fakeBroker) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, ch := range b.channels {
		ch.closed = true
	}
}

type fakeChannel struct {
	broker       *fakeBroker
	closed       bool
	prefetch     int
	autoAck      bool
	consumedFrom string
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	b.declares = append(b.declares, name)
	if existing, ok := b.queues[name]; ok && existing["x-message-ttl"] != args["x-message-ttl"] {
		c.closed = true
		return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'x-message-ttl'"}
	}
	b.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.passiveErr != nil {
		return amqp.Queue{}, b.passiveErr
	}
	return amqp.Queue{Name: name, Messages: b.ready}, nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) Consume(queue, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.autoAck = autoAck
	c.consumedFrom = queue
	return c.broker.deliveries, nil
}

func (c *fakeChannel) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.closed = true
	return nil
}

// fakeAcker records how deliveries were settled.
type fakeAcker struct {
	mu       sync.Mutex
	acked    []uint64
	requeued []uint64
	rejected []uint64
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.requeued = append(a.requeued, tag)
	} else {
		a.rejected = append(a.rejected, tag)
	}
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func newTestClient(t *testing.T, b *fakeBroker) *Client {
	t.Helper()
	c, err := newClient(b, DefaultConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("newClient() error = %v", err)
	}
	return c
}

func TestNewClientDeclaresLiveQueue(t *testing.T) {
	b := newFakeBroker()
	newTestClient(t, b)

	if _, ok := b.queues["email_queue"]; !ok {
		t.Fatalf("live queue not declared, declared = %v", b.declares)
	}
}

func TestNewClientDeclareError(t *testing.T) {
	b := newFakeBroker()
	b.channelErr = errors.New("connection refused")

	if _, err := newClient(b, DefaultConfig(), zerolog.Nop()); err == nil {
		t.Fatal("newClient() error = nil, want error")
	}
}

func TestPublish(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b)

	if err := c.Publish(context.Background(), &email.Record{ID: 5}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(b.published) != 1 {
		t.Fatalf("published = %d messages, want 1", len(b.published))
	}
	p := b.published[0]
	if p.exchange != "" || p.key != "email_queue" {
		t.Errorf("published to %q/%q, want default exchange and email_queue", p.exchange, p.key)
	}
	if string(p.msg.Body) != `{"id":5}` {
		t.Errorf("body = %s, want {\"id\":5}", p.msg.Body)
	}
	if p.msg.DeliveryMode != amqp.Persistent {
		t.Errorf("DeliveryMode = %d, want persistent", p.msg.DeliveryMode)
	}
	if p.msg.ContentType != "application/json" {
		t.Errorf("ContentType = %q", p.msg.ContentType)
	}
}

func TestPublishErrorIsReturned(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b)
	b.publishErr = errors.New("broker unavailable")

	err := c.Publish(context.Background(), &email.Record{ID: 5})
	if err == nil {
		t.Fatal("Publish() error = nil, want error")
	}
}

func TestPublishReopensClosedChannel(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b)

	_ = b.channels[0].Close()

	if err := c.Publish(context.Background(), &email.Record{ID: 1}); err != nil {
		t.Fatalf("Publish() on closed channel error = %v", err)
	}
	if len(b.channels) != 2 {
		t.Errorf("channels opened = %d, want 2", len(b.channels))
	}
	if len(b.published) != 1 {
		t.Errorf("published = %d messages, want 1", len(b.published))
	}
}

func TestPublishRedialsLostConnection(t *testing.T) {
	first := newFakeBroker()
	c := newTestClient(t, first)
	second := newFakeBroker()
	c.redial = func() (amqpConnection, error) { return second, nil }

	first.drop()

	if err := c.Publish(context.Background(), &email.Record{ID: 3}); err != nil {
		t.Fatalf("Publish() after reconnect error = %v", err)
	}
	if len(second.published) != 1 {
		t.Fatalf("published on new connection = %d, want 1", len(second.published))
	}
	if _, ok := second.queues["email_queue"]; !ok {
		t.Error("live queue not redeclared on new connection")
	}
}

func TestPublishConnectionLost(t *testing.T) {
	t.Run("redial fails", func(t *testing.T) {
		b := newFakeBroker()
		c := newTestClient(t, b)
		c.redial = func() (amqpConnection, error) { return nil, errors.New("connection refused") }
		b.drop()

		err := c.Publish(context.Background(), &email.Record{ID: 1})
		if !IsConnectionLost(err) {
			t.Fatalf("Publish() error = %v, want connection lost", err)
		}
	})

	t.Run("no redial configured", func(t *testing.T) {
		b := newFakeBroker()
		c := newTestClient(t, b)
		b.drop()

		err := c.Publish(context.Background(), &email.Record{ID: 1})
		if !IsConnectionLost(err) || !errors.Is(err, amqp.ErrClosed) {
			t.Fatalf("Publish() error = %v, want connection lost wrapping amqp.ErrClosed", err)
		}
	})

	t.Run("message fault is not a connection fault", func(t *testing.T) {
		b := newFakeBroker()
		c := newTestClient(t, b)
		b.publishErr = errors.New("message too large")

		err := c.Publish(context.Background(), &email.Record{ID: 1})
		if err == nil || IsConnectionLost(err) {
			t.Fatalf("Publish() error = %v, want a plain publish error", err)
		}
	})
}

func TestPublishDelayed(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b)

	rec := &email.Record{ID: 9, RetryCount: 1}
	if err := c.PublishDelayed(context.Background(), rec, 2*time.Minute); err != nil {
		t.Fatalf("PublishDelayed() error = %v", err)
	}

	args, ok := b.queues["email_queue_delayed"]
	if !ok {
		t.Fatalf("delay queue not declared, declared = %v", b.declares)
	}
	if args["x-dead-letter-exchange"] != "" {
		t.Errorf("x-dead-letter-exchange = %v, want default exchange", args["x-dead-letter-exchange"])
	}
	if args["x-dead-letter-routing-key"] != "email_queue" {
		t.Errorf("x-dead-letter-routing-key = %v, want email_queue", args["x-dead-letter-routing-key"])
	}
	if args["x-message-ttl"] != int64(120000) {
		t.Errorf("x-message-ttl = %v, want 120000", args["x-message-ttl"])
	}

	p := b.published[len(b.published)-1]
	if p.key != "email_queue_delayed" {
		t.Errorf("published to %q, want email_queue_delayed", p.key)
	}
	if string(p.msg.Body) != `{"id":9,"retry_count":1}` {
		t.Errorf("body = %s", p.msg.Body)
	}
	if p.msg.DeliveryMode != amqp.Persistent {
		t.Errorf("DeliveryMode = %d, want persistent", p.msg.DeliveryMode)
	}
}

func TestPublishDelayedFallsBackOnTTLMismatch(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b)
	ctx := context.Background()

	if err := c.PublishDelayed(ctx, &email.Record{ID: 1, RetryCount: 1}, 2*time.Minute); err != nil {
		t.Fatalf("first PublishDelayed() error = %v", err)
	}
	if err := c.PublishDelayed(ctx, &email.Record{ID: 1, RetryCount: 2}, 4*time.Minute); err != nil {
		t.Fatalf("second PublishDelayed() error = %v", err)
	}

	args, ok := b.queues["email_queue_delayed_240"]
	if !ok {
		t.Fatalf("per-ttl delay queue not declared, declared = %v", b.declares)
	}
	if args["x-message-ttl"] != int64(240000) {
		t.Errorf("x-message-ttl = %v, want 240000", args["x-message-ttl"])
	}
	if got := b.published[len(b.published)-1].key; got != "email_queue_delayed_240" {
		t.Errorf("published to %q, want email_queue_delayed_240", got)
	}
	if b.queues["email_queue_delayed"]["x-message-ttl"] != int64(120000) {
		t.Error("shared delay queue TTL changed")
	}
}

func TestPublishDelayedCachesDeclaredQueues(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b)
	ctx := context.Background()

	for i := range 3 {
		if err := c.PublishDelayed(ctx, &email.Record{ID: int64(i + 1)}, 2*time.Minute); err != nil {
			t.Fatalf("PublishDelayed() error = %v", err)
		}
	}

	count := 0
	for _, name := range b.declares {
		if name == "email_queue_delayed" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("delay queue declared %d times, want 1", count)
	}
	if len(b.published) != 3 {
		t.Errorf("published = %d, want 3", len(b.published))
	}
}

func TestDelaySeconds(t *testing.T) {
	tests := []struct {
		delay time.Duration
		want  int64
	}{
		{0, 1},
		{500 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{2 * time.Minute, 120},
		{24 * time.Hour, 86400},
	}
	for _, tt := range tests {
		if got := delaySeconds(tt.delay); got != tt.want {
			t.Errorf("delaySeconds(%v) = %d, want %d", tt.delay, got, tt.want)
		}
	}
}

func TestConsume(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b)
	acker := &fakeAcker{}

	stream, err := c.Consume(context.Background())
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	ch := b.channels[len(b.channels)-1]
	if ch == b.channels[0] {
		t.Error("consumer shares the publishing channel")
	}
	if ch.prefetch != 1 {
		t.Errorf("prefetch = %d, want 1", ch.prefetch)
	}
	if ch.autoAck {
		t.Error("consumer uses auto-ack")
	}
	if ch.consumedFrom != "email_queue" {
		t.Errorf("consuming %q, want email_queue", ch.consumedFrom)
	}

	b.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 3, Redelivered: true, Body: []byte(`{"id":1}`)}

	d, err := stream.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if string(d.Body) != `{"id":1}` {
		t.Errorf("Body = %s", d.Body)
	}
	if !d.Redelivered {
		t.Error("Redelivered flag lost")
	}
	if err := d.Ack(); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if len(acker.acked) != 1 || acker.acked[0] != 3 {
		t.Errorf("acked = %v, want [3]", acker.acked)
	}
}

func TestStreamNextContextCancelled(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b)

	stream, err := c.Consume(context.Background())
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := stream.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() error = %v, want context.Canceled", err)
	}
}

func TestStreamNextClosed(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b)

	stream, err := c.Consume(context.Background())
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	close(b.deliveries)

	if _, err := stream.Next(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Next() error = %v, want ErrStreamClosed", err)
	}
}

func TestQueueCount(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b)
	b.ready = 12

	if got := c.QueueCount(context.Background()); got != 12 {
		t.Errorf("QueueCount() = %d, want 12", got)
	}

	b.passiveErr = &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND"}
	if got := c.QueueCount(context.Background()); got != 0 {
		t.Errorf("QueueCount() on error = %d, want 0", got)
	}

	b.passiveErr = nil
	b.channelErr = errors.New("connection lost")
	if got := c.QueueCount(context.Background()); got != 0 {
		t.Errorf("QueueCount() without channel = %d, want 0", got)
	}
}

func TestClose(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b)

	if _, err := c.Consume(context.Background()); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !b.closed {
		t.Error("connection not closed")
	}
	for i, ch := range b.channels {
		if !ch.closed {
			t.Errorf("channel %d not closed", i)
		}
	}
}

func TestDeliverySettlesOnce(t *testing.T) {
	acker := &fakeAcker{}
	d := NewDelivery(8, []byte(`{"id":1}`), acker)

	if err := d.Requeue(); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if !d.Settled() {
		t.Error("Settled() = false after Requeue")
	}
	if err := d.Ack(); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("Ack() after Requeue error = %v, want ErrAlreadySettled", err)
	}
	if len(acker.requeued) != 1 || acker.requeued[0] != 8 {
		t.Errorf("requeued = %v, want [8]", acker.requeued)
	}
	if len(acker.acked) != 0 {
		t.Errorf("acked = %v, want none", acker.acked)
	}
}
