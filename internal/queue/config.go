package queue

import (
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds configuration for the broker connection and consumer.
type Config struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	VHost       string        `mapstructure:"vhost"`
	Queue       string        `mapstructure:"queue"`
	Prefetch    int           `mapstructure:"prefetch"`
	ConsumerTag string        `mapstructure:"consumer_tag"`
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:        "localhost",
		Port:        5672,
		User:        "guest",
		Password:    "guest",
		VHost:       "/",
		Queue:       "email_queue",
		Prefetch:    1,
		Heartbeat:   10 * time.Second,
		DialTimeout: 30 * time.Second,
	}
}

// URL renders the AMQP connection URI.
func (c Config) URL() string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    c.VHost,
	}.String()
}

// DelayQueue is the shared delay queue that dead-letters into the live queue.
func (c Config) DelayQueue() string {
	return c.Queue + "_delayed"
}

// DelayQueueFor is the per-TTL sibling used when the shared delay queue was
// declared with a different TTL.
func (c Config) DelayQueueFor(seconds int64) string {
	return c.DelayQueue() + "_" + strconv.FormatInt(seconds, 10)
}
