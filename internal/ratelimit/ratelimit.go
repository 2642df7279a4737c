// Package ratelimit throttles outbound delivery: a per-account budget shared
// by every consumer process through Redis, and a process-wide send pace.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const defaultWindow = time.Minute

// Config holds throttling configuration.
type Config struct {
	// PerAccount is the number of sends one account may make per Window.
	// Zero disables the per-account budget.
	PerAccount int `mapstructure:"per_account"`
	// Window is the length of the per-account counting window.
	Window time.Duration `mapstructure:"window"`
	// SendsPerSecond paces every send of this process. Zero means unlimited.
	SendsPerSecond float64 `mapstructure:"sends_per_second"`
	// Burst is the number of sends allowed back to back.
	Burst int `mapstructure:"burst"`
}

// AccountLimiter counts sends per account in fixed windows stored in Redis.
type AccountLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewAccountLimiter creates an AccountLimiter. A nil client or a zero limit
// allows everything.
func NewAccountLimiter(client *redis.Client, cfg Config) *AccountLimiter {
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	return &AccountLimiter{
		client: client,
		limit:  cfg.PerAccount,
		window: window,
		now:    time.Now,
	}
}

// Window is how long a deferred message should wait before its account has
// a fresh budget.
func (l *AccountLimiter) Window() time.Duration {
	return l.window
}

// Allow consumes one unit of the account's budget for the current window
// and reports whether the send may go ahead.
func (l *AccountLimiter) Allow(ctx context.Context, accountID int64) (bool, error) {
	if l == nil || l.client == nil || l.limit <= 0 {
		return true, nil
	}

	key := l.key(accountID)
	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("increment send count for account %d: %w", accountID, err)
	}

	return incr.Val() <= int64(l.limit), nil
}

// key names the counter of the window containing now.
func (l *AccountLimiter) key(accountID int64) string {
	slot := l.now().UTC().UnixNano() / int64(l.window)
	return fmt.Sprintf("ratelimit:send:%d:%d", accountID, slot)
}

// Pacer spaces out sends within one process.
type Pacer struct {
	lim *rate.Limiter
}

// NewPacer creates a Pacer from cfg. With SendsPerSecond unset, Wait
// returns immediately.
func NewPacer(cfg Config) *Pacer {
	if cfg.SendsPerSecond <= 0 {
		return &Pacer{}
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Pacer{lim: rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), burst)}
}

// Wait blocks until the next send is allowed or ctx ends.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.lim == nil {
		return nil
	}
	return p.lim.Wait(ctx)
}
