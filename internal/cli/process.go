package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sungwon/mail-dispatch/internal/config"
	"github.com/sungwon/mail-dispatch/internal/msgstore"
	"github.com/sungwon/mail-dispatch/internal/processor"
	"github.com/sungwon/mail-dispatch/internal/queue"
	"github.com/sungwon/mail-dispatch/internal/ratelimit"
	"github.com/sungwon/mail-dispatch/internal/sender"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

// NewProcessCommand runs the queue consumer. A lost broker connection is
// redialled with exponential backoff until the process is signalled; a
// broker that cannot be reached at startup is an error.
func NewProcessCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Consume the email queue and send messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			cfg := rt.cfg
			log := rt.logger("consumer")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := openDB(ctx, cfg.Database, log)
			if err != nil {
				return err
			}
			defer db.Close()

			rdb, err := openRedis(ctx, cfg.Redis, log)
			if err != nil {
				return err
			}
			defer closeRedis(rdb)

			bodies, err := openBodyStore(ctx, cfg.MsgStore, db, log)
			if err != nil {
				return err
			}

			signer, err := sender.NewDKIMSigner(cfg.DKIM)
			if err != nil {
				return err
			}
			snd, err := sender.New(cfg.SMTP, signer, log)
			if err != nil {
				return err
			}
			log.Info().Str("sender", snd.Name()).Bool("dkim", signer != nil).Msg("sender ready")

			c := &consumer{
				cfg:    cfg,
				db:     db,
				rdb:    rdb,
				bodies: bodies,
				sender: snd,
				log:    log,
			}
			return c.run(ctx)
		},
	}

	return cmd
}

type consumer struct {
	cfg    *config.Config
	db     *storage.DB
	rdb    *redis.Client
	bodies msgstore.BodyStore
	sender sender.Sender
	log    zerolog.Logger
}

// run consumes until ctx ends, reconnecting after broker failures. Only a
// broker that was reached once is redialled.
func (c *consumer) run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	connected := false
	op := func() error {
		started := time.Now()
		dialled, err := c.session(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		connected = connected || dialled
		if !connected {
			return backoff.Permanent(fmt.Errorf("connect to broker: %w", err))
		}
		// A session that ran for a while earns a fresh backoff schedule.
		if time.Since(started) > b.MaxInterval {
			b.Reset()
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Error().Err(err).Dur("retry_in", wait).Msg("consumer session ended, reconnecting")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// session dials the broker and consumes until the stream or ctx ends. It
// reports whether the dial succeeded.
func (c *consumer) session(ctx context.Context) (bool, error) {
	broker, err := queue.Dial(c.cfg.Broker, c.log)
	if err != nil {
		return false, err
	}
	defer func() { _ = broker.Close() }()

	stream, err := broker.Consume(ctx)
	if err != nil {
		return true, err
	}
	defer func() { _ = stream.Close() }()

	proc := processor.New(processor.Deps{
		Records:  storage.NewRecordStore(c.db.Pool),
		Bodies:   c.bodies,
		Activity: storage.NewActivityStore(c.db.Pool),
		Queue:    broker,
		Sender:   c.sender,
		Limiter:  ratelimit.NewAccountLimiter(c.rdb, c.cfg.RateLimit),
		Pacer:    ratelimit.NewPacer(c.cfg.RateLimit),
	}, c.cfg.Consumer, c.log)

	return true, proc.Run(ctx, stream)
}
