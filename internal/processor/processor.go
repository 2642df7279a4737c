// Package processor implements the consumer side of the pipeline: it turns
// each queue delivery into a send attempt and moves the email record through
// its status machine.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/email"
	"github.com/sungwon/mail-dispatch/internal/metrics"
	"github.com/sungwon/mail-dispatch/internal/msgstore"
	"github.com/sungwon/mail-dispatch/internal/queue"
	"github.com/sungwon/mail-dispatch/internal/sender"
)

var (
	errBodyNotFound = errors.New("message body not found")
	errNoSender     = errors.New("no sender address configured")
)

// Outcome is how one delivery was settled.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeRetry    Outcome = "retry"
	OutcomeFailed   Outcome = "failed"
	OutcomeDropped  Outcome = "dropped"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDeferred Outcome = "deferred"
	OutcomeRequeued Outcome = "requeued"
)

// RecordStore is the part of the record store the consumer needs.
type RecordStore interface {
	Find(ctx context.Context, id int64) (*email.Record, error)
	Update(ctx context.Context, id int64, u email.Update) error
}

// ActivityLog appends delivery history entries.
type ActivityLog interface {
	Append(ctx context.Context, recordID int64, status, message, details string) error
}

// Publisher schedules a record for another attempt after a delay.
type Publisher interface {
	PublishDelayed(ctx context.Context, rec *email.Record, delay time.Duration) error
}

// AccountLimiter enforces a per-account send budget.
type AccountLimiter interface {
	Allow(ctx context.Context, accountID int64) (bool, error)
	Window() time.Duration
}

// Pacer blocks until the process may send again.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Stream yields deliveries until the context ends or the broker closes it.
type Stream interface {
	Next(ctx context.Context) (*queue.Delivery, error)
}

// Config holds consumer settings.
type Config struct {
	// ProcessTimeout bounds the handling of one delivery. Handling is
	// detached from shutdown so an in-flight message always finishes.
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
	// BodyRetryInitial and BodyRetryMaxElapsed bound the retries of a
	// failing body store read.
	BodyRetryInitial    time.Duration `mapstructure:"body_retry_initial"`
	BodyRetryMaxElapsed time.Duration `mapstructure:"body_retry_max_elapsed"`

	// DefaultFrom is used when a record has no sender address.
	DefaultFrom     string `mapstructure:"-"`
	DefaultFromName string `mapstructure:"-"`
}

// Deps are the collaborators of a Processor. Limiter, Pacer and Activity
// are optional.
type Deps struct {
	Records  RecordStore
	Bodies   msgstore.BodyStore
	Activity ActivityLog
	Queue    Publisher
	Sender   sender.Sender
	Limiter  AccountLimiter
	Pacer    Pacer
}

// Processor handles deliveries one at a time.
type Processor struct {
	Deps
	cfg Config
	log zerolog.Logger
	now func() time.Time
}

// New creates a Processor.
func New(deps Deps, cfg Config, log zerolog.Logger) *Processor {
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 2 * time.Minute
	}
	if cfg.BodyRetryInitial <= 0 {
		cfg.BodyRetryInitial = 500 * time.Millisecond
	}
	if cfg.BodyRetryMaxElapsed <= 0 {
		cfg.BodyRetryMaxElapsed = 10 * time.Second
	}
	return &Processor{
		Deps: deps,
		cfg:  cfg,
		log:  log.With().Str("component", "processor").Logger(),
		now:  time.Now,
	}
}

// Run handles deliveries from stream until ctx is cancelled, which returns
// nil, or the stream fails, which returns the stream's error.
func (p *Processor) Run(ctx context.Context, stream Stream) error {
	p.log.Info().Msg("consumer started, waiting for messages")
	for {
		d, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.log.Info().Msg("consumer stopping")
				return nil
			}
			return fmt.Errorf("consume: %w", err)
		}
		p.Handle(ctx, d)
	}
}

// Handle runs the per-message protocol and settles d exactly once.
func (p *Processor) Handle(ctx context.Context, d *queue.Delivery) (outcome Outcome) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ProcessTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Interface("panic", r).
				Bytes("body", d.Body).
				Msg("panic while handling message, requeueing")
			outcome = p.requeue(d, p.log)
		}
		queue.MessagesProcessedTotal.WithLabelValues(string(outcome)).Inc()
		queue.MessageProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	return p.handle(ctx, d)
}

func (p *Processor) handle(ctx context.Context, d *queue.Delivery) Outcome {
	msg, err := queue.Decode(d.Body)
	if err != nil {
		p.log.Warn().Err(err).Bytes("body", d.Body).Msg("dropping malformed message")
		return p.ack(d, OutcomeDropped, p.log)
	}

	log := p.log.With().Int64("record_id", msg.ID).Bool("redelivered", d.Redelivered).Logger()

	rec, err := p.Records.Find(ctx, msg.ID)
	if err != nil {
		if errors.Is(err, email.ErrNotFound) {
			log.Warn().Msg("record not found, dropping message")
			return p.ack(d, OutcomeDropped, log)
		}
		log.Error().Err(err).Msg("failed to load record")
		return p.requeue(d, log)
	}

	log = log.With().Int("retry_count", rec.RetryCount).Logger()

	if rec.Status.IsTerminal() {
		log.Info().Str("status", string(rec.Status)).Msg("record already settled, skipping")
		return p.ack(d, OutcomeSkipped, log)
	}
	if d.Redelivered && rec.Status == email.StatusProcessing {
		log.Warn().Msg("previous attempt ended mid-send, sending again")
	}

	if p.Limiter != nil {
		allowed, err := p.Limiter.Allow(ctx, rec.AccountID)
		if err != nil {
			log.Warn().Err(err).Msg("rate limiter unavailable, sending anyway")
		} else if !allowed {
			return p.deferDelivery(ctx, d, rec, log)
		}
	}

	body, err := p.fetchBody(ctx, rec.ID, log)
	if err != nil {
		if errors.Is(err, msgstore.ErrNotFound) {
			log.Error().Msg("message body not found")
			return p.fail(ctx, d, rec, errBodyNotFound, log)
		}
		log.Error().Err(err).Msg("failed to load message body")
		return p.requeue(d, log)
	}

	if err := p.Records.Update(ctx, rec.ID, email.SetStatus(email.StatusProcessing).Guarded()); err != nil {
		if errors.Is(err, email.ErrStatusConflict) {
			return p.skip(d, err, log)
		}
		log.Error().Err(err).Msg("failed to mark record processing")
		return p.requeue(d, log)
	}
	p.logActivity(ctx, rec.ID, string(email.StatusProcessing), "Processing email", "", log)

	res, err := p.send(ctx, rec, body, log)
	if err != nil {
		return p.fail(ctx, d, rec, err, log)
	}

	if err := p.Records.Update(ctx, rec.ID, email.Sent(p.now(), res.ProviderMessageID).Guarded()); err != nil {
		if errors.Is(err, email.ErrStatusConflict) {
			return p.skip(d, err, log)
		}
		log.Error().Err(err).Msg("email sent but status update failed")
		return p.requeue(d, log)
	}
	p.logActivity(ctx, rec.ID, string(email.StatusSent), "Email sent successfully", "", log)

	log.Info().Str("provider_message_id", res.ProviderMessageID).Msg("email sent")
	return p.ack(d, OutcomeSent, log)
}

// fail applies the retry policy after a failed attempt.
func (p *Processor) fail(ctx context.Context, d *queue.Delivery, rec *email.Record, cause error, log zerolog.Logger) Outcome {
	decision := queue.Decide(rec.RetryCount, rec.MaxRetries)
	reason := cause.Error()

	if decision.Terminal {
		if err := p.Records.Update(ctx, rec.ID, email.Failed(p.now(), decision.NextRetryCount, reason).Guarded()); err != nil {
			if errors.Is(err, email.ErrStatusConflict) {
				return p.skip(d, err, log)
			}
			log.Error().Err(err).Msg("failed to mark record failed")
			return p.requeue(d, log)
		}
		p.logActivity(ctx, rec.ID, string(email.StatusFailed),
			fmt.Sprintf("Email failed after %d attempts", decision.NextRetryCount), reason, log)

		log.Error().
			Err(cause).
			Int("attempts", decision.NextRetryCount).
			Bool("permanent", sender.IsPermanent(cause)).
			Msg("email failed permanently")
		return p.ack(d, OutcomeFailed, log)
	}

	if err := p.Records.Update(ctx, rec.ID, email.Requeued(decision.NextRetryCount, reason).Guarded()); err != nil {
		if errors.Is(err, email.ErrStatusConflict) {
			return p.skip(d, err, log)
		}
		log.Error().Err(err).Msg("failed to record retry")
		return p.requeue(d, log)
	}

	retry := *rec
	retry.Status = email.StatusQueued
	retry.RetryCount = decision.NextRetryCount
	if err := p.Queue.PublishDelayed(ctx, &retry, decision.Delay); err != nil {
		log.Error().Err(err).Msg("failed to schedule retry, requeueing original")
		return p.requeue(d, log)
	}
	p.logActivity(ctx, rec.ID, email.ActivityRetry,
		fmt.Sprintf("Retry %d scheduled in %s", decision.NextRetryCount, decision.Delay), reason, log)

	log.Warn().
		Err(cause).
		Int("next_retry_count", decision.NextRetryCount).
		Dur("delay", decision.Delay).
		Bool("permanent", sender.IsPermanent(cause)).
		Msg("send failed, retry scheduled")
	return p.ack(d, OutcomeRetry, log)
}

// deferDelivery postpones a record whose account is over budget. The record
// stays queued and its retry budget is untouched.
func (p *Processor) deferDelivery(ctx context.Context, d *queue.Delivery, rec *email.Record, log zerolog.Logger) Outcome {
	delay := p.Limiter.Window()
	if err := p.Queue.PublishDelayed(ctx, rec, delay); err != nil {
		log.Error().Err(err).Msg("failed to defer rate limited message, requeueing")
		return p.requeue(d, log)
	}
	metrics.RateLimitDeferralsTotal.Inc()
	p.logActivity(ctx, rec.ID, email.ActivityDeferred,
		fmt.Sprintf("Account %d over its send budget, deferred by %s", rec.AccountID, delay), "", log)

	log.Info().Int64("account_id", rec.AccountID).Dur("delay", delay).Msg("rate limited, message deferred")
	return p.ack(d, OutcomeDeferred, log)
}

// fetchBody reads the rendered body, retrying transient store errors with
// exponential backoff. A missing body is not retried.
func (p *Processor) fetchBody(ctx context.Context, recordID int64, log zerolog.Logger) (string, error) {
	var body string
	attempt := 0
	op := func() error {
		attempt++
		b, err := p.Bodies.Get(ctx, recordID)
		if err != nil {
			if errors.Is(err, msgstore.ErrNotFound) {
				return backoff.Permanent(err)
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("body store read failed, retrying")
			return err
		}
		body = b
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BodyRetryInitial
	b.MaxElapsedTime = p.cfg.BodyRetryMaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return body, nil
}

// send builds the outbound message and hands it to the sender. Sender
// errors and panics come back as errors.
func (p *Processor) send(ctx context.Context, rec *email.Record, body string, log zerolog.Logger) (res *sender.Result, err error) {
	name := p.Sender.Name()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("sender panicked")
			res, err = nil, fmt.Errorf("sender panic: %v", r)
		}
	}()

	from := strings.TrimSpace(rec.FromEmail)
	if from == "" {
		from = strings.TrimSpace(p.cfg.DefaultFrom)
	}
	if from == "" {
		return nil, errNoSender
	}

	if p.Pacer != nil {
		if err := p.Pacer.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for send slot: %w", err)
		}
	}

	msg := &sender.Message{
		From:        from,
		FromName:    p.cfg.DefaultFromName,
		To:          rec.To.Strings(),
		Cc:          rec.Cc.Strings(),
		Bcc:         rec.Bcc.Strings(),
		Subject:     rec.Subject,
		Body:        body,
		Attachments: rec.Attachments,
	}

	start := time.Now()
	res, err = p.Sender.Send(ctx, msg)
	metrics.SendDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := "transient"
		if sender.IsPermanent(err) {
			kind = "permanent"
		}
		metrics.SendFailuresTotal.WithLabelValues(name, kind).Inc()
		return nil, err
	}
	metrics.EmailsSentTotal.WithLabelValues(name).Inc()

	for _, path := range res.Skipped {
		log.Warn().Str("attachment", path).Msg("attachment skipped, file not found")
	}
	return res, nil
}

// logActivity appends a history entry. Failures are logged and ignored.
func (p *Processor) logActivity(ctx context.Context, recordID int64, status, message, details string, log zerolog.Logger) {
	if p.Activity == nil {
		return
	}
	if err := p.Activity.Append(ctx, recordID, status, message, details); err != nil {
		log.Warn().Err(err).Str("activity", status).Msg("failed to append activity log")
	}
}

// skip acks a delivery whose record was moved on by someone else while it
// was being handled, for example cancelled through the API.
func (p *Processor) skip(d *queue.Delivery, cause error, log zerolog.Logger) Outcome {
	log.Info().Err(cause).Msg("record changed concurrently, skipping")
	return p.ack(d, OutcomeSkipped, log)
}

func (p *Processor) ack(d *queue.Delivery, outcome Outcome, log zerolog.Logger) Outcome {
	if err := d.Ack(); err != nil {
		log.Error().Err(err).Msg("failed to ack delivery")
	}
	return outcome
}

func (p *Processor) requeue(d *queue.Delivery, log zerolog.Logger) Outcome {
	if d.Settled() {
		return OutcomeRequeued
	}
	if err := d.Requeue(); err != nil {
		log.Error().Err(err).Msg("failed to requeue delivery")
	}
	return OutcomeRequeued
}
