// Package scheduler hands due email records to the queue: pending records
// right away, scheduled ones once their time has come.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/email"
	"github.com/sungwon/mail-dispatch/internal/metrics"
	"github.com/sungwon/mail-dispatch/internal/queue"
)

const (
	defaultBatchSize = 100

	// handOffError is stored on records that never reached the queue.
	handOffError = "Failed to push to queue"
)

// RecordStore is the part of the record store the scheduler needs.
type RecordStore interface {
	FindDue(ctx context.Context, limit int) ([]*email.Record, error)
	Update(ctx context.Context, id int64, u email.Update) error
}

// Publisher puts a record on the live queue.
type Publisher interface {
	Publish(ctx context.Context, rec *email.Record) error
}

// ActivityLog appends delivery history entries.
type ActivityLog interface {
	Append(ctx context.Context, recordID int64, status, message, details string) error
}

// Locker guards a batch against concurrent runs in other processes.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Config holds scheduler settings.
type Config struct {
	BatchSize int           `mapstructure:"batch_size"`
	Interval  time.Duration `mapstructure:"interval"`
	// LockTTL bounds how long a crashed run can hold the Redis lock.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// Summary counts the outcome of one batch.
type Summary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Scheduler promotes due records to the queue.
type Scheduler struct {
	records  RecordStore
	queue    Publisher
	activity ActivityLog
	lock     Locker
	batch    int
	log      zerolog.Logger
}

// New creates a Scheduler. activity and lock may be nil.
func New(records RecordStore, queue Publisher, activity ActivityLog, lock Locker, cfg Config, log zerolog.Logger) *Scheduler {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Scheduler{
		records:  records,
		queue:    queue,
		activity: activity,
		lock:     lock,
		batch:    batch,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// ProcessPendingEmails publishes one batch of due records. Per-record
// failures are counted in the summary. A failed lookup is returned, as is a
// lost broker connection, which ends the batch and leaves the remaining
// records due for the next run.
func (s *Scheduler) ProcessPendingEmails(ctx context.Context) (Summary, error) {
	if s.lock != nil {
		ok, err := s.lock.TryLock(ctx)
		if err != nil {
			metrics.SchedulerRunsTotal.WithLabelValues("error").Inc()
			return Summary{}, fmt.Errorf("acquire scheduler lock: %w", err)
		}
		if !ok {
			s.log.Debug().Msg("another scheduler holds the lock, skipping run")
			metrics.SchedulerRunsTotal.WithLabelValues("skipped").Inc()
			return Summary{}, nil
		}
		defer func() {
			if err := s.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn().Err(err).Msg("failed to release scheduler lock")
			}
		}()
	}

	due, err := s.records.FindDue(ctx, s.batch)
	if err != nil {
		metrics.SchedulerRunsTotal.WithLabelValues("error").Inc()
		return Summary{}, fmt.Errorf("find due records: %w", err)
	}

	var sum Summary
	for _, rec := range due {
		queued, err := s.enqueue(ctx, rec)
		if err != nil {
			metrics.SchedulerRunsTotal.WithLabelValues("error").Inc()
			s.log.Warn().
				Err(err).
				Int("handed_off", sum.Total).
				Int("remaining", len(due)-sum.Total).
				Msg("broker connection lost, batch aborted")
			return sum, fmt.Errorf("hand off record %d: %w", rec.ID, err)
		}
		sum.Total++
		if queued {
			sum.Success++
		} else {
			sum.Failed++
		}
	}

	metrics.SchedulerRunsTotal.WithLabelValues("ran").Inc()
	if sum.Total > 0 {
		s.log.Info().
			Int("total", sum.Total).
			Int("success", sum.Success).
			Int("failed", sum.Failed).
			Msg("scheduler batch processed")
	}
	return sum, nil
}

// Enqueue publishes a single record and moves it to queued, or to failed
// when the broker refused it. It reports whether the record is now queued.
// A record that could not be published because the broker connection is
// down is left as it was.
func (s *Scheduler) Enqueue(ctx context.Context, rec *email.Record) bool {
	queued, _ := s.enqueue(ctx, rec)
	return queued
}

// enqueue returns an error only when the broker connection is lost. The
// status writes are guarded so a consumer that already picked the record up
// is never overwritten.
func (s *Scheduler) enqueue(ctx context.Context, rec *email.Record) (bool, error) {
	log := s.log.With().Int64("record_id", rec.ID).Logger()

	if err := s.queue.Publish(ctx, rec); err != nil {
		if queue.IsConnectionLost(err) {
			metrics.SchedulerHandOffsTotal.WithLabelValues("deferred").Inc()
			return false, err
		}

		log.Error().Err(err).Msg("failed to publish record")
		metrics.SchedulerHandOffsTotal.WithLabelValues("failed").Inc()
		failed := email.HandOffFailed(handOffError).When(email.StatusPending, email.StatusScheduled)
		if uerr := s.records.Update(ctx, rec.ID, failed); uerr != nil {
			log.Error().Err(uerr).Msg("failed to mark record failed")
		}
		s.logActivity(ctx, rec.ID, string(email.StatusFailed), handOffError, err.Error(), log)
		return false, nil
	}

	queued := email.SetStatus(email.StatusQueued).When(email.StatusPending, email.StatusScheduled)
	if err := s.records.Update(ctx, rec.ID, queued); err != nil {
		if errors.Is(err, email.ErrStatusConflict) {
			// A consumer got to it first; the message is on the queue.
			log.Debug().Err(err).Msg("record moved on before queued write")
			metrics.SchedulerHandOffsTotal.WithLabelValues("queued").Inc()
			return true, nil
		}
		log.Error().Err(err).Msg("record published but status update failed")
		metrics.SchedulerHandOffsTotal.WithLabelValues("failed").Inc()
		return false, nil
	}
	rec.Status = email.StatusQueued
	s.logActivity(ctx, rec.ID, string(email.StatusQueued), "Email pushed to queue", "", log)

	metrics.SchedulerHandOffsTotal.WithLabelValues("queued").Inc()
	log.Debug().Msg("record queued")
	return true, nil
}

// Run processes a batch every interval until ctx is cancelled. The first
// batch runs immediately.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	s.log.Info().Dur("interval", interval).Msg("scheduler started")

	s.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopping")
			return nil
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if _, err := s.ProcessPendingEmails(ctx); err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("scheduler run failed")
	}
}

func (s *Scheduler) logActivity(ctx context.Context, recordID int64, status, message, details string, log zerolog.Logger) {
	if s.activity == nil {
		return
	}
	if err := s.activity.Append(ctx, recordID, status, message, details); err != nil {
		log.Warn().Err(err).Str("activity", status).Msg("failed to append activity log")
	}
}
