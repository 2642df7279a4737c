package cli

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sungwon/mail-dispatch/internal/queue"
)

// NewScheduleCommand promotes due records to the queue, once or on an
// interval.
func NewScheduleCommand() *cobra.Command {
	var (
		once     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Push pending and due scheduled emails to the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			cfg := rt.cfg
			log := rt.logger("scheduler")

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

			broker, err := queue.Dial(cfg.Broker, log)
			if err != nil {
				return err
			}
			defer func() { _ = broker.Close() }()

			sched := newScheduler(db, broker, rdb, cfg.Scheduler, log)

			if once {
				sum, err := sched.ProcessPendingEmails(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(rt.writer)
				enc.SetIndent("", "  ")
				if err := enc.Encode(sum); err != nil {
					return fmt.Errorf("write summary: %w", err)
				}
				return nil
			}

			if interval <= 0 {
				interval = cfg.Scheduler.Interval
			}
			return sched.Run(ctx, interval)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Process one batch, print the summary and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Polling interval (defaults to scheduler.interval)")

	return cmd
}
