package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sungwon/mail-dispatch/internal/api"
	"github.com/sungwon/mail-dispatch/internal/queue"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// NewServeCommand runs the HTTP API.
func NewServeCommand() *cobra.Command {
	var withScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			cfg := rt.cfg
			log := rt.logger("api")

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

			broker, err := queue.Dial(cfg.Broker, log)
			if err != nil {
				return err
			}
			defer func() { _ = broker.Close() }()

			sched := newScheduler(db, broker, rdb, cfg.Scheduler, log)
			templates := storage.NewTemplateStore(db.Pool)

			router := api.NewRouter(api.Deps{
				DB:       db,
				Accounts: storage.NewAccountStore(db.Pool),
				Emails: &api.EmailHandlers{
					Records:   storage.NewRecordStore(db.Pool),
					Templates: templates,
					Bodies:    bodies,
					Activity:  storage.NewActivityStore(db.Pool),
					Dispatch:  sched,
					Queue:     broker,
				},
				Templates: templates,
			}, cfg.API, log)

			srv := &http.Server{
				Addr:         cfg.API.Addr,
				Handler:      router,
				ReadTimeout:  cfg.API.ReadTimeout,
				WriteTimeout: cfg.API.WriteTimeout,
			}

			if withScheduler {
				go func() {
					if err := sched.Run(ctx, cfg.Scheduler.Interval); err != nil {
						log.Error().Err(err).Msg("scheduler loop stopped")
					}
				}()
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.API.Addr).Msg("API server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down API server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			log.Info().Msg("API server stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "Also run the scheduler loop in this process")

	return cmd
}
