package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sungwon/mail-dispatch/internal/smtp"
)

// NewSinkCommand runs the capture SMTP server used as a development relay.
func NewSinkCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Run a capturing SMTP server for local delivery tests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			cfg := rt.cfg.Sink
			if addr != "" {
				cfg.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return smtp.NewServer(cfg, rt.logger("sink")).ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to sink.addr)")

	return cmd
}
