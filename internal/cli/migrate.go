package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sungwon/mail-dispatch/internal/storage"
	"github.com/sungwon/mail-dispatch/migrations"
)

// NewMigrateCommand applies pending schema migrations.
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			log := rt.logger("migrate")

			db, err := storage.Open(cmd.Context(), rt.cfg.Database)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer db.Close()

			n, err := db.Migrate(cmd.Context(), migrations.FS)
			if err != nil {
				return err
			}
			log.Info().Int("applied", n).Msg("migrations complete")
			_, _ = fmt.Fprintf(rt.writer, "applied %d migration(s)\n", n)
			return nil
		},
	}
}
