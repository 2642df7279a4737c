// Package cli wires configuration and infrastructure into the mailer
// subcommands.
package cli

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sungwon/mail-dispatch/internal/config"
	"github.com/sungwon/mail-dispatch/internal/logger"
)

// Config controls how the root command is built.
type Config struct {
	ConfigPath   string
	OutputWriter io.Writer
}

type runtimeState struct {
	configPath string
	logLevel   string
	cfg        *config.Config
	writer     io.Writer
}

type runtimeKey struct{}

// DefaultConfig reads config.yaml from ./config and writes to stdout.
func DefaultConfig() Config {
	return Config{
		ConfigPath:   "config",
		OutputWriter: os.Stdout,
	}
}

// NewRootCommand builds the mailer command tree.
func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{configPath: cfg.ConfigPath, writer: cfg.OutputWriter}

	root := &cobra.Command{
		Use:           "mailer",
		Short:         "Email dispatch pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.writer == nil {
				rt.writer = os.Stdout
			}
			if cmd.Name() == "help" {
				return nil
			}
			loaded, err := config.Load(rt.configPath)
			if err != nil {
				return err
			}
			if rt.logLevel != "" {
				loaded.Logging.Level = rt.logLevel
			}
			rt.cfg = loaded
			return nil
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", rt.configPath, "Config file or directory holding config.yaml")
	root.PersistentFlags().StringVar(&rt.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(
		NewServeCommand(),
		NewScheduleCommand(),
		NewProcessCommand(),
		NewMigrateCommand(),
		NewSinkCommand(),
		NewAccountCommand(),
	)

	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil || rt.cfg == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

func (rt *runtimeState) logger(component string) zerolog.Logger {
	return logger.NewFromConfig(rt.cfg.Logging, component)
}
