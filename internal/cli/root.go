// Package cli implements the reqcast command line.
package cli

import (
	"os"

	"github.com/ambitiousfew/reqcast/config"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

const (
	flagEnvFile  = "env-file"
	flagLogLevel = "log-level"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "reqcast",
		Short:         "Send authenticated API requests with transparent token refresh",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String(flagEnvFile, "", "dotenv file loaded before reading REQCAST_* variables")
	root.PersistentFlags().String(flagLogLevel, "", "log level (debug, info, warn, error), overrides REQCAST_LOG_LEVEL")

	root.AddCommand(
		RequestCmd(),
		TokenCmd(),
	)
	return root
}

// setup loads the configuration and builds the logger writing to the command's stderr.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	envFile, _ := cmd.Flags().GetString(flagEnvFile)
	if envFile == "" {
		envFile = os.Getenv(config.EnvFilePath)
	}

	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return nil, nil, err
	}

	if level, _ := cmd.Flags().GetString(flagLogLevel); level != "" {
		cfg.LogLevel = level
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Level()}))
	return cfg, logger, nil
}
