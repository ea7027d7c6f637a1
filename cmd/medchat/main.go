package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"medchat/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "medchat",
		Short:        "Patient-doctor chat client and development backend",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration and builds the process logger.
func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return cfg, logger.Level(cfg.Level()), nil
}
