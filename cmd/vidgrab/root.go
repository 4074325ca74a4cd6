package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/italolelis/vidgrab/internal/config"
)

// app carries what every subcommand needs once the configuration is loaded.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "vidgrab",
		Short:         "Fetch videos from social platforms and hand each one out exactly once",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			a.cfg = cfg
			a.logger = newLogger(cfg, os.Stdout, nil)
			slog.SetDefault(a.logger)

			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}

	rootCmd.AddCommand(newServeCommand(a))
	rootCmd.AddCommand(newSweepCommand(a))
	rootCmd.AddCommand(newRecentCommand(a))

	return rootCmd
}

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}
