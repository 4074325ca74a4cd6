package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/italolelis/vidgrab/internal/artifact"
	"github.com/italolelis/vidgrab/internal/cleanup"
	"github.com/italolelis/vidgrab/internal/logctx"
	"github.com/italolelis/vidgrab/internal/storage/sqlite"
)

func newSweepCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire unserved artifacts, remove orphaned files and prune old records once",
		Long: "Runs a single cleanup pass and exits, for use from cron while the service is stopped.\n" +
			"A running service sweeps on its own and holds the artifact directory lock.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			ctx := logctx.WithLogger(cmd.Context(), a.logger)

			artifacts, err := artifact.Open(cfg.ArtifactDir)
			if errors.Is(err, artifact.ErrDirectoryLocked) {
				return fmt.Errorf("the service is running and sweeps on its own: %w", err)
			}

			if err != nil {
				return fmt.Errorf("failed to open artifact directory: %w", err)
			}
			defer artifacts.Close()

			database, err := sqlite.InitDB(ctx, cfg.DBPath)
			if err != nil {
				return err
			}
			defer database.Close()

			sweeper := cleanup.NewSweeper(sqlite.NewDownloadRepository(database), artifacts, nil, cleanup.Config{
				Retention:       cfg.Retention,
				RecordRetention: cfg.RecordRetention,
				Interval:        cfg.SweepInterval,
			}, nil)

			res, err := sweeper.RunOnce(ctx)

			fmt.Fprintf(cmd.OutOrStdout(), "expired %d, removed %d orphaned files, pruned %d records; %d files (%s) remain\n",
				res.Expired, res.Orphans, res.Pruned, res.Files, humanize.Bytes(uint64(max(res.Bytes, 0))))

			return err
		},
	}
}
