package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/italolelis/vidgrab/internal/storage"
	"github.com/italolelis/vidgrab/internal/storage/sqlite"
)

const maxTitleWidth = 40

func newRecentCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the most recent downloads recorded in the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			database, err := sqlite.InitDB(cmd.Context(), a.cfg.DBPath)
			if err != nil {
				return err
			}
			defer database.Close()

			recs, err := sqlite.NewDownloadRepository(database).Recent(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list downloads: %w", err)
			}

			renderRecent(cmd.OutOrStdout(), recs, time.Now())

			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of downloads to show")

	return cmd
}

func renderRecent(w io.Writer, recs []storage.DownloadRecord, now time.Time) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no downloads recorded")

		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Title", "Platform", "Quality", "Status", "Progress", "Size", "Created"})

	for _, rec := range recs {
		status := string(rec.Status)
		if rec.FailureReason != "" {
			status += " (" + rec.FailureReason + ")"
		}

		size := rec.EstimatedSize
		if rec.FileSize > 0 {
			size = rec.FileSize
		}

		tw.AppendRow(table.Row{
			rec.ID,
			text.Trim(rec.Title, maxTitleWidth),
			rec.Platform,
			rec.Quality,
			status,
			strconv.Itoa(rec.Progress) + "%",
			humanize.Bytes(uint64(max(size, 0))),
			humanize.RelTime(rec.CreatedAt, now, "ago", "from now"),
		})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
	})

	tw.Render()
}
