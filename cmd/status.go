package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/watchvine/catalog-sync/internal/model"
	"github.com/watchvine/catalog-sync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show catalog size, enrichment progress, and recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		items, err := st.CountItems(ctx)
		if err != nil {
			return eris.Wrap(err, "count items")
		}
		stages, err := st.StageCounts(ctx)
		if err != nil {
			return eris.Wrap(err, "stage counts")
		}

		brandLimit, _ := cmd.Flags().GetInt("brands")
		brands, err := st.BrandCounts(ctx, brandLimit)
		if err != nil {
			return eris.Wrap(err, "brand counts")
		}

		runLimit, _ := cmd.Flags().GetInt("runs")
		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: runLimit})
		if err != nil {
			return eris.Wrap(err, "list runs")
		}

		formatStatus(os.Stdout, items, stages, brands, runs)
		return nil
	},
}

// formatStatus writes the status summary to out.
func formatStatus(out io.Writer, items int, stages []store.StageCount, brands []store.BrandCount, runs []model.Run) {
	fmt.Fprintf(out, "Catalog: %d items\n\n", items)

	fmt.Fprintln(out, "Enrichment stages:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, s := range stages {
		pct := 0.0
		if items > 0 {
			pct = float64(s.Count) / float64(items) * 100
		}
		fmt.Fprintf(w, "  %s\t%d\t%.1f%%\n", s.Stage, s.Count, pct)
	}
	_ = w.Flush()

	if len(brands) > 0 {
		fmt.Fprintln(out, "\nTop brands:")
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, b := range brands {
			name := b.Brand
			if name == "" {
				name = "(unknown)"
			}
			fmt.Fprintf(w, "  %s\t%d\n", name, b.Count)
		}
		_ = w.Flush()
	}

	if len(runs) > 0 {
		fmt.Fprintln(out, "\nRecent runs:")
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tSTATUS\tSTARTED\tDURATION\tINDEXED")
		for _, r := range runs {
			dur := ""
			indexed := ""
			if r.FinishedAt != nil {
				dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
			}
			if r.Report != nil {
				indexed = fmt.Sprintf("%d", r.Report.Counts.Indexed)
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
				truncateID(r.ID),
				r.Status,
				r.StartedAt.Format(time.RFC3339),
				dur,
				indexed,
			)
		}
		_ = w.Flush()
	}
}

// truncateID shortens a UUID to its first segment for table display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	statusCmd.Flags().Int("brands", 10, "number of top brands to show")
	statusCmd.Flags().Int("runs", 5, "number of recent runs to show")
	rootCmd.AddCommand(statusCmd)
}
