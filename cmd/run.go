package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/watchvine/catalog-sync/internal/model"
	"github.com/watchvine/catalog-sync/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one full sync: scrape, diff, enrich, index, publish",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Pipeline.Run(ctx)
		if errors.Is(err, pipeline.ErrRunInProgress) {
			return err
		}
		if report == nil {
			return err
		}

		zap.L().Info("run finished",
			zap.String("run_id", report.RunID),
			zap.String("status", string(report.Status)),
			zap.Int("scanned", report.Counts.Scanned),
			zap.Int("added", report.Counts.Added),
			zap.Int("removed", report.Counts.Removed),
			zap.Int("enriched", report.Counts.Enriched),
			zap.Int("indexed", report.Counts.Indexed),
			zap.Int64("generation", report.Generation),
		)

		// Print the report JSON to stdout
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			return encErr
		}

		// A failed run is still an error exit even though the report
		// was printed.
		if report.Status == model.RunStatusFailed {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
