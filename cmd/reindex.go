package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reindexFull bool

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild and publish the index from stored enrichment data",
	Long:  "Assembles a fresh index generation from already-embedded items and publishes it. With --full, enrichment state is reset first and every item is re-enriched, which repeats the AI calls.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "reindex")
		if err != nil {
			return err
		}
		defer env.Close()

		if reindexFull {
			items, err := env.Store.ListItems(ctx)
			if err != nil {
				return eris.Wrap(err, "list items")
			}
			keys := make([]string, len(items))
			for i, it := range items {
				keys[i] = it.Key
			}
			if err := env.Store.ResetRecords(ctx, keys); err != nil {
				return eris.Wrap(err, "reset records")
			}
			zap.L().Info("enrichment state reset", zap.Int("items", len(keys)))

			result, err := env.Engine.Run(ctx)
			if err != nil {
				return eris.Wrap(err, "enrich")
			}
			zap.L().Info("re-enrichment finished",
				zap.Int("processed", result.Processed),
				zap.Int("enriched", result.Enriched),
				zap.Int("failed", result.Failed),
			)
		}

		result, err := env.Builder.Build(ctx)
		if err != nil {
			return eris.Wrap(err, "build index")
		}
		if result == nil || result.Generation == 0 {
			zap.L().Warn("nothing to index")
			return nil
		}

		zap.L().Info("index published",
			zap.Int("generation", result.Generation),
			zap.Int("indexed", result.Indexed),
			zap.Int("hashed", result.Hashed),
			zap.Int("degraded", result.Degraded),
		)
		return nil
	},
}

func init() {
	reindexCmd.Flags().BoolVar(&reindexFull, "full", false, "reset enrichment state and re-run all AI enrichment first")
	rootCmd.AddCommand(reindexCmd)
}
