package main

import (
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/watchvine/catalog-sync/internal/pipeline"
)

var scheduleCron string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the sync pipeline on a cron schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		spec := scheduleCron
		if spec == "" {
			spec = cfg.Schedule.Cron
		}

		loc, err := time.LoadLocation(cfg.Schedule.Timezone)
		if err != nil {
			return eris.Wrapf(err, "load timezone %s", cfg.Schedule.Timezone)
		}

		c := cron.New(cron.WithLocation(loc))
		_, err = c.AddFunc(spec, func() {
			report, runErr := env.Pipeline.Run(ctx)
			if errors.Is(runErr, pipeline.ErrRunInProgress) {
				// The previous run overran into this slot. Skip, do
				// not queue.
				zap.L().Warn("scheduled run skipped, previous run still in progress")
				return
			}
			if runErr != nil {
				zap.L().Error("scheduled run failed", zap.Error(runErr))
			}
			if report != nil {
				zap.L().Info("scheduled run finished",
					zap.String("run_id", report.RunID),
					zap.String("status", string(report.Status)),
					zap.Int64("generation", report.Generation),
				)
			}
		})
		if err != nil {
			return eris.Wrapf(err, "invalid cron spec %q", spec)
		}

		c.Start()
		zap.L().Info("scheduler started",
			zap.String("cron", spec),
			zap.String("timezone", cfg.Schedule.Timezone),
		)

		<-ctx.Done()
		zap.L().Info("scheduler stopping")

		// Stop scheduling and wait for an in-flight run to finish.
		<-c.Stop().Done()
		return nil
	},
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleCron, "cron", "", "cron spec (default from config)")
	rootCmd.AddCommand(scheduleCmd)
}
