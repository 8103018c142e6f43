package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background learning loops",
	Long: `Starts the scheduled maintenance loops and blocks until interrupted:
  - pattern mining over recent sessions
  - composite promotion of qualifying patterns
  - policy tuning from execution history

Schedules come from the serve section of the config file.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	c := cron.New()

	if _, err := c.AddFunc(cfg.Serve.MiningSchedule, func() {
		mined, err := app.Tracker.MineRecent(time.Now().UTC().Add(-24 * time.Hour))
		if err != nil {
			logger.Warn("Pattern mining failed", zap.Error(err))
			return
		}
		logger.Info("Pattern mining pass", zap.Int("sessions", mined))
	}); err != nil {
		return err
	}

	if _, err := c.AddFunc(cfg.Serve.PromotionSchedule, func() {
		promoted, err := app.Composites.RunBatch(context.Background(), 5)
		if err != nil {
			logger.Warn("Composite promotion failed", zap.Error(err))
			return
		}
		logger.Info("Composite promotion pass", zap.Int("promoted", len(promoted)))
	}); err != nil {
		return err
	}

	if _, err := c.AddFunc(cfg.Serve.TuningSchedule, func() {
		metrics, err := app.Tuner.TuneAll()
		if err != nil {
			logger.Warn("Policy tuning failed", zap.Error(err))
			return
		}
		logger.Info("Policy tuning pass",
			zap.Int("executions", metrics.Executions),
			zap.Float64("success_rate", metrics.SuccessRate))
	}); err != nil {
		return err
	}

	c.Start()
	logger.Info("Serve loops started",
		zap.String("mining", cfg.Serve.MiningSchedule),
		zap.String("promotion", cfg.Serve.PromotionSchedule),
		zap.String("tuning", cfg.Serve.TuningSchedule))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	stopCtx := c.Stop()
	<-stopCtx.Done()
	logger.Info("Serve loops stopped")
	return nil
}
