package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/entitlements/internal/app"
	"github.com/jmehdipour/entitlements/internal/config"
	"github.com/jmehdipour/entitlements/internal/kafka"
	"github.com/jmehdipour/entitlements/internal/logger"
	"github.com/jmehdipour/entitlements/internal/metrics"
	"github.com/jmehdipour/entitlements/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "usage",
		Short: "Apply usage events from the usage reports topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, "usage", func(cfg config.Config) string { return cfg.Kafka.Topics.UsageReports },
				func(a *app.App, log *zap.Logger) worker.Handler { return worker.UsageHandler(a.Gateway, log) })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "billing",
		Short: "Apply payment outcomes from the billing payments topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, "billing", func(cfg config.Config) string { return cfg.Kafka.Topics.BillingPayments },
				func(a *app.App, log *zap.Logger) worker.Handler { return worker.PaymentHandler(a.Machine, log) })
		},
	})
	return cmd
}

func run(cmd *cobra.Command, name string, topic func(config.Config) string, handler func(*app.App, *zap.Logger) worker.Handler) error {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.Init(cfg.Log.Level).Named("worker")
	defer func() { _ = log.Sync() }()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	rt, err := app.Bootstrap(cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	consumer := kafka.NewConsumer(cfg.Kafka, topic(cfg), name)
	defer consumer.Close()

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker starting",
		zap.String("name", name),
		zap.String("topic", topic(cfg)),
		zap.String("group", consumer.Group()),
		zap.Int("workers", cfg.Worker.Count))

	r := &worker.Runner{
		Name:    name,
		Source:  consumer,
		Handle:  handler(rt.App, log),
		Workers: cfg.Worker.Count,
		Log:     log,
	}
	return r.Run(ctx)
}
