package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/solatis/surveykeeper/internal/core/cache"
	"github.com/solatis/surveykeeper/internal/core/config"
	"github.com/solatis/surveykeeper/internal/core/logging"
	"github.com/solatis/surveykeeper/internal/core/metrics"
	"github.com/solatis/surveykeeper/internal/core/sealing"
	"github.com/solatis/surveykeeper/internal/core/tasks"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run background tasks and the report schedule",
	Long: `Consume export, report and invitation tasks from the Redis task stream.
When tasks.report_schedule is set the worker also enqueues the audit report on
that cron schedule.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().String("consumer", "", "consumer name within the group (default host-pid)")
	workerCmd.Flags().String("metrics-addr", "", "serve worker metrics on this address")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Tasks.RedisURL == "" {
		return fmt.Errorf("tasks.redis_url required (or cache.redis_url)")
	}
	consumer, _ := cmd.Flags().GetString("consumer")
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	database, store, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	var opener tasks.PayloadOpener
	if keys := config.EncryptionKeys(); len(keys) > 0 {
		ring, err := sealing.NewRing(keys...)
		if err != nil {
			return fmt.Errorf("failed to load encryption keys: %w", err)
		}
		opener = ring
	} else {
		logger.Warn("no encryption keys configured, exports will redact sensitive values")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := cache.Connect(ctx, cfg.Tasks.RedisURL)
	if err != nil {
		return err
	}
	defer client.Close()
	queue := tasks.NewQueue(client, cfg.Tasks.Stream, cfg.Tasks.ConsumerGroup).
		WithLogger(logging.Component(logger, "queue"))

	collector := metrics.NewCollector(prometheus.NewRegistry())
	mailer := &tasks.SMTPMailer{Addr: cfg.Mail.SMTPAddr, From: cfg.Mail.From}
	worker := tasks.NewWorker(store, mailer, opener, cfg.ResponseAPI.DataDir, logging.Component(logger, "worker")).
		WithObserver(collector)

	if cfg.Tasks.ReportSchedule != "" {
		scheduler, err := tasks.NewScheduler(cfg.Tasks.ReportSchedule, queue, cfg.Tasks.ReportRecipients, logging.Component(logger, "scheduler"))
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		metricsServer := metrics.NewServer(addr, collector, logging.Component(logger, "metrics"))
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("starting SurveyKeeper worker",
		zap.String("version", Version),
		zap.String("stream", cfg.Tasks.Stream),
		zap.String("group", cfg.Tasks.ConsumerGroup),
		zap.String("consumer", consumer))
	return worker.Run(ctx, queue, consumer)
}
