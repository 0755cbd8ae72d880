package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/solatis/surveykeeper/internal/core/api"
	"github.com/solatis/surveykeeper/internal/core/auth"
	"github.com/solatis/surveykeeper/internal/core/cache"
	"github.com/solatis/surveykeeper/internal/core/config"
	"github.com/solatis/surveykeeper/internal/core/logging"
	"github.com/solatis/surveykeeper/internal/core/metrics"
	"github.com/solatis/surveykeeper/internal/core/sealing"
	"github.com/solatis/surveykeeper/internal/core/server"
	"github.com/solatis/surveykeeper/internal/core/tasks"
	"github.com/solatis/surveykeeper/internal/rules"
)

var responseAPICmd = &cobra.Command{
	Use:   "response-api",
	Short: "Start gRPC response API service",
	RunE:  runResponseAPI,
}

func init() {
	rootCmd.AddCommand(responseAPICmd)
	responseAPICmd.Flags().String("host", "0.0.0.0", "gRPC server host")
	responseAPICmd.Flags().Int("port", 50051, "gRPC server port")
	responseAPICmd.Flags().String("validation-mode", "", "fail_fast or collect_all (overrides config)")
}

func runResponseAPI(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cmd.Flags().Changed("host") {
		cfg.ResponseAPI.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.ResponseAPI.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("validation-mode") {
		cfg.Validation.Mode, _ = cmd.Flags().GetString("validation-mode")
	}
	mode, err := rules.ParseMode(cfg.Validation.Mode)
	if err != nil {
		return err
	}

	database, store, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no HMAC secrets configured (set SK_HMAC_SECRET environment variable)")
	}
	keys := config.EncryptionKeys()
	if len(keys) == 0 {
		return fmt.Errorf("no encryption keys configured (set SK_ENCRYPTION_KEY environment variable)")
	}
	ring, err := sealing.NewRing(keys...)
	if err != nil {
		return fmt.Errorf("failed to load encryption keys: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(prometheus.NewRegistry())

	var cacheClient *redis.Client
	if cfg.Cache.RedisURL != "" {
		cacheClient, err = cache.Connect(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return err
		}
		defer cacheClient.Close()
	}
	snapshots := cache.New(cacheClient, store, cfg.Cache.SnapshotTTL, logging.Component(logger, "cache")).
		WithObserver(collector)

	engine := rules.NewEngine(
		rules.NewValidator(rules.WithMode(mode)),
		snapshots,
		rules.WithObserver(collector),
		rules.WithLogger(logging.Component(logger, "rules")),
	)

	var enqueuer tasks.Enqueuer
	if cfg.Tasks.RedisURL != "" {
		client := cacheClient
		if client == nil || cfg.Tasks.RedisURL != cfg.Cache.RedisURL {
			client, err = cache.Connect(ctx, cfg.Tasks.RedisURL)
			if err != nil {
				return err
			}
			defer client.Close()
		}
		enqueuer = tasks.NewQueue(client, cfg.Tasks.Stream, cfg.Tasks.ConsumerGroup)
	} else {
		logger.Warn("no task queue configured, export, report and invitation calls are disabled")
	}

	service, err := api.NewResponseService(engine, store, ring, enqueuer, logging.Component(logger, "api"))
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	authenticator := auth.NewAuthenticator(secrets, store.Queries(), api.Permissions, logging.Component(logger, "auth"))

	grpcServer, err := server.NewGRPCServer(&cfg.ResponseAPI, service, logging.Component(logger, "grpc"),
		collector.UnaryInterceptor(),
		authenticator.UnaryInterceptor(),
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	var metricsServer *metrics.Server
	errChan := make(chan error, 2)
	if cfg.ResponseAPI.MetricsAddr != "" {
		metricsServer = metrics.NewServer(cfg.ResponseAPI.MetricsAddr, collector, logging.Component(logger, "metrics"))
		go func() {
			errChan <- metricsServer.Start()
		}()
	}

	logger.Info("starting SurveyKeeper response API",
		zap.String("version", Version),
		zap.String("host", cfg.ResponseAPI.Host),
		zap.Int("port", cfg.ResponseAPI.Port),
		zap.String("validation_mode", mode.String()),
		zap.Bool("snapshot_cache", cacheClient != nil),
		zap.Int("encryption_keys", len(keys)))
	go func() {
		errChan <- grpcServer.Start(ctx)
	}()

	var runErr error
	select {
	case runErr = <-errChan:
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gRPC shutdown", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", zap.Error(err))
		}
	}
	return runErr
}
