package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openvideoplatform/encoder/internal/config"
	"github.com/openvideoplatform/encoder/internal/db"
	apperrors "github.com/openvideoplatform/encoder/internal/errors"
	"github.com/openvideoplatform/encoder/internal/jobs"
	"github.com/openvideoplatform/encoder/internal/logger"
	"github.com/openvideoplatform/encoder/internal/storage"
)

const (
	FlagLogLevel = "log-level"
	FlagFFmpeg   = "ffmpeg"
)

// Set with -ldflags "-X main.version=..."
var version = "dev"

// RootCmd creates the encoder CLI with all subcommands.
func RootCmd() *cobra.Command {
	r := &cobra.Command{
		Use:           "encoder",
		Short:         "encoder turns uploaded videos into HLS adaptive-bitrate packages.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	r.PersistentFlags().String(FlagLogLevel, "", "log level. debug|info|warn|error (default: $LOG_LEVEL or info)")

	r.AddCommand(WorkerCmd(), EnqueueCmd(), MigrateCmd(), StatusCmd(), VersionCmd())
	return r
}

func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "prints the encoder version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
			return nil
		},
	}
}

// Execute runs the CLI and exits non-zero on error.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		logger.Default().Error(context.Background(), "Command failed", err)
		logger.Default().Sync()
		os.Exit(1)
	}
}

// setup loads configuration and installs the process-wide logger.
func setup(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.LogLevel
	if flag, _ := cmd.Flags().GetString(FlagLogLevel); flag != "" {
		level = flag
	}
	log := logger.New(os.Stdout, logger.ParseLevel(level), "")
	logger.SetDefault(log)

	return cfg, log, nil
}

// startupRetry logs every failed connection attempt to dependency.
func startupRetry(ctx context.Context, log *logger.Logger, dependency string) *apperrors.RetryConfig {
	cfg := apperrors.StartupRetryConfig()
	cfg.OnRetry = func(attempt int, wait time.Duration, err error) {
		log.WarnErr(ctx, "Waiting for "+dependency, err, map[string]interface{}{
			"attempt": attempt,
			"wait_ms": wait.Milliseconds(),
		})
	}
	return cfg
}

func connectQueue(ctx context.Context, cfg *config.Config, log *logger.Logger) (*jobs.Queue, error) {
	var q *jobs.Queue
	err := apperrors.Retry(ctx, startupRetry(ctx, log, "redis"), func(ctx context.Context) error {
		var err error
		q, err = jobs.NewQueue(ctx, cfg.RedisURL, jobs.QueueOptions{
			Name:          cfg.QueueName,
			Visibility:    cfg.QueueVisibilityTimeout,
			MaxDeliveries: cfg.QueueMaxDeliveries,
		}, log)
		return err
	})
	if err != nil {
		return nil, apperrors.QueueError("failed to connect to redis").WithCause(err)
	}
	return q, nil
}

func connectDB(ctx context.Context, cfg *config.Config, log *logger.Logger) (*db.DB, error) {
	var database *db.DB
	err := apperrors.Retry(ctx, startupRetry(ctx, log, "postgres"), func(ctx context.Context) error {
		var err error
		database, err = db.New(ctx, cfg.DatabaseURL)
		return err
	})
	if err != nil {
		return nil, apperrors.DatabaseError("failed to connect to postgres").WithCause(err)
	}
	return database, nil
}

// connectStore builds the object store and waits for its bucket. A MinIO
// bucket is created when missing; S3 buckets must already exist.
func connectStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (storage.ObjectStore, error) {
	store, err := storage.New(cfg)
	if err != nil {
		return nil, apperrors.StorageError("failed to configure object store").WithCause(err)
	}

	err = apperrors.Retry(ctx, startupRetry(ctx, log, "object storage"), func(ctx context.Context) error {
		if m, ok := store.(*storage.MinioStore); ok {
			return m.EnsureBucket(ctx)
		}
		return store.Ping(ctx)
	})
	if err != nil {
		return nil, apperrors.StorageError("bucket "+store.Bucket()+" is not reachable").WithCause(err)
	}
	return store, nil
}
