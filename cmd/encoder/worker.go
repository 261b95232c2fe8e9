package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openvideoplatform/encoder/internal/config"
	"github.com/openvideoplatform/encoder/internal/db"
	"github.com/openvideoplatform/encoder/internal/health"
	"github.com/openvideoplatform/encoder/internal/hls"
	"github.com/openvideoplatform/encoder/internal/jobs"
	"github.com/openvideoplatform/encoder/internal/logger"
	"github.com/openvideoplatform/encoder/internal/metrics"
	"github.com/openvideoplatform/encoder/internal/processor"
	"github.com/openvideoplatform/encoder/internal/reconciler"
	"github.com/openvideoplatform/encoder/internal/server"
	"github.com/openvideoplatform/encoder/internal/storage"
	"github.com/openvideoplatform/encoder/internal/transcoder"
)

const queueStatsInterval = 15 * time.Second

func WorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume transcode jobs until SIGINT/SIGTERM",
		Long: `Run the job worker pool. Jobs are claimed from the Redis queue, encoded
into an HLS ladder with ffmpeg, validated, uploaded to object storage and
reflected on the video record. On SIGINT or SIGTERM the worker stops claiming
jobs, waits for in-flight jobs and exits 0.`,
		Example: `  encoder worker
  encoder worker --ffmpeg /opt/ffmpeg/bin/ffmpeg --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			if path, _ := cmd.Flags().GetString(FlagFFmpeg); path != "" {
				cfg.FFmpegPath = path
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = runWorker(ctx, cfg, log)
			log.Sync()
			return err
		},
	}

	cmd.Flags().String(FlagFFmpeg, "", "path to the ffmpeg executable (default: $FFMPEG_PATH, then PATH)")
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	exe, err := transcoder.ResolveExecutable(cfg.FFmpegPath)
	if err != nil {
		return err
	}
	log.Info(ctx, "Using ffmpeg", map[string]interface{}{"path": exe.Path, "source": exe.Source})

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	queue, err := connectQueue(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer queue.Close()

	database, err := connectDB(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer database.Close()

	store, err := connectStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	proc := processor.New(&processor.ProcessorConfig{
		Transcoder: transcoder.New(transcoder.Options{
			Executable:      exe,
			WorkDir:         cfg.WorkDir,
			Ladder:          cfg.Ladder,
			SegmentDuration: cfg.SegmentDuration,
			ThumbnailOffset: cfg.ThumbnailOffset,
			ThumbnailWidth:  cfg.ThumbnailWidth,
			Preset:          cfg.VideoPreset,
		}, nil, log),
		Validator:  hls.NewValidator(cfg.MinManifestBytes),
		Uploader:   storage.NewUploader(store, cfg.UploadFileConcurrency, cfg.PublicBaseURL, log),
		Finalizer:  reconciler.New(db.NewVideoRepository(database), log),
		Events:     queue,
		Logger:     log,
	})

	ops := server.New(cfg.OpsAddr, health.NewChecker(&health.CheckerConfig{
		Version: version,
		Checks: []health.Check{
			{Name: "redis", Critical: true, Fn: queue.Ping},
			{Name: "postgres", Critical: true, Fn: database.PingContext},
			{Name: "storage", Critical: true, Fn: store.Ping},
			{Name: "ffmpeg", Critical: true, Fn: health.FileExecutable(exe.Path)},
			{Name: "workdir", Critical: true, Fn: health.DirWritable(cfg.WorkDir)},
		},
	}), log.WithComponent("ops"))
	if err := ops.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ops server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ops.Shutdown(shutdownCtx)
	}()

	collector := metrics.NewCollector(queue, queueStatsInterval, log)
	collector.Start()
	defer collector.Stop()

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		queue.RunReaper(reaperCtx, cfg.QueueVisibilityTimeout/2)
	}()
	defer func() {
		stopReaper()
		<-reaperDone
	}()

	pool := jobs.NewPool(queue, proc, jobs.PoolConfig{
		Concurrency: cfg.WorkerConcurrency,
		JobTimeout:  cfg.JobTimeout,
		Heartbeat:   cfg.QueueVisibilityTimeout / 3,
		PollTimeout: cfg.QueuePollTimeout,
	}, log)

	log.Info(ctx, "Worker started", map[string]interface{}{
		"queue":       cfg.QueueName,
		"concurrency": cfg.WorkerConcurrency,
		"renditions":  len(cfg.Ladder),
		"storage":     cfg.StorageDriver,
		"bucket":      store.Bucket(),
		"ops_addr":    ops.Addr(),
	})

	if err := pool.Run(ctx, cfg.ShutdownTimeout); err != nil {
		log.WarnErr(context.Background(), "Shutdown deadline exceeded, unfinished jobs were released", err)
	}
	log.Info(context.Background(), "Worker stopped")
	return nil
}
