package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openvideoplatform/encoder/internal/db"
	"github.com/openvideoplatform/encoder/internal/jobs"
	"github.com/openvideoplatform/encoder/internal/storage"
)

const (
	FlagInput    = "input"
	FlagVideoID  = "video-id"
	FlagNoRecord = "no-record"
	FlagSummary  = "summary"

	commandTimeout = 30 * time.Second
)

func EnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Mark a video PROCESSING and queue it for transcoding",
		Example: `  encoder enqueue --input /uploads/v1.mp4 --video-id v1
  encoder enqueue --input /uploads/v1.mp4 --video-id v1 --no-record`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			input, _ := cmd.Flags().GetString(FlagInput)
			videoID, _ := cmd.Flags().GetString(FlagVideoID)
			noRecord, _ := cmd.Flags().GetBool(FlagNoRecord)

			input, err = filepath.Abs(input)
			if err != nil {
				return err
			}

			if err := (&jobs.TranscodeJob{InputPath: input, VideoID: videoID}).Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			if !noRecord {
				database, err := connectDB(ctx, cfg, log)
				if err != nil {
					return err
				}
				defer database.Close()
				if err := db.NewVideoRepository(database).MarkProcessing(ctx, videoID, input); err != nil {
					return fmt.Errorf("failed to mark video %s processing: %w", videoID, err)
				}
			}

			queue, err := connectQueue(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer queue.Close()

			job, err := queue.Enqueue(ctx, input, videoID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued job %s for video %s\n", job.ID, job.VideoID)
			return nil
		},
	}

	cmd.Flags().String(FlagInput, "", "source video file, readable by the workers")
	cmd.Flags().String(FlagVideoID, "", "id of the video record to update")
	cmd.Flags().Bool(FlagNoRecord, false, "do not create or reset the video record")
	cmd.MarkFlagRequired(FlagInput)
	cmd.MarkFlagRequired(FlagVideoID)
	return cmd
}

func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the videos table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			database, err := connectDB(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info(ctx, "Migrations applied")
			return nil
		},
	}
}

func StatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [video-id]",
		Short: "Show a video record and whether its package is published",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, _ := cmd.Flags().GetBool(FlagSummary)
			if len(args) == 0 && !summary {
				return errors.New("a video id or --summary is required")
			}

			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			database, err := connectDB(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer database.Close()
			videos := db.NewVideoRepository(database)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			defer w.Flush()

			if summary {
				counts, err := videos.CountByStatus(ctx)
				if err != nil {
					return err
				}
				for _, s := range []db.VideoStatus{db.StatusProcessing, db.StatusReady, db.StatusFailed} {
					fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
				}
			}
			if len(args) == 0 {
				return nil
			}

			v, err := videos.GetVideo(ctx, args[0])
			if err != nil {
				return err
			}

			store, err := storage.New(cfg)
			if err != nil {
				return err
			}
			published, err := store.Exists(ctx, storage.MasterKey(v.ID))
			if err != nil {
				return fmt.Errorf("failed to check master manifest: %w", err)
			}

			fmt.Fprintf(w, "id\t%s\n", v.ID)
			fmt.Fprintf(w, "status\t%s\n", v.Status)
			fmt.Fprintf(w, "source\t%s\n", v.SourcePath)
			fmt.Fprintf(w, "video_url\t%s\n", v.VideoURL)
			fmt.Fprintf(w, "thumbnail_url\t%s\n", v.ThumbnailURL.String)
			if v.FailureCode.Valid {
				fmt.Fprintf(w, "failure_code\t%s\n", v.FailureCode.String)
			}
			fmt.Fprintf(w, "published\t%t\n", published)
			fmt.Fprintf(w, "updated_at\t%s\n", v.UpdatedAt.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().Bool(FlagSummary, false, "also print the number of videos per status")
	return cmd
}
