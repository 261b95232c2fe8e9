// Package reconciler writes the outcome of a job back to its video record
// and releases the job's working directory.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/openvideoplatform/encoder/internal/db"
	apperrors "github.com/openvideoplatform/encoder/internal/errors"
	"github.com/openvideoplatform/encoder/internal/logger"
)

// VideoStore is the video-record update interface.
type VideoStore interface {
	UpdateVideo(ctx context.Context, id string, u db.VideoUpdate) error
}

// Outcome is the result of one job attempt.
type Outcome struct {
	// Err is nil on success.
	Err          error
	MasterURL    string
	ThumbnailURL string
	// WorkDir is removed on every path. Empty when none was created.
	WorkDir string
	// Diagnostics is logged on failure before WorkDir is removed.
	Diagnostics map[string]interface{}
}

// Reconciler finalizes jobs.
type Reconciler struct {
	videos VideoStore
	log    *logger.Logger
}

func New(videos VideoStore, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.Default()
	}
	return &Reconciler{videos: videos, log: log.WithComponent("reconciler")}
}

// Finalize records the outcome for videoID. Success sets READY with the
// published URLs; failure sets FAILED and clears both URLs. The working
// directory is removed either way; a removal failure is only logged. An
// error from the record update is returned as FINALIZE_FAILED.
func (r *Reconciler) Finalize(ctx context.Context, videoID string, out Outcome) error {
	var update db.VideoUpdate
	if out.Err == nil {
		update = db.VideoUpdate{VideoURL: out.MasterURL, Status: db.StatusReady}
		if out.ThumbnailURL != "" {
			thumb := out.ThumbnailURL
			update.ThumbnailURL = &thumb
		}
	} else {
		update = db.VideoUpdate{Status: db.StatusFailed, FailureCode: apperrors.CodeOf(out.Err)}
		r.logFailure(ctx, videoID, out)
	}

	updateErr := r.videos.UpdateVideo(ctx, videoID, update)
	r.removeWorkDir(ctx, out.WorkDir)

	if updateErr != nil {
		if errors.Is(updateErr, db.ErrVideoNotFound) {
			return apperrors.FinalizeFailed(fmt.Sprintf("video %s does not exist", videoID)).WithCause(updateErr)
		}
		return apperrors.FinalizeFailed(fmt.Sprintf("failed to mark video %s %s", videoID, update.Status)).WithCause(updateErr)
	}

	r.log.Info(ctx, "video record updated", map[string]interface{}{
		"status":    string(update.Status),
		"video_url": update.VideoURL,
	})
	return nil
}

func (r *Reconciler) logFailure(ctx context.Context, videoID string, out Outcome) {
	fields := map[string]interface{}{"work_dir": out.WorkDir}
	for k, v := range out.Diagnostics {
		fields[k] = v
	}
	if appErr, ok := apperrors.As(out.Err); ok {
		for k, v := range appErr.Details {
			fields[k] = v
		}
	}
	r.log.Error(ctx, "job failed", out.Err, fields)
}

func (r *Reconciler) removeWorkDir(ctx context.Context, dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		r.log.WarnErr(ctx, "failed to remove working directory", err, map[string]interface{}{"work_dir": dir})
	}
}
