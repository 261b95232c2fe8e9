// Package processor runs the per-job pipeline:
// transcode, validate, upload, finalize.
package processor

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/openvideoplatform/encoder/internal/errors"
	"github.com/openvideoplatform/encoder/internal/hls"
	"github.com/openvideoplatform/encoder/internal/jobs"
	"github.com/openvideoplatform/encoder/internal/logger"
	"github.com/openvideoplatform/encoder/internal/metrics"
	"github.com/openvideoplatform/encoder/internal/reconciler"
	"github.com/openvideoplatform/encoder/internal/storage"
	"github.com/openvideoplatform/encoder/internal/transcoder"
)

type Transcoder interface {
	Transcode(ctx context.Context, jobID, sourcePath string, progress transcoder.ProgressFunc) (*hls.Package, error)
}

type Validator interface {
	Validate(pkg *hls.Package) error
}

type Uploader interface {
	Upload(ctx context.Context, pkg *hls.Package, videoID string) (*storage.Publication, error)
}

type Finalizer interface {
	Finalize(ctx context.Context, videoID string, out reconciler.Outcome) error
}

// EventPublisher receives stage transitions. *jobs.Queue implements it.
type EventPublisher interface {
	Publish(ctx context.Context, ev jobs.Event)
}

// JobError is a pipeline failure together with what the failure path needs
// to clean up after it.
type JobError struct {
	Stage   string
	WorkDir string
	Err     error
}

func (e *JobError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Processor handles the full transcode and publish pipeline
type Processor struct {
	transcoder Transcoder
	validator  Validator
	uploader   Uploader
	finalizer  Finalizer
	events     EventPublisher
	log        *logger.Logger
}

// ProcessorConfig holds the collaborators of a Processor
type ProcessorConfig struct {
	Transcoder Transcoder
	Validator  Validator
	Uploader   Uploader
	Finalizer  Finalizer
	// Events is optional.
	Events EventPublisher
	Logger *logger.Logger
}

// New creates a new Processor instance
func New(config *ProcessorConfig) *Processor {
	log := config.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Processor{
		transcoder: config.Transcoder,
		validator:  config.Validator,
		uploader:   config.Uploader,
		finalizer:  config.Finalizer,
		events:     config.Events,
		log:        log.WithComponent("processor"),
	}
}

// Handle runs one job through every stage. Stages are strictly sequential;
// the first failure stops the pipeline and is returned as a *JobError.
func (p *Processor) Handle(ctx context.Context, job *jobs.TranscodeJob) error {
	p.publish(ctx, job, jobs.StageTranscoding, nil)

	start := time.Now()
	pkg, err := p.transcoder.Transcode(ctx, job.ID, job.InputPath, func(pr transcoder.Progress) {
		p.log.Debug(ctx, "transcode progress", map[string]interface{}{
			"out_time_s": pr.OutTime.Seconds(),
			"speed":      pr.Speed,
		})
	})
	observe(jobs.StageTranscoding, start)
	if err != nil {
		return &JobError{Stage: jobs.StageTranscoding, WorkDir: workDir(pkg), Err: err}
	}

	if n := len(pkg.SoftErrors); n > 0 {
		metrics.TranscoderSoftErrorsTotal.Add(float64(n))
	}
	if pkg.ThumbnailErr != nil {
		metrics.ThumbnailFailuresTotal.Inc()
	}

	p.publish(ctx, job, jobs.StageValidating, nil)
	if err := p.validator.Validate(pkg); err != nil {
		return &JobError{Stage: jobs.StageValidating, WorkDir: pkg.Dir, Err: err}
	}

	p.publish(ctx, job, jobs.StageUploading, nil)
	start = time.Now()
	pub, err := p.uploader.Upload(ctx, pkg, job.VideoID)
	observe(jobs.StageUploading, start)
	if err != nil {
		return &JobError{Stage: jobs.StageUploading, WorkDir: pkg.Dir, Err: err}
	}
	metrics.UploadedBytesTotal.Add(float64(pub.TotalBytes()))
	metrics.UploadedFilesTotal.Add(float64(len(pub.Results)))

	p.publish(ctx, job, jobs.StageFinalizing, nil)
	err = p.finalizer.Finalize(ctx, job.VideoID, reconciler.Outcome{
		MasterURL:    pub.MasterURL,
		ThumbnailURL: pub.ThumbnailURL,
		WorkDir:      pkg.Dir,
	})
	if err != nil {
		return &JobError{Stage: jobs.StageFinalizing, Err: err}
	}

	p.publish(ctx, job, jobs.StageReady, nil)
	return nil
}

// Fail marks the job's video FAILED and removes whatever working directory
// the failed attempt left behind.
func (p *Processor) Fail(ctx context.Context, job *jobs.TranscodeJob, cause error) error {
	out := reconciler.Outcome{
		Err: cause,
		Diagnostics: map[string]interface{}{
			"input": job.InputPath,
		},
	}
	var jerr *JobError
	if errors.As(cause, &jerr) {
		out.WorkDir = jerr.WorkDir
		out.Diagnostics["stage"] = jerr.Stage
	}

	err := p.finalizer.Finalize(ctx, job.VideoID, out)
	p.publish(ctx, job, jobs.StageFailed, cause)
	return err
}

func (p *Processor) publish(ctx context.Context, job *jobs.TranscodeJob, stage string, err error) {
	if p.events == nil {
		return
	}
	ev := jobs.Event{JobID: job.ID, VideoID: job.VideoID, Stage: stage}
	if err != nil {
		ev.ErrorCode = apperrors.CodeOf(err)
		ev.Error = err.Error()
	}
	p.events.Publish(ctx, ev)
}

func observe(stage string, start time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func workDir(pkg *hls.Package) string {
	if pkg == nil {
		return ""
	}
	return pkg.Dir
}
