// Package transcoder drives ffmpeg to turn one source file into an HLS
// working package.
package transcoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/openvideoplatform/encoder/internal/errors"
	"github.com/openvideoplatform/encoder/internal/hls"
	"github.com/openvideoplatform/encoder/internal/logger"
)

const maxSoftErrors = 20

var (
	errorLinePattern   = regexp.MustCompile(`(?i)(\berror\b|invalid|failed|corrupt)`)
	audioStreamPattern = regexp.MustCompile(`Stream #\d+:\d+.*: Audio:`)
)

// Options configures a Transcoder.
type Options struct {
	Executable      Executable
	WorkDir         string
	Ladder          hls.Ladder
	SegmentDuration time.Duration
	ThumbnailOffset time.Duration
	ThumbnailWidth  int
	Preset          string
}

// Progress is one ffmpeg progress report.
type Progress struct {
	OutTime time.Duration
	Speed   string
	Done    bool
}

// ProgressFunc receives progress reports while the encode runs.
type ProgressFunc func(Progress)

// Transcoder runs the encode and thumbnail steps of a job.
type Transcoder struct {
	opts   Options
	runner Runner
	log    *logger.Logger
}

// New creates a Transcoder. A nil runner uses ExecRunner.
func New(opts Options, runner Runner, log *logger.Logger) *Transcoder {
	if runner == nil {
		runner = NewExecRunner()
	}
	if log == nil {
		log = logger.Default()
	}
	if opts.Preset == "" {
		opts.Preset = "veryfast"
	}
	if opts.SegmentDuration < time.Second {
		opts.SegmentDuration = 15 * time.Second
	}
	if opts.ThumbnailWidth <= 0 {
		opts.ThumbnailWidth = 640
	}
	return &Transcoder{opts: opts, runner: runner, log: log.WithComponent("transcoder")}
}

// Transcode encodes sourcePath into a fresh working directory named after
// jobID. The returned package is non-nil whenever the working directory was
// created, including on error, so the caller can clean it up.
func (t *Transcoder) Transcode(ctx context.Context, jobID, sourcePath string, progress ProgressFunc) (*hls.Package, error) {
	info, err := os.Stat(sourcePath)
	if err != nil || info.IsDir() {
		return nil, apperrors.InputNotFound(sourcePath).WithCause(err)
	}
	f, err := os.Open(sourcePath)
	if err != nil {
		return nil, apperrors.InputNotFound(sourcePath).WithCause(err)
	}
	f.Close()

	pkg, err := t.prepare(jobID)
	if err != nil {
		return pkg, err
	}

	withAudio, err := t.hasAudio(ctx, sourcePath, pkg)
	if err != nil {
		return pkg, err
	}
	if !withAudio {
		t.log.Info(ctx, "source has no audio stream, encoding video only", map[string]interface{}{"source": sourcePath})
	}

	if err := t.encode(ctx, sourcePath, pkg, withAudio, progress); err != nil {
		return pkg, err
	}

	t.thumbnail(ctx, sourcePath, pkg)
	return pkg, nil
}

// prepare creates the job directory and every stream directory. A stale
// directory left by an earlier delivery of the same job is discarded.
func (t *Transcoder) prepare(jobID string) (*hls.Package, error) {
	dir := filepath.Join(t.opts.WorkDir, "job-"+jobID)
	if rel, err := filepath.Rel(t.opts.WorkDir, dir); err != nil || rel != filepath.Base(dir) || strings.ContainsAny(jobID, `/\`) {
		return nil, apperrors.InvalidJob("job id " + strconv.Quote(jobID) + " escapes the working directory")
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, apperrors.InternalError("failed to reset working directory").WithCause(err)
	}
	pkg := hls.NewPackage(dir, t.opts.Ladder)
	for i := range t.opts.Ladder {
		if err := os.MkdirAll(pkg.StreamDir(i), 0o755); err != nil {
			return pkg, apperrors.InternalError("failed to create working directory").WithCause(err)
		}
	}
	return pkg, nil
}

// hasAudio reads the stream listing ffmpeg prints for the source. ffmpeg
// exits non-zero when given no output, so only a failure to run counts.
func (t *Transcoder) hasAudio(ctx context.Context, sourcePath string, pkg *hls.Package) (bool, error) {
	found := false
	res, err := t.runner.Run(ctx, Command{
		Path: t.opts.Executable.Path,
		Args: streamListArgs(sourcePath),
		Dir:  pkg.Dir,
		OnLine: func(stream Stream, line string) {
			if stream == Stderr && audioStreamPattern.MatchString(line) {
				found = true
			}
		},
	})
	if res == nil {
		return false, apperrors.TranscoderUnavailable(fmt.Sprintf("could not start %s (resolved from %s)", t.opts.Executable.Path, t.opts.Executable.Source)).
			WithCause(err)
	}
	if err != nil {
		return false, apperrors.TranscodeFailed("stream listing interrupted").WithCause(err)
	}
	return found, nil
}

func (t *Transcoder) encode(ctx context.Context, sourcePath string, pkg *hls.Package, withAudio bool, progress ProgressFunc) error {
	var current Progress
	cmd := Command{
		Path: t.opts.Executable.Path,
		Args: hlsArgs(sourcePath, pkg, t.opts, withAudio),
		Dir:  pkg.Dir,
		OnLine: func(stream Stream, line string) {
			if stream == Stdout {
				if parseProgressLine(&current, line) && progress != nil {
					progress(current)
				}
				return
			}
			if errorLinePattern.MatchString(line) && len(pkg.SoftErrors) < maxSoftErrors {
				pkg.SoftErrors = append(pkg.SoftErrors, line)
				t.log.Warn(ctx, "transcoder reported an error", map[string]interface{}{"line": line})
			}
		},
	}

	t.log.Info(ctx, "starting encode", map[string]interface{}{
		"source":     sourcePath,
		"work_dir":   pkg.Dir,
		"renditions": len(pkg.Ladder),
		"ffmpeg":     t.opts.Executable.Path,
	})

	start := time.Now()
	res, err := t.runner.Run(ctx, cmd)
	if res == nil {
		return apperrors.TranscoderUnavailable(fmt.Sprintf("could not start %s (resolved from %s)", t.opts.Executable.Path, t.opts.Executable.Source)).
			WithCause(err)
	}
	if err != nil {
		return apperrors.TranscodeFailed("encode interrupted").
			WithCause(err).
			WithDetails(map[string]any{"stderr_tail": res.Tail})
	}
	if res.ExitCode != 0 {
		perr := &ProcessError{Step: "encode", ExitCode: res.ExitCode, Tail: res.Tail}
		return apperrors.TranscodeFailed("encode exited non-zero").
			WithCause(perr).
			WithDetails(map[string]any{"exit_code": res.ExitCode, "stderr_tail": res.Tail})
	}

	t.log.Info(ctx, "encode finished", map[string]interface{}{
		"duration_ms": time.Since(start).Milliseconds(),
		"soft_errors": len(pkg.SoftErrors),
	})
	return nil
}

// thumbnail never fails the job; problems are recorded on the package.
func (t *Transcoder) thumbnail(ctx context.Context, sourcePath string, pkg *hls.Package) {
	res, err := t.runner.Run(ctx, Command{
		Path: t.opts.Executable.Path,
		Args: thumbnailArgs(sourcePath, pkg, t.opts),
		Dir:  pkg.Dir,
	})
	switch {
	case err != nil:
		pkg.ThumbnailErr = err
	case res.ExitCode != 0:
		pkg.ThumbnailErr = &ProcessError{Step: "thumbnail", ExitCode: res.ExitCode, Tail: res.Tail}
	default:
		if _, statErr := os.Stat(pkg.ThumbnailPath()); statErr != nil {
			pkg.ThumbnailErr = ErrThumbnailMissing
		}
	}

	if pkg.ThumbnailErr != nil {
		t.log.WarnErr(ctx, "thumbnail extraction failed, continuing without one", pkg.ThumbnailErr)
		return
	}
	pkg.Thumbnail = pkg.ThumbnailPath()
}

// parseProgressLine folds one key=value line from -progress output into p
// and reports whether a full progress block just ended.
func parseProgressLine(p *Progress, line string) bool {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return false
	}
	switch key {
	case "out_time_us", "out_time_ms":
		// both are microseconds
		if us, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.OutTime = time.Duration(us) * time.Microsecond
		}
	case "speed":
		p.Speed = strings.TrimSpace(value)
	case "progress":
		p.Done = value == "end"
		return true
	}
	return false
}
