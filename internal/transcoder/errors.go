package transcoder

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutableNotFound indicates ffmpeg could not be resolved
	ErrExecutableNotFound = errors.New("ffmpeg executable not found")

	// ErrThumbnailMissing indicates the thumbnail process exited cleanly
	// without writing a frame, usually because the source is shorter than
	// the thumbnail offset.
	ErrThumbnailMissing = errors.New("thumbnail not produced")
)

// ProcessError describes a transcoder process that ran and exited non-zero
type ProcessError struct {
	Step     string
	ExitCode int
	Tail     []string
}

func (e *ProcessError) Error() string {
	if len(e.Tail) > 0 {
		return fmt.Sprintf("%s exited with status %d: %s", e.Step, e.ExitCode, e.Tail[len(e.Tail)-1])
	}
	return fmt.Sprintf("%s exited with status %d", e.Step, e.ExitCode)
}
