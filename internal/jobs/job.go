// Package jobs carries transcode jobs from producers to the worker pool over
// a Redis reliable queue.
package jobs

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/openvideoplatform/encoder/internal/errors"
)

// TranscodeJob asks for one source file to be packaged for a video.
type TranscodeJob struct {
	ID         string    `json:"id"`
	InputPath  string    `json:"inputPath"`
	VideoID    string    `json:"videoId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// payloadNamespace scopes the ids derived for payloads that carry none.
var payloadNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:openvideoplatform:encoder:job"))

// Validate checks the fields a producer must supply.
func (j *TranscodeJob) Validate() error {
	if err := j.validateIDs(); err != nil {
		return err
	}
	if strings.TrimSpace(j.InputPath) == "" {
		return apperrors.InvalidJob("inputPath is required")
	}
	return nil
}

// validateIDs checks the ids that end up in working directory names and
// object keys.
func (j *TranscodeJob) validateIDs() error {
	if strings.TrimSpace(j.VideoID) == "" {
		return apperrors.InvalidJob("videoId is required")
	}
	if !SafeID(j.VideoID) {
		return apperrors.InvalidJob("videoId must be a single path component")
	}
	if j.ID != "" && !SafeID(j.ID) {
		return apperrors.InvalidJob("id must be a single path component")
	}
	return nil
}

// SafeID reports whether id can be used as one path segment of a file name
// or object key.
func SafeID(id string) bool {
	if id == "" || id == "." || id == ".." || len(id) > 255 {
		return false
	}
	if strings.ContainsAny(id, "/\\\x00") {
		return false
	}
	return filepath.Base(id) == id
}

// decodeJob parses a queued payload. Producers may omit the id; one is then
// derived from the payload bytes so every delivery of the same message
// shares its lease and delivery counter.
func decodeJob(raw string) (*TranscodeJob, error) {
	var job TranscodeJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, err
	}
	if job.ID == "" {
		job.ID = uuid.NewSHA1(payloadNamespace, []byte(raw)).String()
	}
	return &job, nil
}

// Delivery is one claim of a job by a worker. The same job may be delivered
// more than once.
type Delivery struct {
	Job     *TranscodeJob
	Attempt int
	// Exhausted is set when the job has been delivered more times than the
	// queue allows; it should be failed and dead-lettered, not processed.
	Exhausted bool
	// Rejected is set when the payload names a video but cannot be
	// processed safely; the video should be failed with it.
	Rejected error

	raw string
}

// Job lifecycle stages published as events.
const (
	StageQueued      = "queued"
	StageTranscoding = "transcoding"
	StageValidating  = "validating"
	StageUploading   = "uploading"
	StageFinalizing  = "finalizing"
	StageReady       = "ready"
	StageFailed      = "failed"
)

// Event reports a job moving to a new stage.
type Event struct {
	JobID     string    `json:"jobId"`
	VideoID   string    `json:"videoId"`
	Stage     string    `json:"stage"`
	Attempt   int       `json:"attempt,omitempty"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}
