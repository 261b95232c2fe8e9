package errors

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is a type for context keys
type contextKey string

const (
	jobIDKey   contextKey = "job_id"
	videoIDKey contextKey = "video_id"
)

// GenerateJobID generates a new unique job ID
func GenerateJobID() string {
	return uuid.New().String()
}

// WithJobID adds a job ID to the context
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// GetJobID retrieves the job ID from the context
func GetJobID(ctx context.Context) string {
	if jobID, ok := ctx.Value(jobIDKey).(string); ok {
		return jobID
	}
	return ""
}

// WithVideoID adds a video ID to the context
func WithVideoID(ctx context.Context, videoID string) context.Context {
	return context.WithValue(ctx, videoIDKey, videoID)
}

// GetVideoID retrieves the video ID from the context
func GetVideoID(ctx context.Context) string {
	if videoID, ok := ctx.Value(videoIDKey).(string); ok {
		return videoID
	}
	return ""
}
