package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrVideoNotFound = errors.New("video not found")

type VideoStatus string

const (
	StatusProcessing VideoStatus = "PROCESSING"
	StatusReady      VideoStatus = "READY"
	StatusFailed     VideoStatus = "FAILED"
)

// Terminal reports whether no job is expected to change the status.
func (s VideoStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

type Video struct {
	ID           string
	SourcePath   string
	VideoURL     string
	ThumbnailURL sql.NullString
	Status       VideoStatus
	FailureCode  sql.NullString
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// VideoUpdate is the completion write for a video. A nil ThumbnailURL
// clears the column.
type VideoUpdate struct {
	VideoURL     string
	ThumbnailURL *string
	Status       VideoStatus
	FailureCode  string
}

type VideoRepository struct {
	db *DB
}

func NewVideoRepository(db *DB) *VideoRepository {
	return &VideoRepository{db: db}
}

// UpdateVideo overwrites the completion fields of a video. Concurrent
// updates for the same id are last-write-wins.
func (r *VideoRepository) UpdateVideo(ctx context.Context, id string, u VideoUpdate) error {
	query := `
		UPDATE videos
		SET video_url = $2, thumbnail_url = $3, status = $4, failure_code = $5, updated_at = NOW()
		WHERE id = $1
	`
	var failureCode sql.NullString
	if u.FailureCode != "" {
		failureCode = sql.NullString{String: u.FailureCode, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, query, id, u.VideoURL, u.ThumbnailURL, string(u.Status), failureCode)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVideoNotFound
	}
	return nil
}

// MarkProcessing creates the record for a new upload, or resets an existing
// one before a re-encode is enqueued.
func (r *VideoRepository) MarkProcessing(ctx context.Context, id, sourcePath string) error {
	query := `
		INSERT INTO videos (id, source_path, status)
		VALUES ($1, $2, 'PROCESSING')
		ON CONFLICT (id) DO UPDATE
		SET source_path = EXCLUDED.source_path, status = 'PROCESSING', failure_code = NULL, updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, id, sourcePath)
	return err
}

func (r *VideoRepository) GetVideo(ctx context.Context, id string) (*Video, error) {
	query := `
		SELECT id, source_path, video_url, thumbnail_url, status, failure_code, created_at, updated_at
		FROM videos
		WHERE id = $1
	`
	var v Video
	var status string
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&v.ID, &v.SourcePath, &v.VideoURL, &v.ThumbnailURL, &status, &v.FailureCode, &v.CreatedAt, &v.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrVideoNotFound
	}
	if err != nil {
		return nil, err
	}
	v.Status = VideoStatus(status)
	return &v, nil
}

// CountByStatus returns the number of videos in each status.
func (r *VideoRepository) CountByStatus(ctx context.Context) (map[VideoStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM videos GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[VideoStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[VideoStatus(status)] = n
	}
	return counts, rows.Err()
}
