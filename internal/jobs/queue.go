package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/openvideoplatform/encoder/internal/errors"
	"github.com/openvideoplatform/encoder/internal/logger"
	"github.com/openvideoplatform/encoder/internal/metrics"
)

const (
	// EventsChannel carries job lifecycle events.
	EventsChannel = "encoder:events"

	defaultBlockTimeout = 5 * time.Second
	defaultVisibility   = 30 * time.Minute
	defaultMaxDelivery  = 5
)

var (
	ErrQueueEmpty     = errors.New("queue is empty")
	ErrInvalidPayload = errors.New("invalid job payload")
)

// QueueOptions configures a Queue.
type QueueOptions struct {
	// Name is the key of the waiting list; other keys derive from it.
	Name string
	// Visibility is how long a claimed job stays leased without a heartbeat
	// before it is handed to another worker.
	Visibility time.Duration
	// MaxDeliveries bounds how often one job is claimed.
	MaxDeliveries int
}

// Queue is an at-least-once job queue on Redis.
//
// Producers LPUSH job payloads onto <name>. A worker claims a job by moving
// it atomically to <name>:processing and taking a lease key with a TTL. Ack
// removes it; a job whose lease expires is moved back by RequeueExpired.
// Per-job claim counts live in the <name>:deliveries hash and jobs claimed
// too often end up in <name>:dead.
type Queue struct {
	client *redis.Client
	opts   QueueOptions
	log    *logger.Logger

	mu       sync.Mutex
	suspects map[string]bool
}

// NewQueue connects to redisURL and verifies the connection.
func NewQueue(ctx context.Context, redisURL string, opts QueueOptions, log *logger.Logger) (*Queue, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewQueueWithClient(client, opts, log), nil
}

// NewQueueWithClient wraps an existing client.
func NewQueueWithClient(client *redis.Client, opts QueueOptions, log *logger.Logger) *Queue {
	if opts.Name == "" {
		opts.Name = "encoder:jobs"
	}
	if opts.Visibility <= 0 {
		opts.Visibility = defaultVisibility
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = defaultMaxDelivery
	}
	if log == nil {
		log = logger.Default()
	}
	return &Queue{
		client:   client,
		opts:     opts,
		log:      log.WithComponent("queue"),
		suspects: make(map[string]bool),
	}
}

// Client returns the underlying Redis client
func (q *Queue) Client() *redis.Client {
	return q.client
}

// Close closes the Redis connection
func (q *Queue) Close() error {
	return q.client.Close()
}

// Visibility is the lease duration of a claimed job.
func (q *Queue) Visibility() time.Duration {
	return q.opts.Visibility
}

func (q *Queue) processingKey() string { return q.opts.Name + ":processing" }
func (q *Queue) deliveriesKey() string { return q.opts.Name + ":deliveries" }
func (q *Queue) deadKey() string       { return q.opts.Name + ":dead" }
func (q *Queue) leaseKey(id string) string {
	return q.opts.Name + ":lease:" + id
}

// Enqueue adds a new job for videoID.
func (q *Queue) Enqueue(ctx context.Context, inputPath, videoID string) (*TranscodeJob, error) {
	job := &TranscodeJob{
		ID:         uuid.New().String(),
		InputPath:  inputPath,
		VideoID:    videoID,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.client.LPush(ctx, q.opts.Name, data).Err(); err != nil {
		return nil, apperrors.QueueError("failed to enqueue job").WithCause(err)
	}

	q.Publish(ctx, Event{JobID: job.ID, VideoID: videoID, Stage: StageQueued})
	return job, nil
}

// Dequeue claims the next job, blocking up to timeout. It returns
// ErrQueueEmpty when nothing arrived in time. Payloads that are not JSON or
// name no video are moved to the dead-letter list and reported as
// ErrInvalidPayload; any other invalid job is delivered with Rejected set so
// its video can be marked failed.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	if timeout == 0 {
		timeout = defaultBlockTimeout
	}

	raw, err := q.client.BLMove(ctx, q.opts.Name, q.processingKey(), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrQueueEmpty
		}
		return nil, apperrors.QueueError("failed to dequeue job").WithCause(err)
	}

	job, err := decodeJob(raw)
	if err != nil || strings.TrimSpace(job.VideoID) == "" {
		q.bury(ctx, raw, "")
		return nil, fmt.Errorf("%w: %q", ErrInvalidPayload, truncate(raw, 200))
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.leaseKey(job.ID), time.Now().UTC().Format(time.RFC3339), q.opts.Visibility)
	attempts := pipe.HIncrBy(ctx, q.deliveriesKey(), job.ID, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		// the job stays in processing without a lease and is requeued later
		return nil, apperrors.QueueError("failed to lease job").WithCause(err)
	}

	d := &Delivery{Job: job, Attempt: int(attempts.Val()), raw: raw}
	d.Exhausted = d.Attempt > q.opts.MaxDeliveries
	// an empty inputPath is left to the pipeline, which fails it as
	// INPUT_NOT_FOUND
	d.Rejected = job.validateIDs()
	return d, nil
}

// Extend renews the lease of a claimed job.
func (q *Queue) Extend(ctx context.Context, d *Delivery) error {
	return q.client.Expire(ctx, q.leaseKey(d.Job.ID), q.opts.Visibility).Err()
}

// Ack removes a finished job from the queue for good.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, d.raw)
	pipe.Del(ctx, q.leaseKey(d.Job.ID))
	pipe.HDel(ctx, q.deliveriesKey(), d.Job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.QueueError("failed to ack job").WithCause(err)
	}
	return nil
}

// Release hands an unfinished job back to the queue for immediate
// redelivery. The claim does not count towards MaxDeliveries.
func (q *Queue) Release(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, d.raw)
	pipe.RPush(ctx, q.opts.Name, d.raw)
	pipe.Del(ctx, q.leaseKey(d.Job.ID))
	pipe.HIncrBy(ctx, q.deliveriesKey(), d.Job.ID, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.QueueError("failed to release job").WithCause(err)
	}
	return nil
}

// DeadLetter moves a job to the dead-letter list.
func (q *Queue) DeadLetter(ctx context.Context, d *Delivery) error {
	if err := q.bury(ctx, d.raw, d.Job.ID); err != nil {
		return apperrors.QueueError("failed to dead-letter job").WithCause(err)
	}
	return nil
}

func (q *Queue) bury(ctx context.Context, raw, id string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, raw)
	pipe.LPush(ctx, q.deadKey(), raw)
	if id != "" {
		pipe.Del(ctx, q.leaseKey(id))
		pipe.HDel(ctx, q.deliveriesKey(), id)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		q.log.WarnErr(ctx, "failed to move job to dead-letter list", err, map[string]interface{}{"job": id})
	}
	return err
}

// RequeueExpired moves claimed jobs whose lease has gone back to the
// waiting list. A job is only requeued after it was seen without a lease on
// two consecutive calls, so a claim that has not yet taken its lease is not
// stolen.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	items, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, apperrors.QueueError("failed to list claimed jobs").WithCause(err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	suspects := make(map[string]bool)
	requeued := 0
	for _, raw := range items {
		job, err := decodeJob(raw)
		if err != nil {
			continue
		}
		leased, err := q.client.Exists(ctx, q.leaseKey(job.ID)).Result()
		if err != nil {
			return requeued, apperrors.QueueError("failed to check lease").WithCause(err)
		}
		if leased > 0 {
			continue
		}
		if !q.suspects[raw] {
			suspects[raw] = true
			continue
		}

		removed, err := q.client.LRem(ctx, q.processingKey(), 1, raw).Result()
		if err != nil {
			return requeued, apperrors.QueueError("failed to requeue job").WithCause(err)
		}
		if removed == 0 {
			// acked in the meantime
			continue
		}
		if err := q.client.RPush(ctx, q.opts.Name, raw).Err(); err != nil {
			return requeued, apperrors.QueueError("failed to requeue job").WithCause(err)
		}
		requeued++
		metrics.QueueRequeuedTotal.Inc()
		q.log.Warn(ctx, "requeued job with expired lease", map[string]interface{}{
			"job":      job.ID,
			"video_id": job.VideoID,
		})
	}
	q.suspects = suspects
	return requeued, nil
}

// RunReaper calls RequeueExpired every interval until ctx is done.
func (q *Queue) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.RequeueExpired(ctx); err != nil && ctx.Err() == nil {
				q.log.WarnErr(ctx, "lease reaper pass failed", err)
			}
		}
	}
}

// Stats reports the size of the waiting, processing and dead lists.
func (q *Queue) Stats(ctx context.Context) (metrics.QueueStats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.opts.Name)
	inFlight := pipe.LLen(ctx, q.processingKey())
	dead := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return metrics.QueueStats{}, err
	}
	return metrics.QueueStats{Waiting: waiting.Val(), InFlight: inFlight.Val(), Dead: dead.Val()}, nil
}

// Length returns the number of jobs waiting in the queue
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.opts.Name).Result()
}

// Ping checks the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Publish sends a job event. Delivery is best effort; failures are logged.
func (q *Queue) Publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := q.client.Publish(ctx, EventsChannel, data).Err(); err != nil {
		q.log.WarnErr(ctx, "failed to publish job event", err, map[string]interface{}{"stage": ev.Stage})
	}
}

// Subscribe listens to job events.
func (q *Queue) Subscribe(ctx context.Context) *redis.PubSub {
	return q.client.Subscribe(ctx, EventsChannel)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
