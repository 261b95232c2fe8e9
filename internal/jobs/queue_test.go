package jobs

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/openvideoplatform/encoder/internal/errors"
	"github.com/openvideoplatform/encoder/internal/logger"
)

func getTestRedisURL() string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379"
	}
	return url
}

func newTestQueue(t *testing.T, opts QueueOptions) *Queue {
	t.Helper()
	opts.Name = "test:encoder:" + uuid.NewString()
	queue, err := NewQueue(context.Background(), getTestRedisURL(), opts, logger.New(io.Discard, logger.LevelDebug, "test"))
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := queue.Client().Keys(ctx, opts.Name+"*").Result()
		if len(keys) > 0 {
			queue.Client().Del(ctx, keys...)
		}
		queue.Close()
	})
	return queue
}

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	queue := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	job, err := queue.Enqueue(ctx, "/uploads/fixture.mp4", "v1")
	if err != nil {
		t.Fatalf("Failed to enqueue job: %v", err)
	}
	if job.ID == "" || job.VideoID != "v1" || job.EnqueuedAt.IsZero() {
		t.Errorf("unexpected job %+v", job)
	}

	d, err := queue.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Failed to dequeue job: %v", err)
	}
	if d.Job.ID != job.ID || d.Job.InputPath != "/uploads/fixture.mp4" || d.Attempt != 1 {
		t.Errorf("unexpected delivery %+v", d)
	}

	stats, err := queue.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 0 || stats.InFlight != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	if err := queue.Ack(ctx, d); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	stats, _ = queue.Stats(ctx)
	if stats.InFlight != 0 {
		t.Errorf("in-flight after ack = %d", stats.InFlight)
	}
}

func TestQueue_DequeueEmpty(t *testing.T) {
	queue := newTestQueue(t, QueueOptions{})

	_, err := queue.Dequeue(context.Background(), 100*time.Millisecond)
	if !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestQueue_EnqueueRejectsInvalidJob(t *testing.T) {
	queue := newTestQueue(t, QueueOptions{})

	_, err := queue.Enqueue(context.Background(), "", "v1")
	if !apperrors.IsCode(err, apperrors.CodeInvalidJob) {
		t.Errorf("expected INVALID_JOB, got %v", err)
	}
}

func TestQueue_MalformedPayloadIsDeadLettered(t *testing.T) {
	queue := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	queue.Client().LPush(ctx, queue.opts.Name, "{not json")
	_, err := queue.Dequeue(ctx, time.Second)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	stats, _ := queue.Stats(ctx)
	if stats.Dead != 1 || stats.InFlight != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestQueue_PayloadWithoutIDIsDelivered(t *testing.T) {
	queue := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	raw := `{"inputPath":"fixture.mp4","videoId":"v1"}`
	queue.Client().LPush(ctx, queue.opts.Name, raw)

	d, err := queue.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if d.Job.ID == "" || d.Job.VideoID != "v1" || d.Job.InputPath != "fixture.mp4" || d.Rejected != nil {
		t.Fatalf("unexpected delivery %+v", d)
	}

	// the derived id is stable across redeliveries of the same message
	if err := queue.Release(ctx, d); err != nil {
		t.Fatal(err)
	}
	again, err := queue.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if again.Job.ID != d.Job.ID || again.Attempt != 1 {
		t.Errorf("redelivery %+v, want id %s attempt 1", again, d.Job.ID)
	}

	queue.Client().Del(ctx, queue.leaseKey(again.Job.ID))
	queue.RequeueExpired(ctx)
	if n, err := queue.RequeueExpired(ctx); err != nil || n != 1 {
		t.Fatalf("expired job without id not requeued: %d, %v", n, err)
	}
	third, err := queue.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if third.Job.ID != d.Job.ID || third.Attempt != 2 {
		t.Errorf("requeued delivery %+v, want id %s attempt 2", third, d.Job.ID)
	}

	if err := queue.Ack(ctx, third); err != nil {
		t.Fatal(err)
	}
	stats, _ := queue.Stats(ctx)
	if stats.Waiting != 0 || stats.InFlight != 0 || stats.Dead != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if n, _ := queue.Client().HLen(ctx, queue.deliveriesKey()).Result(); n != 0 {
		t.Errorf("delivery counter left behind: %d", n)
	}
}

func TestQueue_InvalidJobsNamingAVideoAreDelivered(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		rejected bool
	}{
		{"empty input", `{"videoId":"v1"}`, false},
		{"unsafe job id", `{"id":"../../x","videoId":"v1","inputPath":"/in.mp4"}`, true},
		{"unsafe video id", `{"videoId":"../v1","inputPath":"/in.mp4"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := newTestQueue(t, QueueOptions{})
			ctx := context.Background()

			queue.Client().LPush(ctx, queue.opts.Name, tt.raw)
			d, err := queue.Dequeue(ctx, time.Second)
			if err != nil {
				t.Fatalf("Dequeue() error = %v", err)
			}
			if got := d.Rejected != nil; got != tt.rejected {
				t.Errorf("Rejected = %v, want rejected %v", d.Rejected, tt.rejected)
			}
			if tt.rejected && !apperrors.IsCode(d.Rejected, apperrors.CodeInvalidJob) {
				t.Errorf("expected INVALID_JOB, got %v", d.Rejected)
			}
			stats, _ := queue.Stats(ctx)
			if stats.Dead != 0 || stats.InFlight != 1 {
				t.Errorf("unexpected stats %+v", stats)
			}
		})
	}
}

func TestQueue_PayloadWithoutVideoIsDeadLettered(t *testing.T) {
	queue := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	queue.Client().LPush(ctx, queue.opts.Name, `{"inputPath":"fixture.mp4"}`)
	_, err := queue.Dequeue(ctx, time.Second)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	stats, _ := queue.Stats(ctx)
	if stats.Dead != 1 || stats.InFlight != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestQueue_ReleaseRedeliversWithoutCountingAttempt(t *testing.T) {
	queue := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, "/in.mp4", "v1"); err != nil {
		t.Fatal(err)
	}
	d, err := queue.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := queue.Release(ctx, d); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	again, err := queue.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if again.Job.ID != d.Job.ID || again.Attempt != 1 {
		t.Errorf("unexpected redelivery %+v", again)
	}
}

func TestQueue_RequeueExpiredAndExhaust(t *testing.T) {
	queue := newTestQueue(t, QueueOptions{Visibility: time.Minute, MaxDeliveries: 1})
	ctx := context.Background()

	job, err := queue.Enqueue(ctx, "/in.mp4", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := queue.Dequeue(ctx, time.Second); err != nil {
		t.Fatal(err)
	}

	// simulate a crashed worker
	queue.Client().Del(ctx, queue.leaseKey(job.ID))

	n, err := queue.RequeueExpired(ctx)
	if err != nil || n != 0 {
		t.Fatalf("first pass should only mark the job, got %d, %v", n, err)
	}
	n, err = queue.RequeueExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("second pass should requeue, got %d, %v", n, err)
	}

	again, err := queue.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if again.Attempt != 2 || !again.Exhausted {
		t.Errorf("expected exhausted second delivery, got %+v", again)
	}

	if err := queue.DeadLetter(ctx, again); err != nil {
		t.Fatal(err)
	}
	stats, _ := queue.Stats(ctx)
	if stats.Dead != 1 || stats.InFlight != 0 || stats.Waiting != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestQueue_LeasedJobsAreNotRequeued(t *testing.T) {
	queue := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, "/in.mp4", "v1"); err != nil {
		t.Fatal(err)
	}
	d, err := queue.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := queue.Extend(ctx, d); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if n, err := queue.RequeueExpired(ctx); err != nil || n != 0 {
			t.Fatalf("leased job requeued: %d, %v", n, err)
		}
	}
}

func TestQueue_PublishEvents(t *testing.T) {
	queue := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	sub := queue.Subscribe(ctx)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	job, err := queue.Enqueue(ctx, "/in.mp4", "v-events")
	if err != nil {
		t.Fatal(err)
	}

	msgCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for {
		msg, err := sub.ReceiveMessage(msgCtx)
		if err != nil {
			t.Fatalf("no event received: %v", err)
		}
		// other tests may publish on the shared channel
		if strings.Contains(msg.Payload, job.ID) && strings.Contains(msg.Payload, `"stage":"queued"`) {
			return
		}
	}
}

func TestTranscodeJob_Validate(t *testing.T) {
	tests := []struct {
		name    string
		job     TranscodeJob
		wantErr bool
	}{
		{"valid", TranscodeJob{VideoID: "v1", InputPath: "/in.mp4"}, false},
		{"valid with id", TranscodeJob{ID: "7d1c", VideoID: "v1", InputPath: "/in.mp4"}, false},
		{"missing video", TranscodeJob{InputPath: "/in.mp4"}, true},
		{"missing input", TranscodeJob{VideoID: "v1", InputPath: "  "}, true},
		{"video traversal", TranscodeJob{VideoID: "..", InputPath: "/in.mp4"}, true},
		{"video with separator", TranscodeJob{VideoID: "a/b", InputPath: "/in.mp4"}, true},
		{"id traversal", TranscodeJob{ID: "../../x", VideoID: "v1", InputPath: "/in.mp4"}, true},
		{"id with backslash", TranscodeJob{ID: `a\b`, VideoID: "v1", InputPath: "/in.mp4"}, true},
	}
	for _, tt := range tests {
		err := tt.job.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestDecodeJob(t *testing.T) {
	raw := `{"inputPath":"fixture.mp4","videoId":"v1"}`
	first, err := decodeJob(raw)
	if err != nil {
		t.Fatalf("decodeJob() error = %v", err)
	}
	second, _ := decodeJob(raw)
	if first.ID == "" || first.ID != second.ID {
		t.Errorf("derived ids %q and %q, want equal and non-empty", first.ID, second.ID)
	}
	if !SafeID(first.ID) {
		t.Errorf("derived id %q is not a safe path component", first.ID)
	}

	other, _ := decodeJob(`{"inputPath":"other.mp4","videoId":"v1"}`)
	if other.ID == first.ID {
		t.Error("different payloads derived the same id")
	}

	given, _ := decodeJob(`{"id":"job-7","inputPath":"fixture.mp4","videoId":"v1"}`)
	if given.ID != "job-7" {
		t.Errorf("ID = %q, want the producer's id", given.ID)
	}

	if _, err := decodeJob("{not json"); err == nil {
		t.Error("expected error for malformed payload")
	}
}
