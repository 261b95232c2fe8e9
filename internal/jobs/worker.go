package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	apperrors "github.com/openvideoplatform/encoder/internal/errors"
	"github.com/openvideoplatform/encoder/internal/logger"
	"github.com/openvideoplatform/encoder/internal/metrics"
)

const (
	DefaultConcurrency = 4

	dequeueErrorBackoff = time.Second
	failTimeout         = time.Minute
	ackTimeout          = 10 * time.Second
)

// Source is where the pool claims jobs from. *Queue implements it.
type Source interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error)
	Extend(ctx context.Context, d *Delivery) error
	Ack(ctx context.Context, d *Delivery) error
	Release(ctx context.Context, d *Delivery) error
	DeadLetter(ctx context.Context, d *Delivery) error
}

// Handler runs the pipeline for one job. Fail must record a failed job;
// when it returns an error the job is left unacknowledged and the queue
// redelivers it after its lease expires.
type Handler interface {
	Handle(ctx context.Context, job *TranscodeJob) error
	Fail(ctx context.Context, job *TranscodeJob, cause error) error
}

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	Concurrency int
	// JobTimeout bounds one attempt of a job. Zero disables it.
	JobTimeout time.Duration
	// Heartbeat is how often a running job's lease is extended. Zero
	// disables it.
	Heartbeat   time.Duration
	PollTimeout time.Duration
}

// Pool runs up to Concurrency jobs at a time.
type Pool struct {
	source  Source
	handler Handler
	cfg     PoolConfig
	log     *logger.Logger

	wg       sync.WaitGroup
	stopChan chan struct{}
	mu       sync.RWMutex
	running  bool

	// pollCtx interrupts waiting for new jobs; jobsCtx is only cancelled
	// when a shutdown deadline expires.
	pollCtx    context.Context
	pollCancel context.CancelFunc
	jobsCtx    context.Context
	jobsCancel context.CancelFunc
}

// NewPool creates a worker pool
func NewPool(source Source, handler Handler, cfg PoolConfig, log *logger.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultBlockTimeout
	}
	if log == nil {
		log = logger.Default()
	}
	return &Pool{
		source:   source,
		handler:  handler,
		cfg:      cfg,
		log:      log.WithComponent("worker"),
		stopChan: make(chan struct{}),
	}
}

// Run starts the pool and blocks until ctx is done, then drains it. In-flight
// jobs are waited for; when shutdownTimeout is positive and elapses first,
// they are cancelled and handed back to the queue.
func (p *Pool) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	p.Start()
	<-ctx.Done()

	p.log.Info(context.Background(), "shutdown requested, draining in-flight jobs")

	stopCtx := context.Background()
	if shutdownTimeout > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(stopCtx, shutdownTimeout)
		defer cancel()
	}
	return p.Stop(stopCtx)
}

// Start launches the workers
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.running = true
	p.stopChan = make(chan struct{})
	p.pollCtx, p.pollCancel = context.WithCancel(context.Background())
	p.jobsCtx, p.jobsCancel = context.WithCancel(context.Background())

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.log.Info(context.Background(), "worker pool started", map[string]interface{}{"workers": p.cfg.Concurrency})
}

// Stop stops taking new jobs and waits for in-flight ones. If ctx ends
// first, in-flight jobs are cancelled and released for redelivery, and
// ctx's error is returned once the workers have exited.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	p.pollCancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.jobsCancel()
		p.log.Info(context.Background(), "worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.log.Warn(context.Background(), "shutdown timed out, cancelling in-flight jobs")
		p.jobsCancel()
		<-done
		return ctx.Err()
	}
}

// IsRunning returns whether the pool is currently running
func (p *Pool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		d, err := p.source.Dequeue(p.pollCtx, p.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, ErrQueueEmpty) || p.pollCtx.Err() != nil {
				continue
			}
			if errors.Is(err, ErrInvalidPayload) {
				metrics.JobsTotal.WithLabelValues(metrics.OutcomeDeadLettered).Inc()
				p.log.WarnErr(context.Background(), "dropped malformed job", err, map[string]interface{}{"worker": id})
				continue
			}
			p.log.Error(context.Background(), "failed to dequeue job", err, map[string]interface{}{"worker": id})
			select {
			case <-p.stopChan:
			case <-time.After(dequeueErrorBackoff):
			}
			continue
		}

		p.process(id, d)
	}
}

// process handles one delivery from claim to ack.
func (p *Pool) process(workerID int, d *Delivery) {
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	ctx := apperrors.WithJobID(p.jobsCtx, d.Job.ID)
	ctx = apperrors.WithVideoID(ctx, d.Job.VideoID)

	stopHeartbeat := p.heartbeat(ctx, d)
	defer stopHeartbeat()

	if d.Exhausted {
		// dead-lettered even when the failure cannot be recorded, so a job
		// whose record is gone stops cycling
		cause := apperrors.QueueError(fmt.Sprintf("job delivered %d times without completing", d.Attempt))
		p.fail(ctx, d, cause)
		p.deadLetter(ctx, d)
		return
	}

	if d.Rejected != nil {
		metrics.JobFailuresTotal.WithLabelValues(apperrors.CodeOf(d.Rejected)).Inc()
		p.log.WarnErr(ctx, "rejected invalid job", d.Rejected, map[string]interface{}{"worker": workerID})
		if p.fail(ctx, d, d.Rejected) {
			p.deadLetter(ctx, d)
		}
		return
	}

	p.log.Info(ctx, "processing job", map[string]interface{}{
		"worker":  workerID,
		"attempt": d.Attempt,
		"input":   d.Job.InputPath,
	})

	start := time.Now()
	jobCtx := ctx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	err := p.run(jobCtx, d.Job)

	if err != nil && p.jobsCtx.Err() != nil {
		// forced shutdown: not a job failure
		rctx, cancel := detached(ctx)
		if relErr := p.source.Release(rctx, d); relErr != nil {
			p.log.Error(ctx, "failed to release job", relErr)
		}
		cancel()
		metrics.JobsTotal.WithLabelValues(metrics.OutcomeReleased).Inc()
		p.log.Warn(ctx, "job interrupted by shutdown, released for redelivery")
		return
	}

	if err == nil {
		p.ack(ctx, d)
		metrics.JobsTotal.WithLabelValues(metrics.OutcomeReady).Inc()
		p.log.Info(ctx, "job completed", map[string]interface{}{"duration_ms": time.Since(start).Milliseconds()})
		return
	}

	metrics.JobFailuresTotal.WithLabelValues(apperrors.CodeOf(err)).Inc()
	if p.fail(ctx, d, err) {
		p.ack(ctx, d)
		metrics.JobsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return
	}
	metrics.JobsTotal.WithLabelValues(metrics.OutcomeUnrecorded).Inc()
}

// run calls the handler, turning a panic into an error.
func (p *Pool) run(ctx context.Context, job *TranscodeJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error(ctx, "job handler panicked", fmt.Errorf("%v", r), map[string]interface{}{"stack": string(debug.Stack())})
			err = apperrors.InternalError(fmt.Sprintf("panic: %v", r))
		}
	}()
	return p.handler.Handle(ctx, job)
}

// fail routes a job to the failure path and reports whether it was recorded.
func (p *Pool) fail(ctx context.Context, d *Delivery, cause error) bool {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
	defer cancel()

	if err := p.handler.Fail(fctx, d.Job, cause); err != nil {
		p.log.Error(ctx, "failed to record job failure, leaving job for redelivery", err, map[string]interface{}{
			"cause":   cause.Error(),
			"attempt": d.Attempt,
		})
		return false
	}
	return true
}

func (p *Pool) deadLetter(ctx context.Context, d *Delivery) {
	dctx, cancel := detached(ctx)
	defer cancel()
	if err := p.source.DeadLetter(dctx, d); err != nil {
		p.log.Error(ctx, "failed to dead-letter job", err)
		return
	}
	metrics.JobsTotal.WithLabelValues(metrics.OutcomeDeadLettered).Inc()
}

func (p *Pool) ack(ctx context.Context, d *Delivery) {
	actx, cancel := detached(ctx)
	defer cancel()
	if err := p.source.Ack(actx, d); err != nil {
		p.log.Error(ctx, "failed to ack job", err)
	}
}

// heartbeat extends the lease of d until the returned func is called.
func (p *Pool) heartbeat(ctx context.Context, d *Delivery) func() {
	if p.cfg.Heartbeat <= 0 {
		return func() {}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ectx, cancel := detached(ctx)
				if err := p.source.Extend(ectx, d); err != nil {
					p.log.WarnErr(ctx, "failed to extend job lease", err)
				}
				cancel()
			}
		}
	}()

	return func() {
		close(stop)
		wg.Wait()
	}
}

// detached returns a context for bookkeeping writes that must happen even
// after the job's own context is cancelled.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
}
