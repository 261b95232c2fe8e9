package errors

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"
)

// RetryConfig bounds an exponential backoff loop.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool
	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// StartupRetryConfig is used while waiting for redis, postgres and the
// bucket to become reachable at worker boot. Jobs are never retried here;
// they rely on queue redelivery.
func StartupRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     6,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     15 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// RetryableFunc is one connection attempt.
type RetryableFunc func(ctx context.Context) error

// Retry calls fn until it succeeds, returns a permanent error, ctx ends or
// MaxRetries retries have been spent. The last error is returned.
func Retry(ctx context.Context, cfg *RetryConfig, fn RetryableFunc) error {
	if cfg == nil {
		cfg = StartupRetryConfig()
	}

	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		if err = fn(ctx); err == nil {
			return nil
		}
		if !transient(err) || attempt >= cfg.MaxRetries {
			return err
		}

		wait := cfg.backoff(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, wait, err)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

func (cfg *RetryConfig) backoff(attempt int) time.Duration {
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(cfg.InitialBackoff) * math.Pow(factor, float64(attempt))
	if cfg.MaxBackoff > 0 && d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	// ±25%
	if cfg.Jitter {
		d += d * 0.25 * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// Messages of dependencies that are still starting or briefly unreachable.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"temporary failure",
	"service unavailable",
	"loading the dataset in memory",
	"the database system is starting up",
	"slowdown",
	"503",
	"502",
	"504",
}

func transient(err error) bool {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if _, ok := As(err); ok {
		// A permanent-looking AppError that wraps a network failure is
		// still worth another try.
		return IsRetryable(err) || stderrors.As(err, &netErr)
	}

	if stderrors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
