package metrics

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/openvideoplatform/encoder/internal/logger"
)

type mockStatsProvider struct {
	mu    sync.Mutex
	stats QueueStats
	err   error
	calls int
}

func (m *mockStatsProvider) Stats(ctx context.Context) (QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.stats, m.err
}

func (m *mockStatsProvider) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestCollector_CollectsImmediately(t *testing.T) {
	provider := &mockStatsProvider{stats: QueueStats{Waiting: 7, InFlight: 3, Dead: 1}}
	c := NewCollector(provider, time.Hour, logger.New(io.Discard, logger.LevelDebug, "test"))

	c.Start()
	deadline := time.Now().Add(2 * time.Second)
	for provider.getCalls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()

	if got := gaugeValue(t, QueueDepth.WithLabelValues("waiting")); got != 7 {
		t.Errorf("waiting = %v, want 7", got)
	}
	if got := gaugeValue(t, QueueDepth.WithLabelValues("in_flight")); got != 3 {
		t.Errorf("in_flight = %v, want 3", got)
	}
}

func TestCollector_ErrorKeepsLastValues(t *testing.T) {
	QueueDepth.WithLabelValues("dead").Set(4)
	provider := &mockStatsProvider{err: errors.New("redis down")}
	c := NewCollector(provider, time.Hour, logger.New(io.Discard, logger.LevelDebug, "test"))

	c.collect()

	if got := gaugeValue(t, QueueDepth.WithLabelValues("dead")); got != 4 {
		t.Errorf("dead = %v, want 4", got)
	}
}

func TestCollector_StopIsPrompt(t *testing.T) {
	provider := &mockStatsProvider{}
	c := NewCollector(provider, 10*time.Millisecond, logger.New(io.Discard, logger.LevelDebug, "test"))
	c.Start()
	time.Sleep(35 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return")
	}
	if provider.getCalls() < 2 {
		t.Errorf("expected periodic collection, got %d calls", provider.getCalls())
	}
}
