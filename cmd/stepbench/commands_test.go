package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spachava753/stepbench/internal/reconcile"
)

// slowShutdown keeps working for a while after its context is cancelled,
// like a pass that is mid-write when the run finishes.
type slowShutdown struct {
	finished atomic.Bool
}

func (s *slowShutdown) RunScheduled(ctx context.Context, _ string, _ reconcile.PassOptions) error {
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	s.finished.Store(true)
	return nil
}

func TestStartScheduledStopWaitsForPass(t *testing.T) {
	rec := &slowShutdown{}
	stop := startScheduled(context.Background(), rec, "@every 1h", reconcile.PassOptions{})
	stop()
	if !rec.finished.Load() {
		t.Fatal("stop returned before the scheduled pass finished")
	}
}

func TestStartScheduledStopsWithParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &slowShutdown{}
	stop := startScheduled(ctx, rec, "@every 1h", reconcile.PassOptions{})
	cancel()

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return after the parent context was cancelled")
	}
	if !rec.finished.Load() {
		t.Error("pass did not finish")
	}
}
