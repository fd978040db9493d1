package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsCheckpoint(t *testing.T) {
	p := New(4)
	var count atomic.Int32

	ok := p.Submit(func() error {
		count.Add(1)
		return nil
	})
	if !ok {
		t.Fatal("Submit failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.StopAccepting()
	p.Drain(ctx)

	if got := count.Load(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestSubmitAfterStopAcceptingReturnsFalse(t *testing.T) {
	p := New(1)
	p.StopAccepting()

	if p.Submit(func() error { return nil }) {
		t.Fatal("Submit after StopAccepting should return false")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Drain(ctx)
}

func TestSecondSubmitDroppedWhileFirstInFlight(t *testing.T) {
	p := New(1)
	blocker := make(chan struct{})

	if !p.Submit(func() error { <-blocker; return nil }) {
		t.Fatal("first Submit should succeed")
	}
	time.Sleep(10 * time.Millisecond) // let the worker pick it up

	if p.Submit(func() error { return nil }) {
		t.Fatal("Submit should return false while a checkpoint is already running")
	}

	close(blocker)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.StopAccepting()
	p.Drain(ctx)
}

func TestDrainWithoutStopAcceptingAutoStops(t *testing.T) {
	p := New(10)
	p.Submit(func() error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Drain(ctx)

	if p.Submit(func() error { return nil }) {
		t.Fatal("Submit should return false after auto-stopped Drain")
	}
}

func TestDrainRespectsContextDeadline(t *testing.T) {
	p := New(10)
	blocker := make(chan struct{})
	p.Submit(func() error { <-blocker; return nil })

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.StopAccepting()
	p.Drain(ctx)
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Fatalf("Drain should have timed out in ~100ms, took %v", elapsed)
	}

	close(blocker) // cleanup
}

func TestCheckpointErrorDoesNotStallWorker(t *testing.T) {
	p := New(10)
	var count atomic.Int32

	p.Submit(func() error { return errors.New("disk full") })
	time.Sleep(10 * time.Millisecond)

	if !p.Submit(func() error { count.Add(1); return nil }) {
		t.Fatal("Submit after a failed checkpoint should still succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.StopAccepting()
	p.Drain(ctx)

	if got := count.Load(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestPanicRecovery(t *testing.T) {
	p := New(10)
	var count atomic.Int32

	p.Submit(func() error { panic("test panic") })
	time.Sleep(10 * time.Millisecond)
	p.Submit(func() error { count.Add(1); return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.StopAccepting()
	p.Drain(ctx)

	if got := count.Load(); got != 1 {
		t.Fatalf("task after panic: count = %d, want 1", got)
	}
}
