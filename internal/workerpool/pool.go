// Package workerpool dispatches the Result Store's periodic checkpoint
// (spec.md §4.G: session state flushed to disk on an interval and at
// shutdown) off the pipeline's main goroutines, so a slow fsync never
// stalls frame ingestion or inference dispatch.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vlmmonitor/core/internal/logging"
)

var log = logging.L("workerpool")

// CheckpointFunc performs one store checkpoint, matching store.Store's
// Checkpoint method.
type CheckpointFunc func() error

// CheckpointPool runs store checkpoints on a single background
// worker. A checkpoint walks the full in-memory session state, so at
// most one may run at a time; a request submitted while one is
// already queued or running is dropped rather than piled up, since a
// subsequent checkpoint will capture whatever state the dropped one
// would have.
type CheckpointPool struct {
	queue     chan CheckpointFunc
	wg        sync.WaitGroup
	accepting atomic.Bool
	inFlight  atomic.Bool // set by Submit, cleared when that checkpoint finishes
	stopOnce  sync.Once
	closeOnce sync.Once
	stopChan  chan struct{}

	runs    atomic.Uint64
	drops   atomic.Uint64
	errors  atomic.Uint64
	lastDur atomic.Int64 // nanoseconds
}

// New starts a CheckpointPool with a single worker goroutine and a
// queue channel of capacity backlog. At most one checkpoint is queued
// or running at any time, so requests beyond that are dropped, not
// blocked on.
func New(backlog int) *CheckpointPool {
	if backlog < 1 {
		backlog = 1
	}

	p := &CheckpointPool{
		queue:    make(chan CheckpointFunc, backlog),
		stopChan: make(chan struct{}),
	}
	p.accepting.Store(true)

	go p.worker()

	log.Info("checkpoint pool started", "backlog", backlog)
	return p
}

// Submit enqueues a checkpoint run. Returns false if the pool is
// stopped or a checkpoint is already queued/running.
func (p *CheckpointPool) Submit(fn CheckpointFunc) bool {
	if !p.accepting.Load() {
		return false
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		p.drops.Add(1)
		log.Warn("checkpoint already in flight, skipping this tick")
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- fn:
		return true
	default:
		p.inFlight.Store(false)
		p.wg.Done()
		p.drops.Add(1)
		log.Warn("checkpoint already in flight, skipping this tick")
		return false
	}
}

// StopAccepting prevents new checkpoints from being submitted.
func (p *CheckpointPool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain stops accepting new submissions and waits for the in-flight or
// queued checkpoint to finish, respecting the context deadline. Call
// StopAccepting first to prevent new submissions racing with shutdown.
func (p *CheckpointPool) Drain(ctx context.Context) {
	p.accepting.Store(false)
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("checkpoint pool drained",
			"runs", p.runs.Load(),
			"errors", p.errors.Load(),
			"dropped", p.drops.Load(),
			"last_duration", time.Duration(p.lastDur.Load()),
		)
	case <-ctx.Done():
		log.Warn("checkpoint pool drain timed out")
	}

	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

func (p *CheckpointPool) worker() {
	for {
		select {
		case fn, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(fn)
		case <-p.stopChan:
			for {
				select {
				case fn, ok := <-p.queue:
					if !ok {
						return
					}
					p.run(fn)
				default:
					return
				}
			}
		}
	}
}

func (p *CheckpointPool) run(fn CheckpointFunc) {
	defer p.wg.Done()
	defer p.inFlight.Store(false)
	defer func() {
		if r := recover(); r != nil {
			p.errors.Add(1)
			log.Error("checkpoint panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	start := time.Now()
	err := fn()
	p.lastDur.Store(int64(time.Since(start)))
	p.runs.Add(1)
	if err != nil {
		p.errors.Add(1)
		log.Warn("checkpoint failed", "error", err)
	}
}
