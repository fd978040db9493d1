// Package scheduler enforces the sync/async inference discipline,
// binds user questions and MCP control results to each dispatched
// MediaArtifact, and hands finished InferenceRecords to a sink
// (component D).
package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vlmmonitor/core/internal/logging"
	"github.com/vlmmonitor/core/internal/types"
	"github.com/vlmmonitor/core/internal/userquestion"
	"github.com/vlmmonitor/core/internal/vlm"
)

var log = logging.L("scheduler")

// Mode selects the dispatch discipline.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// SentryTrigger selects when the MCP control bridge is consulted
// outside of an explicit tool-call intent parsed from the model.
type SentryTrigger string

const (
	SentryTriggerAlways     SentryTrigger = "always"
	SentryTriggerOnQuestion SentryTrigger = "on_question"
	SentryTriggerOff        SentryTrigger = ""
)

const defaultInferenceTimeout = 60 * time.Second

// VLMClient is the contract the scheduler dispatches work through
// (component E). Analyze must not block past ctx's deadline.
type VLMClient interface {
	Analyze(ctx context.Context, media *types.MediaArtifact, question string) (rawText, prelude string, scene *types.SceneResult, mcpIntent *types.MCPResult, err error)
}

// MCPBridge invokes the external camera-control service (component F).
type MCPBridge interface {
	Invoke(ctx context.Context, imagePath, userQuestion string) *types.MCPResult
}

// Sink receives each finished InferenceRecord (result store, delivery surface).
type Sink interface {
	Record(rec *types.InferenceRecord)
}

// Config is the scheduler's dispatch policy.
type Config struct {
	Mode             Mode
	MaxConcurrent    int // async only
	InferenceTimeout time.Duration

	MCPEnabled    bool
	SentryTrigger SentryTrigger
}

// Scheduler implements the dispatch algorithm from spec.md §4.D. All
// mutable dispatch state is serialized by mu; dispatched inferences
// run on their own goroutines.
type Scheduler struct {
	cfg       Config
	vlm       VLMClient
	mcp       MCPBridge
	sink      Sink
	questions *userquestion.Registry

	mu            sync.Mutex
	activeCount   int
	pendingLatest *types.MediaArtifact

	skippedSync   atomic.Uint64
	sentryEnabled atomic.Bool

	artifacts <-chan *types.MediaArtifact
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func New(cfg Config, artifacts <-chan *types.MediaArtifact, vlm VLMClient, mcp MCPBridge, sink Sink, questions *userquestion.Registry) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = defaultInferenceTimeout
	}
	s := &Scheduler{
		cfg:       cfg,
		vlm:       vlm,
		mcp:       mcp,
		sink:      sink,
		questions: questions,
		artifacts: artifacts,
		done:      make(chan struct{}),
	}
	s.sentryEnabled.Store(cfg.MCPEnabled)
	return s
}

// SentryEnabled reports whether sentry mode is currently on. It starts
// at the boot-time Config.MCPEnabled and is runtime-toggleable via
// SetSentryEnabled; the bridge itself is only ever invoked while
// Config.MCPEnabled is set.
func (s *Scheduler) SentryEnabled() bool { return s.sentryEnabled.Load() }

// SetSentryEnabled flips sentry mode on or off, returning the new
// state. Exposed for the delivery surface's POST /api/sentry/toggle.
func (s *Scheduler) SetSentryEnabled(enabled bool) bool {
	s.sentryEnabled.Store(enabled)
	return enabled
}

// SkippedInSync returns how many artifacts were discarded from
// pending_latest because a newer one arrived before dispatch.
func (s *Scheduler) SkippedInSync() uint64 { return s.skippedSync.Load() }

// Run consumes artifacts until ctx is canceled, Stop is called, or the
// artifacts channel closes. It blocks until all in-flight dispatches
// finish.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case a, ok := <-s.artifacts:
			if !ok {
				return
			}
			s.mu.Lock()
			s.handleArrivalLocked(ctx, a)
			s.mu.Unlock()
		}
	}
}

// Stop idempotently signals Run to stop accepting new artifacts.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// handleArrivalLocked implements the per-artifact dispatch algorithm.
// Caller must hold s.mu.
func (s *Scheduler) handleArrivalLocked(ctx context.Context, a *types.MediaArtifact) {
	if s.activeCount == 0 {
		if q, ok := s.questions.Take(time.Now()); ok {
			s.dispatchLocked(ctx, a, q.Text)
			return
		}
	}

	switch s.cfg.Mode {
	case ModeAsync:
		if s.activeCount < s.cfg.MaxConcurrent {
			s.dispatchLocked(ctx, a, "")
			return
		}
	default: // ModeSync
		if s.activeCount == 0 {
			if s.pendingLatest != nil {
				toDispatch := s.pendingLatest
				s.pendingLatest = a
				s.dispatchLocked(ctx, toDispatch, "")
			} else {
				s.dispatchLocked(ctx, a, "")
			}
			return
		}
	}

	// Inference in flight (sync) or at cap (async): only the freshest
	// artifact survives until the next dispatch opportunity.
	if s.pendingLatest != nil {
		s.skippedSync.Add(1)
	}
	s.pendingLatest = a
}

// completeLocked is invoked when an in-flight inference finishes, with
// activeCount already decremented. If a fresher artifact arrived while
// the inference ran, it is re-entered through the same algorithm under
// the same lock, closing the freshest-between-completion-and-reentry
// race.
func (s *Scheduler) completeLocked(ctx context.Context) {
	if s.pendingLatest == nil {
		return
	}
	next := s.pendingLatest
	s.pendingLatest = nil
	s.handleArrivalLocked(ctx, next)
}

// dispatchLocked starts a worker goroutine for (a, question). Caller
// must hold s.mu.
func (s *Scheduler) dispatchLocked(ctx context.Context, a *types.MediaArtifact, question string) {
	s.activeCount++
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("inference worker panicked", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		s.runInference(ctx, a, question)
	}()
}

func (s *Scheduler) runInference(ctx context.Context, a *types.MediaArtifact, question string) {
	rec := &types.InferenceRecord{
		Media:        a,
		StartedAt:    time.Now(),
		UserQuestion: question,
	}

	defer func() {
		s.mu.Lock()
		s.activeCount--
		s.completeLocked(ctx)
		s.mu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.InferenceTimeout)
	defer cancel()

	raw, prelude, scene, mcpIntent, err := s.vlm.Analyze(callCtx, a, question)
	now := time.Now()
	rec.EndedAt = &now
	rec.RawResult = raw
	rec.Parsed = scene
	rec.Response = prelude

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		rec.Kind = types.InferenceTimeout
		rec.Err = err.Error()
		s.sink.Record(rec)
		return
	case errors.Is(err, vlm.ErrParse):
		rec.Kind = types.InferenceParseError
		rec.Err = err.Error()
	case err != nil:
		rec.Kind = types.InferenceTransientError
		rec.Err = err.Error()
		s.sink.Record(rec)
		return
	}

	if s.shouldInvokeMCP(mcpIntent, question) {
		rec.MCP = s.mcp.Invoke(callCtx, a.Path(), question)
	} else if mcpIntent != nil {
		rec.MCP = mcpIntent
	}

	s.sink.Record(rec)
}

// shouldInvokeMCP implements spec.md §4.D's bridge-trigger rule: with
// Config.MCPEnabled unset it never fires; otherwise an explicit tool
// intent parsed from the model's response fires it, and sentry mode
// additionally fires it on every call, or only when a question is
// active, depending on the configured trigger.
func (s *Scheduler) shouldInvokeMCP(intent *types.MCPResult, question string) bool {
	if !s.cfg.MCPEnabled {
		return false
	}
	if intent != nil && intent.ToolName != "" {
		return true
	}
	if !s.sentryEnabled.Load() {
		return false
	}
	switch s.cfg.SentryTrigger {
	case SentryTriggerAlways:
		return true
	case SentryTriggerOnQuestion:
		return question != ""
	default:
		return false
	}
}
