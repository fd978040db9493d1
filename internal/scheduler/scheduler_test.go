package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vlmmonitor/core/internal/types"
	"github.com/vlmmonitor/core/internal/userquestion"
)

type fakeVLM struct {
	mu       sync.Mutex
	calls    []string // question seen on each call, "" if none
	delay    time.Duration
	sceneErr error
}

func (f *fakeVLM) Analyze(ctx context.Context, media *types.MediaArtifact, question string) (string, string, *types.SceneResult, *types.MCPResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, question)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", "", nil, nil, ctx.Err()
		}
	}
	return "ok", "", &types.SceneResult{Summary: "nothing notable"}, nil, f.sceneErr
}

func (f *fakeVLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeMCP struct{ invoked atomic32 }

func (f *fakeMCP) Invoke(ctx context.Context, imagePath, userQuestion string) *types.MCPResult {
	f.invoked.add(1)
	return &types.MCPResult{Success: true, Result: "ack"}
}

type atomic32 struct {
	mu sync.Mutex
	n  int
}

func (a *atomic32) add(d int) {
	a.mu.Lock()
	a.n += d
	a.mu.Unlock()
}

func (a *atomic32) get() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

type fakeSink struct {
	mu      sync.Mutex
	records []*types.InferenceRecord
}

func (f *fakeSink) Record(rec *types.InferenceRecord) {
	f.mu.Lock()
	f.records = append(f.records, rec)
	f.mu.Unlock()
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func artifact(seq uint64) *types.MediaArtifact {
	return &types.MediaArtifact{ID: "a", Kind: types.MediaImage, FrameSeq: seq}
}

func TestSyncModeDispatchesOneAtATimeAndSkipsIntermediate(t *testing.T) {
	vlm := &fakeVLM{delay: 50 * time.Millisecond}
	sink := &fakeSink{}
	ch := make(chan *types.MediaArtifact, 10)
	sched := New(Config{Mode: ModeSync, InferenceTimeout: time.Second}, ch, vlm, &fakeMCP{}, sink, userquestion.New(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	ch <- artifact(1)
	time.Sleep(10 * time.Millisecond) // let the first dispatch start
	ch <- artifact(2)
	ch <- artifact(3) // overwrites pending_latest, discarding artifact 2: one skip

	time.Sleep(250 * time.Millisecond)

	if got := sink.count(); got != 2 {
		t.Fatalf("expected 2 completed inferences (seq 1 then the freshest pending), got %d", got)
	}
	if got := sched.SkippedInSync(); got != 1 {
		t.Fatalf("expected 1 skip event (one per overwrite of pending_latest), got %d", got)
	}
}

func TestAsyncModeDispatchesUpToCap(t *testing.T) {
	vlm := &fakeVLM{delay: 100 * time.Millisecond}
	sink := &fakeSink{}
	ch := make(chan *types.MediaArtifact, 10)
	sched := New(Config{Mode: ModeAsync, MaxConcurrent: 2, InferenceTimeout: time.Second}, ch, vlm, &fakeMCP{}, sink, userquestion.New(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	ch <- artifact(1)
	ch <- artifact(2)
	ch <- artifact(3) // over cap, should be dropped into pending_latest

	time.Sleep(30 * time.Millisecond)
	if got := vlm.callCount(); got != 2 {
		t.Fatalf("expected exactly 2 concurrent dispatches at cap, got %d", got)
	}

	time.Sleep(200 * time.Millisecond)
	if got := sink.count(); got != 3 {
		t.Fatalf("expected the pending artifact to re-enter after completion, got %d records", got)
	}
}

func TestUserQuestionPreemptsNextDispatch(t *testing.T) {
	vlm := &fakeVLM{}
	sink := &fakeSink{}
	ch := make(chan *types.MediaArtifact, 10)
	questions := userquestion.New(time.Minute)
	sched := New(Config{Mode: ModeSync, InferenceTimeout: time.Second}, ch, vlm, &fakeMCP{}, sink, questions)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	questions.Set("who is that?", time.Now())
	ch <- artifact(1)

	time.Sleep(50 * time.Millisecond)

	if got := sink.count(); got != 1 {
		t.Fatalf("expected 1 completed inference, got %d", got)
	}
	if vlm.calls[0] != "who is that?" {
		t.Fatalf("expected the pending question bound to the dispatch, got %q", vlm.calls[0])
	}
}

func TestTimeoutRecordsTimeoutKindAndSkipsMCP(t *testing.T) {
	vlm := &fakeVLM{delay: 200 * time.Millisecond}
	mcp := &fakeMCP{}
	sink := &fakeSink{}
	ch := make(chan *types.MediaArtifact, 1)
	sched := New(Config{Mode: ModeSync, InferenceTimeout: 20 * time.Millisecond, MCPEnabled: true, SentryTrigger: SentryTriggerAlways}, ch, vlm, mcp, sink, userquestion.New(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	ch <- artifact(1)
	time.Sleep(100 * time.Millisecond)

	if sink.count() != 1 {
		t.Fatalf("expected 1 record, got %d", sink.count())
	}
	if sink.records[0].Kind != types.InferenceTimeout {
		t.Fatalf("kind = %q, want timeout", sink.records[0].Kind)
	}
	if mcp.invoked.get() != 0 {
		t.Fatal("expected MCP bridge not to be invoked on a timed-out inference")
	}
}

func TestSentryAlwaysInvokesMCPOnSuccess(t *testing.T) {
	vlm := &fakeVLM{}
	mcp := &fakeMCP{}
	sink := &fakeSink{}
	ch := make(chan *types.MediaArtifact, 1)
	sched := New(Config{Mode: ModeSync, InferenceTimeout: time.Second, MCPEnabled: true, SentryTrigger: SentryTriggerAlways}, ch, vlm, mcp, sink, userquestion.New(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	ch <- artifact(1)
	time.Sleep(50 * time.Millisecond)

	if mcp.invoked.get() != 1 {
		t.Fatalf("expected MCP invoked once, got %d", mcp.invoked.get())
	}
	if sink.records[0].MCP == nil || !sink.records[0].MCP.Success {
		t.Fatal("expected MCP result attached to the record")
	}
}

func TestTransientErrorSkipsMCPAndRecordsError(t *testing.T) {
	vlm := &fakeVLM{sceneErr: errors.New("connection refused")}
	mcp := &fakeMCP{}
	sink := &fakeSink{}
	ch := make(chan *types.MediaArtifact, 1)
	sched := New(Config{Mode: ModeSync, InferenceTimeout: time.Second, MCPEnabled: true, SentryTrigger: SentryTriggerAlways}, ch, vlm, mcp, sink, userquestion.New(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	ch <- artifact(1)
	time.Sleep(50 * time.Millisecond)

	if sink.count() != 1 || sink.records[0].Kind != types.InferenceTransientError {
		t.Fatalf("expected a transient_error record, got %+v", sink.records)
	}
	if mcp.invoked.get() != 0 {
		t.Fatal("expected MCP bridge not invoked on transient error")
	}
}
