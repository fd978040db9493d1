package types

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Session is the process-lifetime container for one monitoring run.
type Session struct {
	ID        string
	Dir       string
	StartedAt time.Time

	frameSeq     atomic.Uint64
	artifactSeq  atomic.Uint64
	inferenceSeq atomic.Uint64
}

// NewSession builds a session id from the given wall-clock time, in
// the "session_YYYYMMDD_HHMMSS" shape spec.md §4.G requires.
func NewSession(outputRoot string, startedAt time.Time) *Session {
	id := fmt.Sprintf("session_%s", startedAt.Format("20060102_150405"))
	return &Session{
		ID:        id,
		Dir:       outputRoot + "/" + id,
		StartedAt: startedAt,
	}
}

// NextFrameSeq returns the next strictly-increasing frame sequence number.
func (s *Session) NextFrameSeq() uint64 { return s.frameSeq.Add(1) }

// FrameCount returns the most recently assigned frame sequence number
// without advancing it, for components that only need to observe how
// far ingestion has progressed (e.g. health reporting).
func (s *Session) FrameCount() uint64 { return s.frameSeq.Load() }

// NextArtifactSeq returns the next artifact ordinal, used to name artifact directories.
func (s *Session) NextArtifactSeq() uint64 { return s.artifactSeq.Add(1) }

// NextInferenceSeq returns the next inference ordinal.
func (s *Session) NextInferenceSeq() uint64 { return s.inferenceSeq.Add(1) }

// Elapsed returns the duration since the session started.
func (s *Session) Elapsed() time.Duration { return time.Since(s.StartedAt) }
