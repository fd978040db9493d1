// Package store implements the session directory layout that records
// every MediaArtifact's details and InferenceRecord, and serves the
// latest/history queries the delivery surface and TTS worker read
// from (component G).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vlmmonitor/core/internal/fsutil"
	"github.com/vlmmonitor/core/internal/logging"
	"github.com/vlmmonitor/core/internal/types"
)

var log = logging.L("store")

const (
	inferenceResultFile = "inference_result.json"
	mcpResultFile       = "mcp_result.json"
	videoDetailsFile    = "video_details.json"
	experimentLogFile   = "experiment_log.json"
)

// ProcessorConfig is the configuration snapshot embedded in
// experiment_log.json, so a session's log is self-describing.
type ProcessorConfig struct {
	MediaMode        string  `json:"media_mode"`
	DispatchMode     string  `json:"dispatch_mode"`
	VideoTargetSecs  float64 `json:"video_target_duration_s,omitempty"`
	VideoSampleFPS   float64 `json:"video_sample_rate_fps,omitempty"`
	VLMModel         string  `json:"vlm_model"`
}

// Statistics summarizes a session's counters at last checkpoint.
type Statistics struct {
	TotalFrames      uint64    `json:"total_frames"`
	TotalMedia       int       `json:"total_media"`
	TotalInferences  int       `json:"total_inferences"`
	StartTime        string    `json:"start_time"`
	StartTimestamp   float64   `json:"start_timestamp"`
	TotalDurationSec float64   `json:"total_duration_s"`
}

// experimentLog is the on-disk shape of experiment_log.json.
type experimentLog struct {
	ProcessorConfig ProcessorConfig           `json:"processor_config"`
	Statistics      Statistics                `json:"statistics"`
	InferenceLog    []*types.InferenceRecord  `json:"inference_log"`
}

// entry is the in-memory record for one artifact directory: always
// present once an artifact is created; Inference is nil until the
// remote call completes.
type entry struct {
	mu        sync.Mutex // serializes writes within this artifact's directory
	media     *types.MediaArtifact
	inference *types.InferenceRecord
	createdAt time.Time
}

// Store owns one session directory. All query methods are safe for
// concurrent callers; the in-memory cache is the source of truth once
// warm, and is populated eagerly as artifacts/inferences are recorded
// rather than lazily rescanned (this process is the sole writer for
// the life of the session).
type Store struct {
	session *types.Session
	cfg     ProcessorConfig

	mu      sync.RWMutex
	order   []string // artifact IDs in creation order
	entries map[string]*entry

	checkpointMu sync.Mutex // serializes experiment_log.json rewrites
}

func New(session *types.Session, cfg ProcessorConfig) (*Store, error) {
	if err := os.MkdirAll(session.Dir, 0755); err != nil {
		return nil, fmt.Errorf("store: create session dir: %w", err)
	}
	return &Store{
		session: session,
		cfg:     cfg,
		entries: make(map[string]*entry),
	}, nil
}

// PutMedia registers a newly created artifact, pre-dispatch. Called
// by cmd/vlmmonitor's artifact feed, before the artifact is handed to
// the scheduler, so
// latest_media() can observe it even before inference finishes.
func (s *Store) PutMedia(a *types.MediaArtifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[a.ID]; exists {
		return
	}
	s.entries[a.ID] = &entry{media: a, createdAt: a.CreatedAt}
	s.order = append(s.order, a.ID)
}

// Record finalizes an InferenceRecord: writes inference_result.json
// (and mcp_result.json, if present) to the artifact's directory via
// write-temp-then-rename, and updates the in-memory cache. Implements
// the scheduler's Sink contract.
func (s *Store) Record(rec *types.InferenceRecord) {
	if rec == nil || rec.Media == nil {
		return
	}
	a := rec.Media

	s.mu.Lock()
	e, ok := s.entries[a.ID]
	if !ok {
		e = &entry{media: a, createdAt: a.CreatedAt}
		s.entries[a.ID] = e
		s.order = append(s.order, a.ID)
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.inference = rec

	if err := fsutil.WriteJSONAtomic(filepath.Join(a.Dir, inferenceResultFile), rec); err != nil {
		log.Warn("failed to write inference_result.json", "artifact", a.ID, "error", err)
		return
	}
	if rec.MCP != nil {
		if err := fsutil.WriteJSONAtomic(filepath.Join(a.Dir, mcpResultFile), rec.MCP); err != nil {
			log.Warn("failed to write mcp_result.json", "artifact", a.ID, "error", err)
		}
	}
}

// LatestMedia returns the most recently created artifact, tie-broken
// by id when creation times coincide.
func (s *Store) LatestMedia() *types.MediaArtifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *entry
	for _, e := range s.entries {
		if best == nil || e.createdAt.After(best.createdAt) ||
			(e.createdAt.Equal(best.createdAt) && e.media.ID > best.media.ID) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	return best.media
}

// LatestInference returns the latest artifact that has a finalized
// InferenceRecord (excludes in-progress inferences, per spec.md §3).
func (s *Store) LatestInference() *types.InferenceRecord {
	return s.latestWhere(func(rec *types.InferenceRecord) bool {
		return rec != nil && !rec.InProgress()
	})
}

// LatestInferenceWithAI returns the latest finalized InferenceRecord
// that is "analytically meaningful": non-zero counts, a non-empty
// response, or an attached MCPResult. Adopts the inclusive definition
// per spec.md §4.G/§9.
func (s *Store) LatestInferenceWithAI() *types.InferenceRecord {
	return s.latestWhere(func(rec *types.InferenceRecord) bool {
		return rec != nil && !rec.InProgress() && rec.IsAnalyticallyMeaningful()
	})
}

func (s *Store) latestWhere(pred func(*types.InferenceRecord) bool) *types.InferenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *entry
	for _, e := range s.entries {
		if !pred(e.inference) {
			continue
		}
		if best == nil || e.createdAt.After(best.createdAt) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	return best.inference
}

// History returns up to limit finalized InferenceRecords, newest first.
func (s *Store) History(limit int) []*types.InferenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type pair struct {
		t   time.Time
		rec *types.InferenceRecord
	}
	var all []pair
	for _, e := range s.entries {
		if e.inference != nil && !e.inference.InProgress() {
			all = append(all, pair{e.createdAt, e.inference})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].t.After(all[j].t) })

	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]*types.InferenceRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = all[i].rec
	}
	return out
}

// MediaHistory returns up to limit artifacts, newest first.
func (s *Store) MediaHistory(limit int) []*types.MediaArtifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type pair struct {
		t time.Time
		m *types.MediaArtifact
	}
	all := make([]pair, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, pair{e.createdAt, e.media})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].t.After(all[j].t) })

	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]*types.MediaArtifact, limit)
	for i := 0; i < limit; i++ {
		out[i] = all[i].m
	}
	return out
}

// InferenceCount returns the number of finalized InferenceRecords.
func (s *Store) InferenceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.inference != nil && !e.inference.InProgress() {
			n++
		}
	}
	return n
}

// ClearHistory drops the in-memory cache. The underlying session
// directory is left untouched; this only implements DELETE
// /api/history's in-memory view, not a filesystem wipe, since the
// written artifact files remain valid evidence of the session.
func (s *Store) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
	s.order = nil
}

// MediaPath resolves a bare filename (as referenced by REST clients)
// to its on-disk path within the session, for ranged reads.
func (s *Store) MediaPath(filename string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if filepath.Base(e.media.Path()) == filename {
			return e.media.Path(), true
		}
	}
	return "", false
}

// Checkpoint rewrites experiment_log.json atomically: the
// inference_log array is sorted ascending by media.frame_range[0] so
// the file stays diff-friendly across runs (spec.md §4.G/§8).
func (s *Store) Checkpoint() error {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	s.mu.RLock()
	var records []*types.InferenceRecord
	totalMedia := len(s.entries)
	var totalFrames uint64
	for _, e := range s.entries {
		if e.inference != nil && !e.inference.InProgress() {
			records = append(records, e.inference)
		}
		first, _ := e.media.FrameRange()
		if first > totalFrames {
			totalFrames = first
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(records, func(i, j int) bool {
		fi, _ := records[i].Media.FrameRange()
		fj, _ := records[j].Media.FrameRange()
		return fi < fj
	})

	elog := experimentLog{
		ProcessorConfig: s.cfg,
		Statistics: Statistics{
			TotalFrames:      totalFrames,
			TotalMedia:       totalMedia,
			TotalInferences:  len(records),
			StartTime:        s.session.StartedAt.Format(time.RFC3339),
			StartTimestamp:   float64(s.session.StartedAt.UnixNano()) / 1e9,
			TotalDurationSec: s.session.Elapsed().Seconds(),
		},
		InferenceLog: records,
	}

	return fsutil.WriteJSONAtomic(filepath.Join(s.session.Dir, experimentLogFile), elog)
}

// MediaBytes opens an artifact's media file for a ranged read; the
// caller (the delivery surface) is responsible for honoring any
// Range header against the returned file's size.
func (s *Store) MediaBytes(filename string) (*os.File, int64, error) {
	path, ok := s.MediaPath(filename)
	if !ok {
		return nil, 0, fmt.Errorf("store: unknown media file %q", filename)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("store: open %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("store: stat %q: %w", path, err)
	}
	return f, info.Size(), nil
}

// LoadVideoDetails reads back a previously written video_details.json
// for a given artifact directory, used by cold-start rescans.
func LoadVideoDetails(dir string) (*types.MediaArtifact, error) {
	data, err := os.ReadFile(filepath.Join(dir, videoDetailsFile))
	if err != nil {
		return nil, err
	}
	var a types.MediaArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("store: parse video_details.json: %w", err)
	}
	return &a, nil
}
