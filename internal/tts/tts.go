// Package tts implements the summary speech-out worker (component I):
// it polls the Result Store for newly finalized InferenceRecords and
// forwards each one's summary to an external text-to-speech endpoint.
package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vlmmonitor/core/internal/httputil"
	"github.com/vlmmonitor/core/internal/logging"
	"github.com/vlmmonitor/core/internal/types"
)

var log = logging.L("tts")

const defaultPollInterval = 5 * time.Second
const minPollInterval = 100 * time.Millisecond

// HistoryReader is the slice of store.Store the worker polls.
type HistoryReader interface {
	History(limit int) []*types.InferenceRecord
}

// Config controls the outbound TTS endpoint and polling cadence.
type Config struct {
	Host          string
	Endpoint      string
	PollInterval  time.Duration
	CallTimeout   time.Duration
	MaxRetries    int
	HistoryWindow int // how many recent records to re-scan each poll
}

type dedupeKey struct {
	artifactDir string
	endedAt     int64 // UnixNano of inference_end_timestamp
}

// Worker polls store for finalized records and forwards their
// summaries to an external speech-synthesis endpoint, with
// de-duplication on (artifact dir, end timestamp) so a record seen on
// repeated polls is spoken once. The seen set lives in memory for the
// Worker's lifetime; a new Worker starts with an empty one.
type Worker struct {
	cfg    Config
	store  HistoryReader
	client *http.Client

	mu   sync.Mutex
	seen map[dedupeKey]struct{}
}

func New(cfg Config, store HistoryReader) *Worker {
	if cfg.PollInterval < minPollInterval {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	return &Worker{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: cfg.CallTimeout},
		seen:   make(map[dedupeKey]struct{}),
	}
}

// Run polls on cfg.PollInterval until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	records := w.store.History(w.cfg.HistoryWindow)
	for _, rec := range records {
		if rec == nil || rec.Parsed == nil || rec.Parsed.Summary == "" {
			continue
		}
		key := w.dedupeKeyFor(rec)

		w.mu.Lock()
		_, already := w.seen[key]
		if !already {
			w.seen[key] = struct{}{}
		}
		w.mu.Unlock()
		if already {
			continue
		}

		if err := w.forward(ctx, rec.Parsed.Summary); err != nil {
			log.Warn("tts forward failed", "artifact", rec.Media.ID, "error", err)
		}
	}
}

func (w *Worker) dedupeKeyFor(rec *types.InferenceRecord) dedupeKey {
	var ended int64
	if rec.EndedAt != nil {
		ended = rec.EndedAt.UnixNano()
	}
	return dedupeKey{artifactDir: rec.Media.Dir, endedAt: ended}
}

type ttsRequest struct {
	Text string `json:"text"`
}

func (w *Worker) forward(ctx context.Context, text string) error {
	body, err := json.Marshal(ttsRequest{Text: text})
	if err != nil {
		return fmt.Errorf("tts: marshal request: %w", err)
	}

	url := w.cfg.Host + w.cfg.Endpoint
	resp, err := httputil.PostJSON(ctx, w.client, url, body, w.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("tts: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tts: unexpected status %d", resp.StatusCode)
	}
	return nil
}
