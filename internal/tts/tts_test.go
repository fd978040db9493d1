package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vlmmonitor/core/internal/types"
)

type fakeStore struct {
	records []*types.InferenceRecord
}

func (f *fakeStore) History(limit int) []*types.InferenceRecord { return f.records }

func newRecord(dir, summary string, endedAt time.Time) *types.InferenceRecord {
	end := endedAt
	return &types.InferenceRecord{
		Media:   &types.MediaArtifact{ID: dir, Dir: dir},
		EndedAt: &end,
		Parsed:  &types.SceneResult{Summary: summary},
	}
}

func TestForwardsSummaryForNewRecord(t *testing.T) {
	var calls atomic.Int32
	var gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req ttsRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotText = req.Text
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{records: []*types.InferenceRecord{
		newRecord("a1", "empty hallway", time.Now()),
	}}
	w := New(Config{Host: srv.URL, Endpoint: "/speak"}, store)

	w.pollOnce(context.Background())

	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls.Load())
	}
	if gotText != "empty hallway" {
		t.Fatalf("expected forwarded summary, got %q", gotText)
	}
}

func TestDeduplicatesSameArtifactAndEndTimestamp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	end := time.Now()
	store := &fakeStore{records: []*types.InferenceRecord{
		newRecord("a1", "two people", end),
	}}
	w := New(Config{Host: srv.URL, Endpoint: "/speak"}, store)

	// The same finalized record is observed on two consecutive polls
	// of one worker.
	w.pollOnce(context.Background())
	w.pollOnce(context.Background())

	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 call after dedupe, got %d", calls.Load())
	}
}

func TestSkipsRecordsWithEmptySummary(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{records: []*types.InferenceRecord{
		newRecord("a1", "", time.Now()),
	}}
	w := New(Config{Host: srv.URL, Endpoint: "/speak"}, store)
	w.pollOnce(context.Background())

	if calls.Load() != 0 {
		t.Fatalf("expected no call for empty summary, got %d", calls.Load())
	}
}
