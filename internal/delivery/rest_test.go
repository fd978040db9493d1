package delivery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/vlmmonitor/core/internal/distributor"
	"github.com/vlmmonitor/core/internal/health"
	"github.com/vlmmonitor/core/internal/types"
)

type fakeStore struct {
	latestInference      *types.InferenceRecord
	latestInferenceWithAI *types.InferenceRecord
	history              []*types.InferenceRecord
	cleared              bool
}

func (f *fakeStore) LatestMedia() *types.MediaArtifact                   { return nil }
func (f *fakeStore) LatestInference() *types.InferenceRecord              { return f.latestInference }
func (f *fakeStore) LatestInferenceWithAI() *types.InferenceRecord        { return f.latestInferenceWithAI }
func (f *fakeStore) History(limit int) []*types.InferenceRecord           { return f.history }
func (f *fakeStore) MediaHistory(limit int) []*types.MediaArtifact        { return nil }
func (f *fakeStore) InferenceCount() int                                  { return len(f.history) }
func (f *fakeStore) ClearHistory()                                       { f.cleared = true }
func (f *fakeStore) MediaBytes(filename string) (*os.File, int64, error) { return nil, 0, os.ErrNotExist }
func (f *fakeStore) Checkpoint() error                                   { return nil }

type fakeScheduler struct {
	skipped uint64
	sentry  bool
}

func (f *fakeScheduler) SkippedInSync() uint64 { return f.skipped }
func (f *fakeScheduler) SentryEnabled() bool   { return f.sentry }
func (f *fakeScheduler) SetSentryEnabled(enabled bool) bool {
	f.sentry = enabled
	return enabled
}

func newTestServer(t *testing.T) (*Server, *fakeStore, *fakeScheduler, *chi.Mux) {
	t.Helper()
	dist := distributor.New()
	store := &fakeStore{}
	sched := &fakeScheduler{}
	mon := health.NewMonitor()
	hub := NewHub(dist)
	s := NewServer(hub, store, dist, sched, mon)

	r := chi.NewRouter()
	s.Routes(r)
	return s, store, sched, r
}

func doReq(r http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) apiEnvelope {
	t.Helper()
	var env apiEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v body=%s", err, rec.Body.String())
	}
	return env
}

func TestSentryToggleFlipsState(t *testing.T) {
	_, _, sched, r := newTestServer(t)

	rec := doReq(r, http.MethodPost, "/api/sentry/toggle")
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]any)
	if data["enabled"] != true {
		t.Fatalf("expected sentry enabled after first toggle, got %v", data)
	}
	if !sched.sentry {
		t.Fatal("expected scheduler sentry flag to flip")
	}

	doReq(r, http.MethodPost, "/api/sentry/toggle")
	if sched.sentry {
		t.Fatal("expected second toggle to flip back to disabled")
	}
}

func TestDeleteHistoryClearsStore(t *testing.T) {
	_, store, _, r := newTestServer(t)
	doReq(r, http.MethodDelete, "/api/history")
	if !store.cleared {
		t.Fatal("expected DELETE /api/history to call store.ClearHistory")
	}
}

func TestLatestInferenceVsLatestWithAI(t *testing.T) {
	_, store, _, r := newTestServer(t)
	store.latestInference = &types.InferenceRecord{Media: &types.MediaArtifact{ID: "newer"}}
	store.latestInferenceWithAI = &types.InferenceRecord{Media: &types.MediaArtifact{ID: "older"}}

	rec1 := doReq(r, http.MethodGet, "/api/latest-inference")
	env1 := decodeEnvelope(t, rec1)
	data1 := env1.Data.(map[string]any)
	if data1["media"].(map[string]any)["id"] != "newer" {
		t.Fatalf("expected latest-inference to be newer, got %v", data1)
	}

	rec2 := doReq(r, http.MethodGet, "/api/latest-inference-with-ai")
	env2 := decodeEnvelope(t, rec2)
	data2 := env2.Data.(map[string]any)
	if data2["media"].(map[string]any)["id"] != "older" {
		t.Fatalf("expected latest-inference-with-ai to be older, got %v", data2)
	}
}

func TestStreamStartStopTogglesGlobalStreaming(t *testing.T) {
	s, _, _, r := newTestServer(t)
	doReq(r, http.MethodPost, "/api/stream/start")
	if !s.hub.GlobalStreaming() {
		t.Fatal("expected streaming enabled after start")
	}
	doReq(r, http.MethodPost, "/api/stream/stop")
	if s.hub.GlobalStreaming() {
		t.Fatal("expected streaming disabled after stop")
	}
}

func TestInternalLatestFrameReturns404WhenEmpty(t *testing.T) {
	_, _, _, r := newTestServer(t)
	rec := doReq(r, http.MethodGet, "/internal/video/latest-frame")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with no published frame, got %d", rec.Code)
	}
}
