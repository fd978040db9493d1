package delivery

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vlmmonitor/core/internal/distributor"
	"github.com/vlmmonitor/core/internal/health"
	"github.com/vlmmonitor/core/internal/types"
)

// Store is the slice of internal/store.Store the REST surface reads
// and mutates.
type Store interface {
	LatestMedia() *types.MediaArtifact
	LatestInference() *types.InferenceRecord
	LatestInferenceWithAI() *types.InferenceRecord
	History(limit int) []*types.InferenceRecord
	MediaHistory(limit int) []*types.MediaArtifact
	InferenceCount() int
	ClearHistory()
	MediaBytes(filename string) (*os.File, int64, error)
	Checkpoint() error
}

// Scheduler is the slice of internal/scheduler.Scheduler the REST
// surface reads and toggles.
type Scheduler interface {
	SkippedInSync() uint64
	SentryEnabled() bool
	SetSentryEnabled(bool) bool
}

// Server wires the WebSocket hub and REST handlers over a common
// http.ServeMux-compatible router.
type Server struct {
	hub     *Hub
	store   Store
	dist    *distributor.Distributor
	sched   Scheduler
	monitor *health.Monitor

	startedAt time.Time
}

func NewServer(hub *Hub, store Store, dist *distributor.Distributor, sched Scheduler, monitor *health.Monitor) *Server {
	return &Server{
		hub:       hub,
		store:     store,
		dist:      dist,
		sched:     sched,
		monitor:   monitor,
		startedAt: time.Now(),
	}
}

// Routes mounts every endpoint from spec.md §4.H onto r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) { s.hub.Upgrade(w, r) })

	r.Get("/api/status", s.handleStatus)
	r.Get("/api/experiment-log", s.handleExperimentLog)
	r.Get("/api/inference-history", s.handleInferenceHistory)
	r.Get("/api/latest-inference", s.handleLatestInference)
	r.Get("/api/latest-inference-with-ai", s.handleLatestInferenceWithAI)
	r.Get("/api/inference-count", s.handleInferenceCount)
	r.Get("/api/media-history", s.handleMediaHistory)
	r.Get("/api/videos/{filename}", s.handleMediaRanged)
	r.Get("/api/media/{filename}", s.handleMediaRanged)
	r.Post("/api/stream/start", s.handleStreamStart)
	r.Post("/api/stream/stop", s.handleStreamStop)
	r.Delete("/api/history", s.handleDeleteHistory)
	r.Get("/api/sentry/status", s.handleSentryStatus)
	r.Post("/api/sentry/toggle", s.handleSentryToggle)

	r.Get("/internal/video/latest-frame", s.handleInternalLatestFrame)
	r.Get("/internal/video/status", s.handleInternalVideoStatus)
}

type apiEnvelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiEnvelope{Success: true, Data: data, Timestamp: time.Now()})
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiEnvelope{Success: false, Error: msg, Timestamp: time.Now()})
}

func parseLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{
		"streaming":       s.hub.AnyStreaming(),
		"connections":     s.hub.ConnCount(),
		"frame_count":     s.dist.FrameCount(),
		"subscribers":     s.dist.SubscriberCount(),
		"inference_count": s.store.InferenceCount(),
		"skipped_in_sync": s.sched.SkippedInSync(),
		"sentry_enabled":  s.sched.SentryEnabled(),
		"health":          s.monitor.Summary(),
		"uptime_seconds":  time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleExperimentLog(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Checkpoint(); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"status": "checkpointed"})
}

func (s *Server) handleInferenceHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	writeOK(w, s.store.History(limit))
}

func (s *Server) handleLatestInference(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.store.LatestInference())
}

func (s *Server) handleLatestInferenceWithAI(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.store.LatestInferenceWithAI())
}

func (s *Server) handleInferenceCount(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"count": s.store.InferenceCount()})
}

func (s *Server) handleMediaHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	writeOK(w, s.store.MediaHistory(limit))
}

func (s *Server) handleMediaRanged(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	f, _, err := s.store.MediaBytes(filename)
	if err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, filename, time.Time{}, f)
}

func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	s.hub.SetGlobalStreaming(true)
	s.hub.BroadcastStatus(map[string]any{"streaming": true})
	writeOK(w, map[string]any{"streaming": true})
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	s.hub.SetGlobalStreaming(false)
	s.hub.BroadcastStatus(map[string]any{"streaming": false})
	writeOK(w, map[string]any{"streaming": false})
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	s.store.ClearHistory()
	writeOK(w, map[string]any{"status": "cleared"})
}

func (s *Server) handleSentryStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"enabled": s.sched.SentryEnabled()})
}

func (s *Server) handleSentryToggle(w http.ResponseWriter, r *http.Request) {
	enabled := s.sched.SetSentryEnabled(!s.sched.SentryEnabled())
	writeOK(w, map[string]any{"enabled": enabled})
}

// handleInternalLatestFrame exposes the Distributor's latest slot over
// HTTP, per spec.md §4.H's internal endpoints (so the packager path
// never needs a second TCP client to the camera).
func (s *Server) handleInternalLatestFrame(w http.ResponseWriter, r *http.Request) {
	frame := s.dist.Latest()
	if frame == nil {
		writeErr(w, http.StatusNotFound, "no frame published yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	w.Write(frame.JPEG)
}

func (s *Server) handleInternalVideoStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{
		"frame_count": s.dist.FrameCount(),
		"subscribers": s.dist.SubscriberCount(),
	})
}
