// Package asr implements the user-question intake HTTP server
// (component I): a short-lived text question posted by an external
// speech-recognition front end is validated, timestamped, and handed
// to the scheduler's user-question registry.
package asr

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vlmmonitor/core/internal/logging"
	"github.com/vlmmonitor/core/internal/userquestion"
)

var log = logging.L("asr")

const defaultMaxQuestionLen = 500

// Config controls the ASR server's validation policy.
type Config struct {
	ListenAddr    string
	MaxQuestionLen int
}

// Server exposes the ASR intake endpoints over HTTP, backed by a
// shared userquestion.Registry (the same one the scheduler reads).
type Server struct {
	cfg       Config
	registry  *userquestion.Registry
	received  atomic.Uint64
	accepted  atomic.Uint64
	rejected  atomic.Uint64
}

func New(cfg Config, registry *userquestion.Registry) *Server {
	if cfg.MaxQuestionLen <= 0 {
		cfg.MaxQuestionLen = defaultMaxQuestionLen
	}
	return &Server{cfg: cfg, registry: registry}
}

// Routes mounts the ASR endpoints (§4.I/§6) onto r.
func (s *Server) Routes(r chi.Router) {
	r.Post("/asr", s.handlePostQuestion)
	r.Get("/question/current", s.handleCurrentQuestion)
	r.Post("/question/clear", s.handleClearQuestion)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
}

type postRequest struct {
	Question string `json:"question"`
}

type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	env.Timestamp = time.Now()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func (s *Server) handlePostQuestion(w http.ResponseWriter, r *http.Request) {
	s.received.Add(1)

	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.rejected.Add(1)
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "malformed request body"})
		return
	}

	q := strings.TrimSpace(req.Question)
	if q == "" {
		s.rejected.Add(1)
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "question must not be empty"})
		return
	}
	if len(q) > s.cfg.MaxQuestionLen {
		s.rejected.Add(1)
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "question exceeds maximum length"})
		return
	}

	now := time.Now()
	s.registry.Set(q, now)
	s.accepted.Add(1)
	log.Info("user question received", "length", len(q))

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{
		"status":    "accepted",
		"message":   "question queued for the next inference",
		"question":  q,
		"timestamp": now,
	}})
}

func (s *Server) handleCurrentQuestion(w http.ResponseWriter, r *http.Request) {
	if text, ok := s.registry.PeekText(time.Now()); ok {
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{"active": true, "question": text}})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{"active": false, "question": ""}})
}

func (s *Server) handleClearQuestion(w http.ResponseWriter, r *http.Request) {
	s.registry.Take(time.Now())
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{"status": "cleared"}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{"status": "ok"}})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{
		"received": s.received.Load(),
		"accepted": s.accepted.Load(),
		"rejected": s.rejected.Load(),
	}})
}
