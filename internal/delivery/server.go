package delivery

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vlmmonitor/core/internal/distributor"
	"github.com/vlmmonitor/core/internal/health"
)

// HTTPServer owns the listen socket for the WebSocket + REST surface
// and the Distributor→broadcaster frame pump.
type HTTPServer struct {
	hub    *Hub
	rest   *Server
	server *http.Server

	stop chan struct{}
}

// NewHTTPServer builds the chi router, mounts every route, and wraps
// it in an http.Server bound to addr.
func NewHTTPServer(addr string, dist *distributor.Distributor, store Store, sched Scheduler, monitor *health.Monitor) *HTTPServer {
	return NewHTTPServerWithHub(addr, NewHub(dist), dist, store, sched, monitor)
}

// NewHTTPServerWithHub is like NewHTTPServer but takes an
// already-constructed Hub, so a caller that needs the Hub to build a
// scheduler sink before the Scheduler itself exists (the usual
// wiring order in cmd/vlmmonitor) doesn't end up with two Hubs.
func NewHTTPServerWithHub(addr string, hub *Hub, dist *distributor.Distributor, store Store, sched Scheduler, monitor *health.Monitor) *HTTPServer {
	rest := NewServer(hub, store, dist, sched, monitor)

	r := chi.NewRouter()
	rest.Routes(r)

	return &HTTPServer{
		hub:  hub,
		rest: rest,
		server: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		stop: make(chan struct{}),
	}
}

// Hub exposes the broadcaster so the scheduler's sink and the ingest
// pipeline can push inference results and status updates.
func (s *HTTPServer) Hub() *Hub { return s.hub }

// Run starts the frame pump and blocks in ListenAndServe until the
// server is shut down. Returns http.ErrServerClosed on a clean stop.
func (s *HTTPServer) Run() error {
	go s.hub.RunFramePump(s.stop)
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains the HTTP server and stops the frame pump.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	close(s.stop)
	return s.server.Shutdown(ctx)
}
