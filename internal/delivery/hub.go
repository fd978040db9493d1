// Package delivery implements the WebSocket/HTTP boundary UI clients
// attach to: a broadcaster for live frames and inference results, REST
// query endpoints over the result store, and the small internal
// endpoints the media packager's path uses to read the distributor's
// latest frame without a second TCP client (component H).
package delivery

import (
	"encoding/base64"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vlmmonitor/core/internal/distributor"
	"github.com/vlmmonitor/core/internal/logging"
	"github.com/vlmmonitor/core/internal/types"
	ws "github.com/vlmmonitor/core/internal/websocket"
)

var log = logging.L("delivery")

const framePollInterval = 40 * time.Millisecond

// videoFrameData is the JSON payload of a video_frame message.
type videoFrameData struct {
	FrameBase64 string `json:"frame"`
	FrameNumber uint64 `json:"frame_number"`
	Timestamp   string `json:"timestamp"`
}

// inferenceResultData mirrors an InferenceRecord for the wire.
type inferenceResultData struct {
	*types.InferenceRecord
}

// Hub tracks connected WebSocket clients and fans out frames (gated
// on "any connection streaming") and inference results to all of
// them. Broadcasts hold only the read lock across Conn.Enqueue calls,
// which are non-blocking.
type Hub struct {
	dist *distributor.Distributor

	mu    sync.RWMutex
	conns map[*ws.Conn]struct{}

	lastSeq uint64

	// globalStreaming is the REST-level "stream on/off" switch
	// (POST /api/stream/start|stop); it ORs with each connection's
	// own start_stream/stop_stream flag.
	globalStreaming atomic.Bool
}

func NewHub(dist *distributor.Distributor) *Hub {
	return &Hub{
		dist:  dist,
		conns: make(map[*ws.Conn]struct{}),
	}
}

// Upgrade promotes r into a tracked connection and runs its pumps
// until it disconnects. Blocks until the connection closes.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Upgrade(w, r, h.handleCommand)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	conn.Enqueue(ws.Message{Type: ws.TypeStreamStatus, Data: map[string]any{"streaming": conn.Streaming()}, Timestamp: time.Now()})

	conn.Run()

	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

func (h *Hub) handleCommand(conn *ws.Conn, cmd ws.ClientCommand) {
	switch cmd.Type {
	case "start_stream", "stop_stream":
		conn.Enqueue(ws.Message{
			Type:      ws.TypeStreamStatus,
			Data:      map[string]any{"streaming": conn.Streaming()},
			Timestamp: time.Now(),
		})
	}
}

// AnyStreaming reports whether at least one connection has the
// streaming flag on (or the global REST switch is on), gating the
// Distributor→broadcaster path per spec.md §4.H.
func (h *Hub) AnyStreaming() bool {
	if h.globalStreaming.Load() {
		return true
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if c.Streaming() {
			return true
		}
	}
	return false
}

// SetGlobalStreaming implements POST /api/stream/start|stop: a
// blanket override that streams to every connection regardless of its
// own per-connection flag.
func (h *Hub) SetGlobalStreaming(enabled bool) {
	h.globalStreaming.Store(enabled)
}

// GlobalStreaming reports the REST-level switch state.
func (h *Hub) GlobalStreaming() bool {
	return h.globalStreaming.Load()
}

// RunFramePump polls the Distributor's latest slot and broadcasts new
// frames to streaming connections until stop is closed.
func (h *Hub) RunFramePump(stop <-chan struct{}) {
	ticker := time.NewTicker(framePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !h.AnyStreaming() {
				continue
			}
			frame := h.dist.Latest()
			if frame == nil || frame.Seq == h.lastSeq {
				continue
			}
			h.lastSeq = frame.Seq
			h.broadcastFrame(frame)
		}
	}
}

func (h *Hub) broadcastFrame(f *types.Frame) {
	msg := ws.Message{
		Type: ws.TypeVideoFrame,
		Data: videoFrameData{
			FrameBase64: base64.StdEncoding.EncodeToString(f.JPEG),
			FrameNumber: f.Seq,
			Timestamp:   f.WallClock.Format(time.RFC3339Nano),
		},
		Timestamp: time.Now(),
	}
	h.broadcastToStreaming(msg)
}

func (h *Hub) broadcastToStreaming(msg ws.Message) {
	global := h.globalStreaming.Load()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if global || c.Streaming() {
			c.Enqueue(msg)
		}
	}
}

// BroadcastInferenceResult pushes a finalized InferenceRecord to every
// connected client, regardless of streaming state: inference_result
// is never dropped in favor of video_frame (spec.md §4.H).
func (h *Hub) BroadcastInferenceResult(rec *types.InferenceRecord) {
	msg := ws.Message{Type: ws.TypeInferenceResult, Data: inferenceResultData{rec}, Timestamp: time.Now()}
	h.broadcastAll(msg)
}

// BroadcastStatus pushes a status_update to every connected client.
func (h *Hub) BroadcastStatus(data any) {
	h.broadcastAll(ws.Message{Type: ws.TypeStatusUpdate, Data: data, Timestamp: time.Now()})
}

// BroadcastError pushes a diagnostic error message to every client.
func (h *Hub) BroadcastError(diagnostic string) {
	h.broadcastAll(ws.Message{Type: ws.TypeError, Data: map[string]any{"message": diagnostic}, Timestamp: time.Now()})
}

func (h *Hub) broadcastAll(msg ws.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		c.Enqueue(msg)
	}
}

// ConnCount reports the number of currently connected clients.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
