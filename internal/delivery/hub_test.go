package delivery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vlmmonitor/core/internal/distributor"
	"github.com/vlmmonitor/core/internal/types"
	ws "github.com/vlmmonitor/core/internal/websocket"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server, string) {
	t.Helper()
	hub := NewHub(distributor.New())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Upgrade(w, r)
	}))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return hub, srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ws.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ws.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func TestUpgradeSendsInitialStreamStatus(t *testing.T) {
	_, _, url := newTestHub(t)
	conn := dial(t, url)

	msg := readMessage(t, conn)
	if msg.Type != ws.TypeStreamStatus {
		t.Fatalf("expected stream_status, got %s", msg.Type)
	}
}

func TestStartStreamCommandMarksConnectionStreaming(t *testing.T) {
	hub, _, url := newTestHub(t)
	conn := dial(t, url)
	readMessage(t, conn) // initial stream_status

	cmd, _ := json.Marshal(ws.ClientCommand{Type: "start_stream"})
	if err := conn.WriteMessage(websocket.TextMessage, cmd); err != nil {
		t.Fatalf("write command: %v", err)
	}

	msg := readMessage(t, conn) // ack stream_status
	if msg.Type != ws.TypeStreamStatus {
		t.Fatalf("expected ack stream_status, got %s", msg.Type)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.AnyStreaming() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected hub to observe a streaming connection")
}

func TestBroadcastInferenceResultNeverDroppedByStreamingGate(t *testing.T) {
	hub, _, url := newTestHub(t)
	conn := dial(t, url)
	readMessage(t, conn) // initial stream_status

	rec := &types.InferenceRecord{Media: &types.MediaArtifact{ID: "a1"}}
	hub.BroadcastInferenceResult(rec)

	msg := readMessage(t, conn)
	if msg.Type != ws.TypeInferenceResult {
		t.Fatalf("expected inference_result, got %s", msg.Type)
	}
}

func TestSetGlobalStreamingMakesAnyStreamingTrue(t *testing.T) {
	hub, _, _ := newTestHub(t)
	if hub.AnyStreaming() {
		t.Fatal("expected no streaming initially")
	}
	hub.SetGlobalStreaming(true)
	if !hub.AnyStreaming() {
		t.Fatal("expected global streaming switch to gate AnyStreaming")
	}
}
