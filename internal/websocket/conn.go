// Package websocket implements the per-connection read/write pumps
// the delivery surface's broadcaster (component H) mirrors
// server-side: a bounded outbound queue, ping/pong keepalive, and a
// tiny client-command protocol (start_stream/stop_stream).
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vlmmonitor/core/internal/logging"
)

var log = logging.L("websocket")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendQueueCap   = 64
)

// MessageType enumerates the wire-format §4.H/§6 message kinds.
type MessageType string

const (
	TypeVideoFrame      MessageType = "video_frame"
	TypeInferenceResult MessageType = "inference_result"
	TypeStatusUpdate    MessageType = "status_update"
	TypeStreamStatus    MessageType = "stream_status"
	TypeError           MessageType = "error"
)

// Message is the {type, data, timestamp} envelope all server→client
// frames share.
type Message struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// ClientCommand is the {type, data} shape the client sends.
type ClientCommand struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// CommandHandler is invoked for each client-to-server command
// received on a connection (start_stream / stop_stream).
type CommandHandler func(conn *Conn, cmd ClientCommand)

// Conn wraps one upgraded WebSocket connection with a bounded send
// queue. Enqueue never blocks: when the queue is full, video_frame
// messages are dropped first; inference_result/status messages are
// dropped only as a last resort, per spec.md §4.H's backpressure rule.
type Conn struct {
	ws      *websocket.Conn
	onCmd   CommandHandler
	closing chan struct{}
	once    sync.Once

	mu        sync.Mutex
	queue     []Message
	streaming bool
	notify    chan struct{}
}

// Upgrade promotes an HTTP request to a WebSocket connection and
// returns a Conn ready for Run.
func Upgrade(w http.ResponseWriter, r *http.Request, onCmd CommandHandler) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxMessageSize)
	return &Conn{
		ws:      ws,
		onCmd:   onCmd,
		closing: make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}, nil
}

// Streaming reports whether this connection has requested the live
// frame feed via start_stream.
func (c *Conn) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Enqueue queues a message for delivery, applying the drop policy
// when the queue is saturated. video_frame messages never displace an
// already-queued inference_result/status message; they are simply
// dropped.
func (c *Conn) Enqueue(msg Message) {
	c.mu.Lock()
	if len(c.queue) >= sendQueueCap {
		if msg.Type == TypeVideoFrame {
			c.mu.Unlock()
			return
		}
		// Non-video message under backpressure: evict the oldest
		// video_frame if one is queued, else drop the oldest entry.
		evicted := false
		for i, m := range c.queue {
			if m.Type == TypeVideoFrame {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			c.queue = c.queue[1:]
		}
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Run drives the read and write pumps until the connection closes or
// ctx-equivalent Close is called. Run blocks until both pumps exit.
func (c *Conn) Run() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump()
	c.Close()
	<-done
}

func (c *Conn) readPump() {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd ClientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Warn("malformed client command", "error", err)
			continue
		}
		switch cmd.Type {
		case "start_stream":
			c.mu.Lock()
			c.streaming = true
			c.mu.Unlock()
		case "stop_stream":
			c.mu.Lock()
			c.streaming = false
			c.mu.Unlock()
		}
		if c.onCmd != nil {
			c.onCmd(c, cmd)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closing:
			return
		case <-c.notify:
			for {
				c.mu.Lock()
				if len(c.queue) == 0 {
					c.mu.Unlock()
					break
				}
				msg := c.queue[0]
				c.queue = c.queue[1:]
				c.mu.Unlock()

				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteJSON(msg); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close idempotently tears down the connection.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.closing)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.ws.Close()
	})
}
