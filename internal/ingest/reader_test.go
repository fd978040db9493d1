package ingest

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/vlmmonitor/core/internal/health"
	"github.com/vlmmonitor/core/internal/types"
)

type fakePublisher struct {
	mu     sync.Mutex
	frames []*types.Frame
}

func (p *fakePublisher) Publish(f *types.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func writeUpstream(t *testing.T, conn net.Conn, frames int) {
	t.Helper()
	header := append([]byte(framMagic), framVersion, 0, 0, 0)
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	for i := 0; i < frames; i++ {
		body := jpegBody("frame")
		if _, err := conn.Write(encodeRecord(body)); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}
}

func TestReaderPublishesDecodedFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		writeUpstream(t, conn, 5)
		time.Sleep(200 * time.Millisecond)
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	session := types.NewSession(t.TempDir(), time.Now())
	pub := &fakePublisher{}
	mon := health.NewMonitor()

	reader := New(Config{
		Host:          host,
		Port:          port,
		MinBackoff:    10 * time.Millisecond,
		MaxBackoff:    50 * time.Millisecond,
		MaxReconnects: 3,
	}, nil, session, pub, mon)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		reader.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for pub.count() < 5 {
		select {
		case <-deadline:
			t.Fatalf("expected 5 frames, got %d", pub.count())
		case <-time.After(10 * time.Millisecond):
		}
	}

	reader.Stop()
	<-done

	for i, f := range pub.frames {
		if f.Seq != uint64(i+1) {
			t.Fatalf("frame %d has seq %d, want %d", i, f.Seq, i+1)
		}
	}
}

func TestReaderSurfacesTerminalAfterReconnectBudget(t *testing.T) {
	session := types.NewSession(t.TempDir(), time.Now())
	pub := &fakePublisher{}
	mon := health.NewMonitor()

	reader := New(Config{
		Host:          "127.0.0.1",
		Port:          1, // nothing listens here
		MinBackoff:    1 * time.Millisecond,
		MaxBackoff:    2 * time.Millisecond,
		MaxReconnects: 2,
	}, nil, session, pub, mon)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reader.Run(ctx)

	if !reader.Terminal() {
		t.Fatal("expected reader to report terminal after exhausting reconnect budget")
	}
	if overall := mon.Overall(); overall != health.Unhealthy {
		t.Fatalf("expected Unhealthy health status, got %v", overall)
	}
}
