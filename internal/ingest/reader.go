package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vlmmonitor/core/internal/health"
	"github.com/vlmmonitor/core/internal/logging"
	"github.com/vlmmonitor/core/internal/types"
)

var log = logging.L("ingest")

const (
	connectTimeout = 5 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// Publisher receives frames as the Reader decodes them. Implemented
// by the Internal Distributor (component B).
type Publisher interface {
	Publish(f *types.Frame)
}

// Config controls the upstream TCP dial and reconnect policy.
type Config struct {
	Host string
	Port int

	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	MaxReconnects int // consecutive failures before surfacing a terminal status
}

// Reader is the single owner of the upstream TCP socket. It decodes
// frames with a Decoder and hands each one to a Publisher, assigning
// sequence numbers and timestamps from the owning Session.
type Reader struct {
	cfg     Config
	decoder Decoder
	session *types.Session
	pub     Publisher
	health  *health.Monitor

	mu       sync.Mutex
	conn     net.Conn
	done     chan struct{}
	stopOnce sync.Once

	protocolErrors atomic.Uint64
	terminal       atomic.Bool
}

// New creates a Reader. decoder defaults to FramDecoder when nil.
func New(cfg Config, decoder Decoder, session *types.Session, pub Publisher, mon *health.Monitor) *Reader {
	if decoder == nil {
		decoder = FramDecoder{}
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 10
	}
	return &Reader{
		cfg:     cfg,
		decoder: decoder,
		session: session,
		pub:     pub,
		health:  mon,
		done:    make(chan struct{}),
	}
}

// ProtocolErrors returns the count of recoverable resyncs performed so far.
func (r *Reader) ProtocolErrors() uint64 { return r.protocolErrors.Load() }

// Terminal reports whether the reconnect budget has been exhausted.
func (r *Reader) Terminal() bool { return r.terminal.Load() }

// Run dials the upstream endpoint and decodes frames until ctx is
// canceled or Stop is called. It reconnects with exponential backoff
// on transient failures; after cfg.MaxReconnects consecutive failures
// it surfaces a terminal status and returns without further retries.
func (r *Reader) Run(ctx context.Context) {
	backoff := r.cfg.MinBackoff
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		br, err := r.connect(ctx)
		if err != nil {
			failures++
			log.Warn("connect failed", "error", err, "attempt", failures)
			if r.health != nil {
				r.health.UpdateReader(health.Degraded, err.Error(), r.session.FrameCount(), r.protocolErrors.Load())
			}

			if failures >= r.cfg.MaxReconnects {
				r.terminal.Store(true)
				if r.health != nil {
					r.health.UpdateReader(health.Unhealthy, "reconnect budget exhausted", r.session.FrameCount(), r.protocolErrors.Load())
				}
				log.Error("reconnect budget exhausted, reader is down", "attempts", failures)
				return
			}

			sleep := applyJitter(backoff)
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > r.cfg.MaxBackoff {
				backoff = r.cfg.MaxBackoff
			}
			continue
		}

		failures = 0
		backoff = r.cfg.MinBackoff
		if r.health != nil {
			r.health.UpdateReader(health.Healthy, "reader up", r.session.FrameCount(), r.protocolErrors.Load())
		}
		log.Info("reader up", "host", r.cfg.Host, "port", r.cfg.Port)

		r.readLoop(ctx, br)

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}
	}
}

func (r *Reader) connect(ctx context.Context) (*bufio.Reader, error) {
	addr := fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port)
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	br := bufio.NewReaderSize(conn, resyncPeekWindow)
	if err := r.decoder.ReadHeader(br); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	return br, nil
}

// readLoop reads frames until a non-resyncable error or cancellation.
func (r *Reader) readLoop(ctx context.Context, br *bufio.Reader) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		body, err := r.decoder.ReadFrame(br)
		if err != nil {
			if errors.Is(err, ErrResync) {
				r.protocolErrors.Add(1)
				log.Warn("protocol deviation, resynchronizing", "error", err)
				if r.health != nil {
					r.health.UpdateReader(health.Healthy, "resynchronizing", r.session.FrameCount(), r.protocolErrors.Load())
				}
				body, err = resyncFrame(br)
			}
			if err != nil {
				log.Warn("read error, reconnecting", "error", err)
				r.closeConn()
				return
			}
		}

		now := time.Now()
		frame := &types.Frame{
			Seq:       r.session.NextFrameSeq(),
			WallClock: now,
			// Measured against session start, not connection start, so
			// it stays monotonic across reconnects.
			Relative: now.Sub(r.session.StartedAt),
			JPEG:     body,
		}

		r.pub.Publish(frame)
	}
}

func (r *Reader) closeConn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

// Stop idempotently tears down the connection and unblocks Run.
func (r *Reader) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.closeConn()
		log.Info("reader stopped")
	})
}

func applyJitter(d time.Duration) time.Duration {
	jitter := float64(d) * jitterFactor * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return 0
	}
	return result
}
