// Package userquestion holds the at-most-one active question a viewer
// can attach to the next dispatched inference (component I's ASR
// intake feeds it; component D's scheduler consumes it).
package userquestion

import (
	"sync"
	"time"

	"github.com/vlmmonitor/core/internal/logging"
	"github.com/vlmmonitor/core/internal/types"
)

var log = logging.L("userquestion")

const defaultExpiry = 300 * time.Second

// Registry holds at most one pending question. Set overwrites any
// unconsumed question; Take atomically removes and returns it.
type Registry struct {
	expiry time.Duration

	mu      sync.Mutex
	pending *types.UserQuestion
}

func New(expiry time.Duration) *Registry {
	if expiry <= 0 {
		expiry = defaultExpiry
	}
	return &Registry{expiry: expiry}
}

// Set installs q as the pending question, discarding any previous one.
func (r *Registry) Set(text string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = &types.UserQuestion{Text: text, CreatedAt: now}
}

// Peek reports whether a non-expired question is currently pending,
// without consuming it.
func (r *Registry) Peek(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked(now)
}

// PeekText returns the pending question's text without consuming it,
// so HTTP polling (GET /question/current) can observe it repeatedly
// until it is bound to an inference or expires.
func (r *Registry) PeekText(now time.Time) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.activeLocked(now) {
		return "", false
	}
	return r.pending.Text, true
}

// Take atomically removes and returns the pending question if one is
// set and not expired. Expired questions are cleared and reported as
// absent.
func (r *Registry) Take(now time.Time) (types.UserQuestion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.activeLocked(now) {
		return types.UserQuestion{}, false
	}
	q := *r.pending
	r.pending = nil
	return q, true
}

// activeLocked reports whether r.pending is set and unexpired,
// clearing it in place if it has expired. Caller must hold r.mu.
func (r *Registry) activeLocked(now time.Time) bool {
	if r.pending == nil {
		return false
	}
	if now.Sub(r.pending.CreatedAt) > r.expiry {
		log.Debug("user question expired unconsumed", "age", now.Sub(r.pending.CreatedAt))
		r.pending = nil
		return false
	}
	return true
}
