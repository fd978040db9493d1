// Package distributor implements the in-process, last-value-wins
// broadcast of frames from the TCP reader to N subscribers
// (component B).
package distributor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vlmmonitor/core/internal/logging"
	"github.com/vlmmonitor/core/internal/types"
)

var log = logging.L("distributor")

// Subscription is a lossy single-slot mailbox: a new frame overwrites
// an unread one. Lossiness is intentional — the live-view path must
// never backpressure the reader.
type Subscription struct {
	id   uint64
	ch   chan *types.Frame
	dist *Distributor
}

// Next blocks until a frame arrives or timeout elapses, returning
// (nil, false) on timeout.
func (s *Subscription) Next(timeout time.Duration) (*types.Frame, bool) {
	select {
	case f := <-s.ch:
		return f, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Distributor holds at most one Frame slot and fans it out to
// subscribers. Publish and Subscribe are safe for concurrent callers.
type Distributor struct {
	slot atomic.Pointer[types.Frame]

	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	count   atomic.Uint64
}

func New() *Distributor {
	return &Distributor{
		subs: make(map[uint64]*Subscription),
	}
}

// Publish atomically replaces the slot and wakes all subscribers.
// Any subscriber whose mailbox is full has its stale frame dropped in
// favor of this one — last-value-wins, never blocking the reader.
func (d *Distributor) Publish(f *types.Frame) {
	d.slot.Store(f)
	d.count.Add(1)

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subs {
		select {
		case sub.ch <- f:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- f:
			default:
			}
		}
	}
}

// Subscribe registers a new subscriber and returns its handle.
func (d *Distributor) Subscribe() *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	sub := &Subscription{
		id:   d.nextID,
		ch:   make(chan *types.Frame, 1),
		dist: d,
	}
	d.subs[sub.id] = sub
	log.Debug("subscriber added", "id", sub.id, "total", len(d.subs))
	return sub
}

// Unsubscribe removes a subscription. Idempotent.
func (d *Distributor) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subs[sub.id]; ok {
		delete(d.subs, sub.id)
		log.Debug("subscriber removed", "id", sub.id, "total", len(d.subs))
	}
}

// Latest returns a snapshot of the current slot, or nil if no frame
// has been published yet.
func (d *Distributor) Latest() *types.Frame {
	return d.slot.Load()
}

// SubscriberCount reports the number of active subscribers.
func (d *Distributor) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// FrameCount reports the total number of frames published so far.
func (d *Distributor) FrameCount() uint64 {
	return d.count.Load()
}
