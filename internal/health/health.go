// Package health tracks the live/degraded/down status of this
// process's long-lived pipeline workers, so the TCP frame reader's
// "reader up" / terminal-status contract (spec.md §4.A) and the
// frame/protocol-error counters that ride alongside it (spec.md §4.H's
// stream_status message: "streaming on/off, frame counter, health")
// can be surfaced from one place to /api/status.
package health

import (
	"sync"
	"time"

	"github.com/vlmmonitor/core/internal/logging"
)

var log = logging.L("health")

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// IsValid returns true if the status is a recognized value.
func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	default:
		return false
	}
}

// Component names one of the long-lived workers from spec.md §5 this
// monitor tracks.
type Component string

const (
	// ComponentReader is the TCP frame reader (component A). Its
	// check carries the frame-sequence/protocol-error counters the
	// delivery surface echoes alongside health.
	ComponentReader Component = "reader"
	// ComponentScheduler is the inference scheduler (component D).
	ComponentScheduler Component = "scheduler"
	// ComponentMCPBridge is the external camera-control bridge
	// (component F).
	ComponentMCPBridge Component = "mcp_bridge"
)

// Check stores the latest health result for one component.
type Check struct {
	Component Component `json:"component"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`

	// FrameSeq and ProtocolErrors are only populated for
	// ComponentReader: the most recently emitted frame sequence
	// number and the count of recoverable resyncs performed so far
	// (spec.md §4.A/§7).
	FrameSeq       uint64 `json:"frame_seq,omitempty"`
	ProtocolErrors uint64 `json:"protocol_errors,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Monitor tracks health checks for the pipeline's long-lived workers.
type Monitor struct {
	mu     sync.RWMutex
	checks map[Component]Check
}

// NewMonitor creates a new health monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		checks: make(map[Component]Check),
	}
}

// Update records the health status for a component.
// Invalid status values are coerced to Unhealthy with a warning.
func (m *Monitor) Update(component Component, status Status, message string) {
	m.record(Check{Component: component, Status: status, Message: message})
}

// UpdateReader records the TCP frame reader's status together with
// the frame-sequence/protocol-error counters that ride alongside
// health in the delivery surface's stream_status message.
func (m *Monitor) UpdateReader(status Status, message string, frameSeq, protocolErrors uint64) {
	m.record(Check{
		Component:      ComponentReader,
		Status:         status,
		Message:        message,
		FrameSeq:       frameSeq,
		ProtocolErrors: protocolErrors,
	})
}

func (m *Monitor) record(c Check) {
	if !c.Status.IsValid() {
		log.Warn("invalid health status, coercing to unhealthy",
			"component", string(c.Component), "status", string(c.Status))
		c.Status = Unhealthy
	}
	c.UpdatedAt = time.Now()

	m.mu.Lock()
	m.checks[c.Component] = c
	m.mu.Unlock()

	if c.Status != Healthy {
		log.Warn("health check degraded", "component", string(c.Component), "status", string(c.Status), "message", c.Message)
	}
}

// Get returns the health check for a named component.
func (m *Monitor) Get(component Component) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[component]
	return c, ok
}

// Overall returns the worst status across all registered checks.
// If no checks are registered, returns Unknown (fail-safe).
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

// overallLocked computes the worst status; caller must hold at least RLock.
func (m *Monitor) overallLocked() Status {
	if len(m.checks) == 0 {
		return Unknown
	}

	worst := Healthy
	for _, c := range m.checks {
		if worse(c.Status, worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns a snapshot of all current health checks.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	return result
}

// Summary returns the JSON-friendly payload /api/status embeds:
// overall severity, each component's status, and — since it's what a
// UI client actually watches per spec.md §4.H's stream_status message
// — the reader's frame counter and protocol-error count lifted to the
// top level when a reader check is present.
func (m *Monitor) Summary() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	overall := m.overallLocked()

	components := make(map[string]string, len(m.checks))
	for _, c := range m.checks {
		components[string(c.Component)] = string(c.Status)
	}

	out := map[string]any{
		"status":     string(overall),
		"components": components,
	}
	if reader, ok := m.checks[ComponentReader]; ok {
		out["frame_count"] = reader.FrameSeq
		out["protocol_errors"] = reader.ProtocolErrors
	}
	return out
}

// worse returns true if a is worse than b.
func worse(a, b Status) bool {
	return statusRank(a) > statusRank(b)
}

// statusRank maps status to severity: Healthy(0) < Degraded(1) < Unhealthy(2) < Unknown(3).
// Unknown is ranked worst so that uninitialized or unrecognized statuses
// are treated as the most severe condition (fail-safe).
func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	case Unknown:
		return 3
	default:
		return 3 // unknown status treated as worst
	}
}
