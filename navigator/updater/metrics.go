package updater

import (
	"maps"
	"sync"

	"github.com/df-mc/detournav/navigator/agent"
)

// AgentMetrics holds the counters of a single agent.
type AgentMetrics struct {
	Builds   uint64
	Failures uint64
	Stale    uint64
	Queued   int
}

// Metrics tracks per-agent counters for observability.
type Metrics struct {
	mu     sync.Mutex
	agents map[agent.Bounds]AgentMetrics
}

// NewMetrics creates an empty metrics registry.
func NewMetrics() *Metrics {
	return &Metrics{agents: make(map[agent.Bounds]AgentMetrics)}
}

// IncBuilds increments the tile build counter of an agent.
func (m *Metrics) IncBuilds(b agent.Bounds) {
	m.update(b, func(a *AgentMetrics) { a.Builds++ })
}

// IncFailures increments the failed build counter of an agent.
func (m *Metrics) IncFailures(b agent.Bounds) {
	m.update(b, func(a *AgentMetrics) { a.Failures++ })
}

// IncStale increments the counter of merges rejected as stale.
func (m *Metrics) IncStale(b agent.Bounds) {
	m.update(b, func(a *AgentMetrics) { a.Stale++ })
}

// SetQueueSize stores the number of queued jobs of an agent.
func (m *Metrics) SetQueueSize(b agent.Bounds, size int) {
	m.update(b, func(a *AgentMetrics) { a.Queued = size })
}

// Snapshot returns a copy of the counters of every agent.
func (m *Metrics) Snapshot() map[agent.Bounds]AgentMetrics {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.agents)
}

func (m *Metrics) update(b agent.Bounds, fn func(a *AgentMetrics)) {
	if m == nil {
		return
	}
	m.mu.Lock()
	a := m.agents[b]
	fn(&a)
	m.agents[b] = a
	m.mu.Unlock()
}
