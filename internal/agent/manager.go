package agent

import "fmt"

// Manager is the id -> Agent table. It has no internal synchronization of
// its own: spec §4.4 puts the whole table behind one mutex owned by the
// RPC server, so every exported method here assumes the caller already
// holds that lock.
type Manager struct {
	agents      map[string]*Agent
	nameCounter map[string]int
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		agents:      make(map[string]*Agent),
		nameCounter: make(map[string]int),
	}
}

// GenerateID produces a unique id. It tries a random two-word label; on
// collision it appends "-N" using a per-base counter, incrementing until a
// free id is found. This terminates because the two-word name space is
// effectively unbounded (spec §4.4).
func (m *Manager) GenerateID() string {
	base := randomName()
	if _, exists := m.agents[base]; !exists {
		return base
	}
	for {
		m.nameCounter[base]++
		candidate := fmt.Sprintf("%s-%d", base, m.nameCounter[base])
		if _, exists := m.agents[candidate]; !exists {
			return candidate
		}
	}
}

// NameAvailable reports whether name is unused, or used by an exited agent
// (which Spawn is allowed to evict and reuse).
func (m *Manager) NameAvailable(name string) bool {
	existing, ok := m.agents[name]
	if !ok {
		return true
	}
	return !existing.IsRunning()
}

// Add inserts or replaces the record at a.ID.
func (m *Manager) Add(a *Agent) {
	m.agents[a.ID] = a
}

// Get returns the agent with the given id, or nil.
func (m *Manager) Get(id string) *Agent {
	return m.agents[id]
}

// Remove deletes the agent record with the given id.
func (m *Manager) Remove(id string) {
	delete(m.agents, id)
}

// List returns every agent, in no particular order.
func (m *Manager) List() []*Agent {
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out
}

// Len returns the number of tracked agents.
func (m *Manager) Len() int {
	return len(m.agents)
}
