package manager

import (
	"sync"

	"github.com/loykin/sessionr/internal/node"
)

// stopAll stops every entry. Each node waits until all of its dependents are
// Stopped before it is signalled, so stop signals flow from the leaves of the
// dependency graph towards the root's dependencies while independent branches
// are stopped concurrently.
func (m *Manager) stopAll(order []string) {
	var wg sync.WaitGroup
	for _, name := range order {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.stopNode(name)
		}()
	}
	wg.Wait()
}

func (m *Manager) stopNode(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[name]
	if e == nil {
		return
	}
	for !m.dependentsStoppedLocked(name) {
		m.cond.Wait()
	}
	// a spawn in flight finishes first, then is stopped like any other run
	for e.phase == node.PhaseStarting {
		m.cond.Wait()
	}
	if e.phase == node.PhaseStopped {
		return
	}
	p := e.proc
	if p == nil {
		m.setPhaseLocked(e, node.PhaseStopped)
		return
	}

	sig := e.node.StopSignal()
	m.logger.Info("stopping node", "node", name, "pid", p.PID(), "signal", sig)
	m.mu.Unlock()
	st, escalated := p.Stop(sig, m.grace)
	m.mu.Lock()
	if escalated {
		m.logger.Warn("grace period expired, process killed", "node", name, "pid", p.PID(), "grace", m.grace)
	}
	m.logger.Debug("node stopped", "node", name, "status", st.String())
	// the monitor records the exit; wait for it so the table is consistent
	for e.phase != node.PhaseStopped {
		m.cond.Wait()
	}
}

func (m *Manager) dependentsStoppedLocked(name string) bool {
	for _, dep := range m.dependents[name] {
		if d := m.entries[dep]; d != nil && d.phase != node.PhaseStopped {
			return false
		}
	}
	return true
}
