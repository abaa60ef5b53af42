package manager

import (
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/sessionr/internal/errs"
	"github.com/loykin/sessionr/internal/metrics"
	"github.com/loykin/sessionr/internal/node"
	"github.com/loykin/sessionr/internal/process"
)

// depsReadyLocked reports whether every dependency of e is Running or
// Satisfied.
func (m *Manager) depsReadyLocked(e *entry) bool {
	for _, dep := range e.node.Dependencies() {
		d := m.entries[dep]
		if d == nil || !d.phase.Ready() {
			return false
		}
	}
	return true
}

// stoppedDepLocked returns a dependency of e that is permanently stopped.
func (m *Manager) stoppedDepLocked(e *entry) (string, bool) {
	for _, dep := range e.node.Dependencies() {
		if d := m.entries[dep]; d != nil && d.phase == node.PhaseStopped {
			return dep, true
		}
	}
	return "", false
}

// evaluateLocked starts e when it is pending and all of its dependencies are
// ready.
func (m *Manager) evaluateLocked(e *entry) {
	if m.stopping || e.phase != node.PhasePending || e.blockedBy != "" {
		return
	}
	if !m.depsReadyLocked(e) {
		return
	}
	m.startLocked(e)
}

// readyLocked re-evaluates the dependents of a node that just became ready.
func (m *Manager) readyLocked(name string) {
	if m.stopping {
		return
	}
	for _, dep := range m.dependents[name] {
		if e := m.entries[dep]; e != nil {
			m.evaluateLocked(e)
		}
	}
}

func (m *Manager) startLocked(e *entry) {
	name := e.node.Name()
	if e.node.IsTarget() {
		m.setPhaseLocked(e, node.PhaseSatisfied)
		m.readyLocked(name)
		return
	}
	e.gen++
	e.lastErr = nil
	m.setPhaseLocked(e, node.PhaseStarting)
	m.wg.Add(1)
	go m.spawn(e.node, e.gen)
}

// spawn runs outside the lock; only the bookkeeping afterwards takes it.
func (m *Manager) spawn(n *node.Node, gen uint64) {
	defer m.wg.Done()
	name := n.Name()
	spec := process.Spec{
		Name:       name,
		Command:    n.Command(),
		Args:       n.Args(),
		Env:        m.env.Merge(n.Environment()),
		Foreground: n.Foreground(),
	}
	var closers []io.Closer
	if m.procLog != nil {
		stdout, stderr, err := m.procLog.Writers(name)
		if err != nil {
			m.logger.Warn("process log unavailable", "node", name, "error", err)
		}
		if stdout != nil {
			spec.Stdout = stdout
			closers = append(closers, stdout)
		}
		if stderr != nil {
			spec.Stderr = stderr
			closers = append(closers, stderr)
		}
	}

	p, err := m.spawner.Spawn(spec)
	if err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
	} else {
		for _, c := range closers {
			p.AttachCloser(c)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[name]
	if e == nil || e.gen != gen {
		if p != nil {
			_ = p.Kill()
		}
		return
	}
	if err != nil {
		e.lastErr = errs.SpawnFailed(name, err)
		e.lastExit = nil
		metrics.IncFailure(name, "spawn")
		m.setPhaseLocked(e, node.PhaseFailed)
		m.afterExitLocked(e, false, 0)
		return
	}

	e.proc = p
	e.startedAt = p.StartedAt()
	metrics.IncStart(name)
	m.setPhaseLocked(e, node.PhaseRunning)
	m.logger.Info("node started", "node", name, "pid", p.PID())
	m.wg.Add(1)
	go m.monitor(name, gen, p)
	m.readyLocked(name)
}

// monitor waits for p to exit and feeds the result back into the table.
func (m *Manager) monitor(name string, gen uint64, p *process.Process) {
	defer m.wg.Done()
	st := p.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[name]
	if e == nil || e.gen != gen {
		return
	}
	ran := time.Since(e.startedAt)
	e.lastExit = &st
	metrics.IncStop(name)
	if st.Success() {
		e.lastErr = nil
	} else {
		e.lastErr = errs.ProcessError(name, st.Code, st.Err)
		metrics.IncFailure(name, "exit")
	}

	if m.stopping {
		m.setPhaseLocked(e, node.PhaseStopped)
		e.proc = nil
		return
	}
	m.logger.Info("node exited", "node", name, "pid", p.PID(), "status", st.String(), "uptime", ran.Round(time.Millisecond))
	if st.Success() {
		m.setPhaseLocked(e, node.PhaseExited)
	} else {
		m.setPhaseLocked(e, node.PhaseFailed)
	}
	e.proc = nil
	m.afterExitLocked(e, st.Success(), ran)
}

// afterExitLocked applies the restart policy to an entry that is Exited or
// Failed.
func (m *Manager) afterExitLocked(e *entry, success bool, ran time.Duration) {
	name := e.node.Name()
	if m.stopping {
		m.setPhaseLocked(e, node.PhaseStopped)
		return
	}
	pol := e.node.Restart()
	if !pol.ShouldRestart(success) {
		m.stopPermanentlyLocked(e)
		return
	}
	if pol.ResetAfter > 0 && ran >= pol.ResetAfter {
		e.attempts = 0
		e.backoff.Reset()
	}
	if pol.Exhausted(e.attempts) {
		m.logger.Warn("restart limit reached", "node", name, "attempts", e.attempts, "max_retries", pol.MaxRetries)
		m.stopPermanentlyLocked(e)
		return
	}
	delay := e.backoff.NextBackOff()
	if delay == backoff.Stop {
		m.stopPermanentlyLocked(e)
		return
	}
	e.attempts++
	e.restarts++
	metrics.IncRestart(name)
	metrics.ObserveRestartBackoff(name, delay.Seconds())
	m.setPhaseLocked(e, node.PhaseRestartPending)
	m.logger.Info("restart scheduled", "node", name, "attempt", e.attempts, "delay", delay)
	m.wg.Add(1)
	go m.restartAfter(name, e.gen, delay)
}

// restartAfter waits out the backoff delay unless shutdown begins first.
func (m *Manager) restartAfter(name string, gen uint64, delay time.Duration) {
	defer m.wg.Done()
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-m.shutdownCh():
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[name]
	if e == nil || e.gen != gen || e.phase != node.PhaseRestartPending || m.stopping {
		return
	}
	if m.depsReadyLocked(e) {
		m.startLocked(e)
		return
	}
	m.setPhaseLocked(e, node.PhasePending)
	if dep, ok := m.stoppedDepLocked(e); ok {
		m.blockLocked(e, dep)
		m.blockDependentsLocked(name)
	}
}

func (m *Manager) shutdownCh() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

func (m *Manager) stopPermanentlyLocked(e *entry) {
	name := e.node.Name()
	m.setPhaseLocked(e, node.PhaseStopped)
	if name == m.root {
		m.rootStoppedLocked(e)
		return
	}
	m.blockDependentsLocked(name)
}
