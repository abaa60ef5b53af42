// Package manager drives one login session: it starts the nodes of a loaded
// graph in dependency order, applies restart policies when processes exit
// and stops everything in reverse dependency order on shutdown.
//
// All mutable runtime state lives in a single table of entries keyed by node
// name and guarded by one mutex. Nodes themselves are immutable and shared.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/sessionr/internal/env"
	"github.com/loykin/sessionr/internal/errs"
	"github.com/loykin/sessionr/internal/history"
	"github.com/loykin/sessionr/internal/logger"
	"github.com/loykin/sessionr/internal/metrics"
	"github.com/loykin/sessionr/internal/node"
	"github.com/loykin/sessionr/internal/process"
)

const DefaultGracePeriod = 5 * time.Second

// ErrAlreadyRunning is returned by Run while another Run is in progress.
var ErrAlreadyRunning = errors.New("session already running")

// SessionStatus is the coarse state of the whole session.
type SessionStatus string

const (
	SessionIdle     SessionStatus = "idle"
	SessionRunning  SessionStatus = "running"
	SessionStopping SessionStatus = "stopping"
	SessionExited   SessionStatus = "exited"
	SessionFailed   SessionStatus = "failed"
)

// Result is what Run returns once the session has ended.
type Result struct {
	Status SessionStatus `json:"status"`
	Root   string        `json:"root"`
	Err    error         `json:"-"`
}

// Transition is reported to the observer on every phase change.
type Transition struct {
	Node     string
	From     node.Phase
	To       node.Phase
	PID      int
	Restarts int
	Err      error
	At       time.Time
}

// NodeStatus is a snapshot of one live entry.
type NodeStatus struct {
	Name      string     `json:"name"`
	Kind      node.Kind  `json:"kind"`
	Group     string     `json:"group,omitempty"`
	Phase     node.Phase `json:"phase"`
	PID       int        `json:"pid,omitempty"`
	Restarts  int        `json:"restarts"`
	StartedAt time.Time  `json:"started_at"`
	LastExit  string     `json:"last_exit,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Error     string     `json:"error,omitempty"`
	BlockedBy string     `json:"blocked_by,omitempty"`
}

// entry is the live process entry of one node. Every field is guarded by
// Manager.mu.
type entry struct {
	node  *node.Node
	phase node.Phase

	proc      *process.Process // set while running
	gen       uint64           // bumped on every start; stale goroutines compare against it
	attempts  int              // restarts since the last reset
	restarts  int              // restarts over the whole session
	startedAt time.Time
	lastExit  *process.ExitStatus
	lastErr   error
	blockedBy string
	backoff   backoff.BackOff
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithEnv sets the environment composer used for every spawned service.
func WithEnv(e *env.Env) Option {
	return func(m *Manager) {
		if e != nil {
			m.env = e
		}
	}
}

func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

func WithHistory(d *history.Dispatcher) Option {
	return func(m *Manager) { m.history = d }
}

// WithObserver registers fn to be called on every transition. fn runs with
// the manager lock held and must not call back into the Manager.
func WithObserver(fn func(Transition)) Option {
	return func(m *Manager) { m.observer = fn }
}

// WithProcessLog routes child stdout/stderr into rotating files.
func WithProcessLog(fc logger.FileConfig) Option {
	return func(m *Manager) { m.procLog = &fc }
}

func WithSpawner(s process.Spawner) Option {
	return func(m *Manager) {
		if s != nil {
			m.spawner = s
		}
	}
}

// WithSessionID tags history records with id.
func WithSessionID(id string) Option {
	return func(m *Manager) { m.session = id }
}

type Manager struct {
	graph    node.Graph
	logger   *slog.Logger
	env      *env.Env
	grace    time.Duration
	history  *history.Dispatcher
	observer func(Transition)
	procLog  *logger.FileConfig
	spawner  process.Spawner
	session  string

	mu         sync.Mutex
	cond       *sync.Cond
	entries    map[string]*entry
	dependents map[string][]string
	root       string
	status     SessionStatus
	outcome    SessionStatus // final status once shutdown has begun
	err        error
	stopping   bool
	shutdown   chan struct{}
	wg         sync.WaitGroup
}

// New returns a manager for graph. The graph is not copied and must not be
// modified afterwards.
func New(graph node.Graph, opts ...Option) *Manager {
	m := &Manager{
		graph:   graph,
		logger:  slog.Default(),
		grace:   DefaultGracePeriod,
		spawner: process.Exec{},
		status:  SessionIdle,
	}
	for _, o := range opts {
		o(m)
	}
	if m.env == nil {
		m.env = env.New()
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Run starts the session rooted at root and blocks until it has ended and
// every process is gone. Cancelling ctx requests a regular shutdown.
func (m *Manager) Run(ctx context.Context, root string) (Result, error) {
	order, err := m.graph.TopoOrder(root)
	if err != nil {
		return Result{Status: SessionFailed, Root: root, Err: err}, err
	}

	m.mu.Lock()
	if m.entries != nil {
		m.mu.Unlock()
		return Result{Status: SessionFailed, Root: root, Err: ErrAlreadyRunning}, ErrAlreadyRunning
	}
	m.root = root
	m.entries = make(map[string]*entry, len(order))
	m.dependents = make(map[string][]string, len(order))
	m.status = SessionRunning
	m.outcome = ""
	m.err = nil
	m.stopping = false
	m.shutdown = make(chan struct{})
	for _, name := range order {
		n := m.graph[name]
		pol := n.Restart()
		m.entries[name] = &entry{node: n, phase: node.PhasePending, backoff: pol.NewBackOff()}
		for _, dep := range n.Dependencies() {
			m.dependents[dep] = append(m.dependents[dep], name)
		}
	}
	for dep := range m.dependents {
		slices.Sort(m.dependents[dep])
	}
	shutdown := m.shutdown
	m.logger.Info("session starting", "root", root, "nodes", len(order))
	for _, name := range order {
		m.evaluateLocked(m.entries[name])
	}
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			m.RequestStop()
		case <-shutdown:
		}
	}()

	<-shutdown
	m.stopAll(order)
	m.wg.Wait()

	m.mu.Lock()
	res := Result{Status: m.outcome, Root: root, Err: m.err}
	for name := range m.entries {
		metrics.Forget(name)
	}
	m.entries = nil
	m.dependents = nil
	m.status = res.Status
	m.mu.Unlock()

	m.logger.Info("session ended", "root", root, "status", res.Status, "error", res.Err)
	return res, res.Err
}

// RequestStop asks a running session to shut down. It goes through the same
// path as an internally triggered shutdown and returns immediately.
func (m *Manager) RequestStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		return
	}
	m.logger.Info("stop requested")
	m.beginShutdownLocked(SessionExited, nil)
}

// SessionStatus returns the current session state.
func (m *Manager) SessionStatus() SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Root returns the root of the current or last session.
func (m *Manager) Root() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root
}

// Status returns snapshots of every entry, sorted by name.
func (m *Manager) Status() []NodeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeStatus, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.snapshot())
	}
	slices.SortFunc(out, func(a, b NodeStatus) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

func (m *Manager) NodeStatus(name string) (NodeStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return NodeStatus{}, false
	}
	return e.snapshot(), true
}

func (e *entry) snapshot() NodeStatus {
	st := NodeStatus{
		Name:      e.node.Name(),
		Kind:      e.node.Kind(),
		Group:     e.node.Group(),
		Phase:     e.phase,
		Restarts:  e.restarts,
		StartedAt: e.startedAt,
		BlockedBy: e.blockedBy,
	}
	if e.proc != nil {
		st.PID = e.proc.PID()
	}
	if e.lastExit != nil {
		st.LastExit = e.lastExit.String()
		code := e.lastExit.Code
		st.ExitCode = &code
	}
	if e.lastErr != nil {
		st.Error = e.lastErr.Error()
	}
	return st
}

// setPhaseLocked records a transition and notifies every consumer.
func (m *Manager) setPhaseLocked(e *entry, to node.Phase) {
	from := e.phase
	if from == to {
		return
	}
	e.phase = to
	name := e.node.Name()

	tr := Transition{Node: name, From: from, To: to, Restarts: e.restarts, At: time.Now()}
	if e.proc != nil {
		tr.PID = e.proc.PID()
	}
	if to == node.PhaseFailed || to == node.PhaseStopped {
		tr.Err = e.lastErr
	}

	attrs := []any{"node", name, "from", from, "to", to}
	if tr.PID != 0 {
		attrs = append(attrs, "pid", tr.PID)
	}
	if tr.Err != nil {
		attrs = append(attrs, "error", tr.Err)
	}
	if to == node.PhaseFailed {
		m.logger.Warn("node transition", attrs...)
	} else {
		m.logger.Debug("node transition", attrs...)
	}

	metrics.RecordTransition(name, from.String(), to.String())
	m.publishLocked(e, tr)
	if m.observer != nil {
		m.observer(tr)
	}
	m.cond.Broadcast()
}

func (m *Manager) publishLocked(e *entry, tr Transition) {
	if m.history == nil {
		return
	}
	rec := history.Record{
		Session:  m.session,
		Node:     tr.Node,
		PID:      tr.PID,
		From:     tr.From.String(),
		Phase:    tr.To.String(),
		Restarts: tr.Restarts,
	}
	if e.lastExit != nil && (tr.To == node.PhaseExited || tr.To == node.PhaseFailed || tr.To == node.PhaseStopped) {
		code := e.lastExit.Code
		rec.ExitCode = &code
	}
	if tr.Err != nil {
		rec.Error = tr.Err.Error()
	}
	m.history.Publish(history.Event{Type: history.TypeForPhase(rec.Phase), OccurredAt: tr.At, Record: rec})
}

// beginShutdownLocked starts the shutdown once. The first caller decides the
// session outcome.
func (m *Manager) beginShutdownLocked(outcome SessionStatus, err error) {
	if m.stopping {
		return
	}
	m.stopping = true
	m.outcome = outcome
	m.err = err
	m.status = SessionStopping
	close(m.shutdown)
	m.cond.Broadcast()
}

// rootStoppedLocked ends the session after the root reached Stopped.
func (m *Manager) rootStoppedLocked(e *entry) {
	if e.lastExit != nil && e.lastExit.Success() && e.lastErr == nil {
		m.logger.Info("root node finished", "node", e.node.Name())
		m.beginShutdownLocked(SessionExited, nil)
		return
	}
	m.logger.Warn("root node failed", "node", e.node.Name(), "error", e.lastErr)
	err := e.lastErr
	if err == nil {
		err = errs.New(errs.CodeProcessError, e.node.Name(), "root node stopped")
	}
	m.beginShutdownLocked(SessionFailed, err)
}

// blockDependentsLocked marks every pending transitive dependent of a
// permanently stopped node. Such nodes can never start.
func (m *Manager) blockDependentsLocked(stopped string) {
	queue := slices.Clone(m.dependents[stopped])
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		e := m.entries[name]
		if e == nil || e.phase != node.PhasePending || e.blockedBy != "" {
			continue
		}
		m.blockLocked(e, stopped)
		queue = append(queue, m.dependents[name]...)
	}
}

func (m *Manager) blockLocked(e *entry, by string) {
	if e.blockedBy != "" {
		return
	}
	e.blockedBy = by
	name := e.node.Name()
	m.logger.Warn("node blocked by stopped dependency", "node", name, "blocked_by", by)
	m.cond.Broadcast()
	if name == m.root {
		m.beginShutdownLocked(SessionFailed, errs.RootBlocked(name, by))
	}
}
