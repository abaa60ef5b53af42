package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Spawner starts processes. The manager depends on this interface so tests
// can substitute failing or instrumented implementations.
type Spawner interface {
	Spawn(spec Spec) (*Process, error)
}

// Exec is the default Spawner backed by os/exec.
type Exec struct{}

func (Exec) Spawn(spec Spec) (*Process, error) { return Start(spec) }

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code   int            // exit code, -1 when killed by a signal
	Signal syscall.Signal // terminating signal, 0 when it exited normally
	Err    error          // wait error, nil on a clean exit
}

// Success reports a zero exit code.
func (s ExitStatus) Success() bool { return s.Err == nil && s.Code == 0 && s.Signal == 0 }

func (s ExitStatus) String() string {
	switch {
	case s.Signal != 0:
		return fmt.Sprintf("signal: %v", s.Signal)
	case s.Err != nil && s.Code < 0:
		return s.Err.Error()
	default:
		return fmt.Sprintf("exit status %d", s.Code)
	}
}

func exitStatusOf(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{Code: -1, Signal: ws.Signal(), Err: err}
		}
		return ExitStatus{Code: ee.ExitCode(), Err: err}
	}
	return ExitStatus{Code: -1, Err: err}
}

// Process is one started child. Exactly one internal goroutine reaps it; every
// caller of Wait shares the cached result.
type Process struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	closers   []io.Closer
	tty       int // terminal handed to the child, -1 when none

	waitDone chan struct{} // closed once cmd.Wait returned
	mu       sync.Mutex
	status   ExitStatus
}

// Start spawns the process in its own process group. Streams the spec leaves
// nil are inherited from the supervisor. A foreground spec whose stdin is a
// terminal also takes over that terminal.
func Start(spec Spec) (*Process, error) {
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	cmd.Stdin = inheritReader(spec.Stdin, os.Stdin)
	cmd.Stdout = inheritWriter(spec.Stdout, os.Stdout)
	cmd.Stderr = inheritWriter(spec.Stderr, os.Stderr)

	tty := -1
	if spec.Foreground {
		if fd, ok := terminalOf(cmd.Stdin); ok {
			tty = fd
		}
	}
	cmd.SysProcAttr = sysProcAttr(tty)

	p := &Process{name: spec.Name, cmd: cmd, tty: tty, waitDone: make(chan struct{})}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	go p.reap()
	return p, nil
}

func inheritReader(r io.Reader, std *os.File) io.Reader {
	if r != nil {
		return r
	}
	return std
}

func inheritWriter(w io.Writer, std *os.File) io.Writer {
	if w != nil {
		return w
	}
	return std
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	if p.tty >= 0 {
		_ = reclaimTerminal(p.tty)
	}
	p.mu.Lock()
	p.status = exitStatusOf(err)
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
	close(p.waitDone)
}

// AttachCloser registers c to be closed once the process has been reaped,
// typically the log writers handed to it through Spec.
func (p *Process) AttachCloser(c io.Closer) {
	if c == nil {
		return
	}
	p.mu.Lock()
	select {
	case <-p.waitDone:
		p.mu.Unlock()
		_ = c.Close()
		return
	default:
	}
	p.closers = append(p.closers, c)
	p.mu.Unlock()
}

func (p *Process) Name() string         { return p.name }
func (p *Process) PID() int             { return p.pid }
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed when the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.waitDone }

// Wait blocks until the process exits.
func (p *Process) Wait() ExitStatus {
	<-p.waitDone
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.waitDone:
		return true
	default:
		return false
	}
}

// Signal delivers sig to the process group.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.Exited() {
		return nil
	}
	return signalGroup(p.pid, sig)
}

// Kill sends SIGKILL to the process group.
func (p *Process) Kill() error { return p.Signal(syscall.SIGKILL) }

// Stop sends sig, waits up to grace for the exit and escalates to SIGKILL.
// It returns the exit status and whether escalation was needed.
func (p *Process) Stop(sig syscall.Signal, grace time.Duration) (ExitStatus, bool) {
	if err := p.Signal(sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		_ = p.Kill()
		return p.Wait(), true
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.waitDone:
		return p.Wait(), false
	case <-t.C:
		_ = p.Kill()
		return p.Wait(), true
	}
}
