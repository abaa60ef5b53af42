//go:build !windows

package process

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
)

// sysProcAttr places the child in a new process group so stop signals reach
// everything it forked. With tty >= 0 that group becomes the terminal's
// foreground group.
func sysProcAttr(tty int) *syscall.SysProcAttr {
	if tty < 0 {
		return &syscall.SysProcAttr{Setpgid: true}
	}
	return &syscall.SysProcAttr{Setpgid: true, Foreground: true, Ctty: tty}
}

// terminalOf returns the descriptor behind r when r is a terminal.
func terminalOf(r io.Reader) (int, bool) {
	f, ok := r.(*os.File)
	if !ok || f == nil {
		return -1, false
	}
	fd := f.Fd()
	if !isatty.IsTerminal(fd) {
		return -1, false
	}
	return int(fd), true
}

// reclaimTerminal makes the supervisor's group the foreground group of tty
// again once the child that owned it is gone.
func reclaimTerminal(tty int) error {
	// tcsetpgrp from a background group raises SIGTTOU
	signal.Ignore(syscall.SIGTTOU)
	defer signal.Reset(syscall.SIGTTOU)
	return unix.IoctlSetPointerInt(tty, unix.TIOCSPGRP, syscall.Getpgrp())
}
