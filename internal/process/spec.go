package process

import (
	"io"
	"os"
	"os/exec"
	"strings"
)

// Spec describes one process to spawn.
type Spec struct {
	Name    string
	Command string   // executable path, or a shell line when Args is empty
	Args    []string // passed verbatim, no shell involved
	Env     []string // full environment in K=V form; nil inherits
	WorkDir string
	Stdin   io.Reader // nil inherits the supervisor's stdin
	Stdout  io.Writer // nil inherits, like Stderr
	Stderr  io.Writer

	// Foreground gives the child's process group the controlling terminal
	// when its stdin is one. At most one node of a session should set it.
	Foreground bool
}

// BuildCommand constructs an *exec.Cmd for the spec. With explicit Args, or
// when Command names an existing file, the command is executed directly.
// Otherwise a command line containing shell metacharacters or spaces is run
// through /bin/sh -c so descriptors may carry short scripts.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(cmdStr, s.Args...)
	}
	if isFile(cmdStr) {
		// #nosec G204
		return exec.Command(cmdStr)
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, " \t|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	// #nosec G204
	return exec.Command(cmdStr)
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

// parseExplicitShell detects "sh -c <ARG>" at the start of cmdStr and returns
// the script with one pair of outer quotes removed.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}
