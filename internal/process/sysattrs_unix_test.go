//go:build !windows

package process

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkSysProcAttrs verifies Unix-specific process attributes
func checkSysProcAttrs(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Fatalf("SysProcAttr Setpgid not set")
	}
}

func TestStartUsesOwnProcessGroup(t *testing.T) {
	p, err := Start(Spec{Name: "pg", Command: "true"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	checkSysProcAttrs(t, p.cmd)
	p.Wait()
}

func TestSysProcAttrForeground(t *testing.T) {
	attr := sysProcAttr(-1)
	assert.True(t, attr.Setpgid)
	assert.False(t, attr.Foreground)

	attr = sysProcAttr(0)
	assert.True(t, attr.Foreground)
	assert.Equal(t, 0, attr.Ctty)
}

func TestTerminalOfRejectsNonTerminals(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	_, ok := terminalOf(r)
	assert.False(t, ok)
	_, ok = terminalOf(nil)
	assert.False(t, ok)
}

func TestForegroundWithoutTerminalKeepsProcessGroup(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	p, err := Start(Spec{Name: "fg", Command: "true", Stdin: r, Foreground: true})
	require.NoError(t, err)
	_ = r.Close()
	assert.Equal(t, -1, p.tty)
	assert.False(t, p.cmd.SysProcAttr.Foreground)
	checkSysProcAttrs(t, p.cmd)
	p.Wait()
}
