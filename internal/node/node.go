package node

import (
	"maps"
	"slices"
	"syscall"
)

// Kind distinguishes nodes with a process from pure grouping nodes.
type Kind int

const (
	KindService Kind = iota
	KindTarget
)

func (k Kind) String() string {
	if k == KindTarget {
		return "target"
	}
	return "service"
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Config carries the fields used to construct a Node.
type Config struct {
	Name         string
	Kind         Kind
	Group        string
	Command      string
	Args         []string
	StopSignal   syscall.Signal
	Restart      RestartPolicy
	Dependencies []string
	Environment  map[string]string
	Foreground   bool // owns the controlling terminal, see Shell
}

// Node is the validated runtime form of one graph vertex. It is never mutated
// after construction and may be shared freely between goroutines; all
// execution state lives in the manager.
type Node struct {
	name       string
	kind       Kind
	group      string
	command    string
	args       []string
	stopSignal syscall.Signal
	restart    RestartPolicy
	deps       []string
	env        map[string]string
	foreground bool
}

// New builds a Node from cfg. Slices and maps are copied, dependencies are
// sorted and de-duplicated, and a zero stop signal becomes SIGTERM.
func New(cfg Config) *Node {
	n := &Node{
		name:       cfg.Name,
		kind:       cfg.Kind,
		group:      cfg.Group,
		command:    cfg.Command,
		args:       slices.Clone(cfg.Args),
		stopSignal: cfg.StopSignal,
		restart:    cfg.Restart,
		env:        maps.Clone(cfg.Environment),
		foreground: cfg.Foreground,
	}
	if n.stopSignal == 0 {
		n.stopSignal = syscall.SIGTERM
	}
	if len(cfg.Dependencies) > 0 {
		deps := slices.Clone(cfg.Dependencies)
		slices.Sort(deps)
		n.deps = slices.Compact(deps)
	}
	if n.kind == KindTarget {
		n.command, n.args = "", nil
		n.restart = RestartPolicy{Mode: RestartNever}
		n.foreground = false
	}
	return n
}

// Shell returns the synthetic node used when no root descriptor exists: the
// account's login shell, never restarted, stopped with SIGTERM. It runs in
// the foreground of the supervisor's terminal, if it has one.
func Shell(name, shell string) *Node {
	return New(Config{
		Name:       name,
		Kind:       KindService,
		Command:    shell,
		StopSignal: syscall.SIGTERM,
		Restart:    RestartPolicy{Mode: RestartNever},
		Foreground: true,
	})
}

func (n *Node) Name() string { return n.name }
func (n *Node) Kind() Kind { return n.kind }
func (n *Node) Group() string { return n.group }
func (n *Node) Command() string { return n.command }
func (n *Node) StopSignal() syscall.Signal { return n.stopSignal }
func (n *Node) Restart() RestartPolicy { return n.restart }
func (n *Node) IsTarget() bool { return n.kind == KindTarget }
func (n *Node) Foreground() bool { return n.foreground }
func (n *Node) Args() []string { return slices.Clone(n.args) }
func (n *Node) Dependencies() []string { return slices.Clone(n.deps) }
func (n *Node) Environment() map[string]string { return maps.Clone(n.env) }

// DependsOn reports whether name is a direct dependency.
func (n *Node) DependsOn(name string) bool {
	_, ok := slices.BinarySearch(n.deps, name)
	return ok
}

// Equal reports structural equality.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n.name == o.name &&
		n.kind == o.kind &&
		n.group == o.group &&
		n.command == o.command &&
		slices.Equal(n.args, o.args) &&
		n.stopSignal == o.stopSignal &&
		n.restart == o.restart &&
		slices.Equal(n.deps, o.deps) &&
		maps.Equal(n.env, o.env)
}
