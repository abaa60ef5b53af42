// Package sessionr supervises the services of one login session. Nodes are
// loaded from layered descriptor directories, started in dependency order,
// restarted according to their policies and stopped in reverse order.
package sessionr

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/sessionr/internal/config"
	"github.com/loykin/sessionr/internal/errs"
	"github.com/loykin/sessionr/internal/loader"
	"github.com/loykin/sessionr/internal/manager"
	"github.com/loykin/sessionr/internal/metrics"
	"github.com/loykin/sessionr/internal/node"
	iapi "github.com/loykin/sessionr/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Node = node.Node

type NodeConfig = node.Config

type Graph = node.Graph

type Phase = node.Phase

type Manager = manager.Manager

type Option = manager.Option

type Result = manager.Result

type NodeStatus = manager.NodeStatus

type SessionStatus = manager.SessionStatus

type Transition = manager.Transition

type Error = errs.Error

type Config = cfg.Config

type RestartPolicy = node.RestartPolicy

const (
	KindService = node.KindService
	KindTarget  = node.KindTarget

	RestartNever     = node.RestartNever
	RestartAlways    = node.RestartAlways
	RestartOnFailure = node.RestartOnFailure
)

type ControlServer = iapi.Server

var (
	WithLogger      = manager.WithLogger
	WithEnv         = manager.WithEnv
	WithGracePeriod = manager.WithGracePeriod
	WithHistory     = manager.WithHistory
	WithObserver    = manager.WithObserver
	WithProcessLog  = manager.WithProcessLog
	WithSessionID   = manager.WithSessionID
)

// LoadTree resolves root and everything it depends on from dirs, earlier
// directories taking precedence.
func LoadTree(dirs []string, root string) (Graph, error) { return loader.LoadTree(dirs, root) }

// NewNode builds a node from c. Graphs assembled in code are checked by
// Manager.Run, not by the loader.
func NewNode(c NodeConfig) *Node { return node.New(c) }

// ShellNode is the single-node fallback used when no root descriptor exists.
func ShellNode(name, shell string) *Node { return node.Shell(name, shell) }

func NewManager(g Graph, opts ...Option) *Manager { return manager.New(g, opts...) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler exposes the default prometheus registry.
func MetricsHandler() http.Handler { return metrics.Handler() }

// ControlHandler returns the control endpoints for m rooted at basePath, for
// mounting in an existing HTTP server.
func ControlHandler(m *Manager, basePath string) http.Handler {
	return iapi.NewRouter(m, basePath).Handler()
}

// NewControlServer serves the control endpoints for m on a unix socket. With
// withMetrics the prometheus endpoint is mounted at /metrics too.
func NewControlServer(socket string, m *Manager, withMetrics bool) (*ControlServer, error) {
	var opts []iapi.RouterOption
	if withMetrics {
		opts = append(opts, iapi.WithMetricsHandler(metrics.Handler()))
	}
	return iapi.ListenUnix(socket, iapi.NewRouter(m, "", opts...).Handler())
}

// IsLoadError reports whether err is a configuration error detected before
// any process was started.
func IsLoadError(err error) bool { return errs.CodeOf(err).LoadTime() }
