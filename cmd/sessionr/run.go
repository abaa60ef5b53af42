package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/loykin/sessionr/internal/account"
	"github.com/loykin/sessionr/internal/config"
	"github.com/loykin/sessionr/internal/env"
	"github.com/loykin/sessionr/internal/errs"
	"github.com/loykin/sessionr/internal/history"
	"github.com/loykin/sessionr/internal/history/factory"
	"github.com/loykin/sessionr/internal/loader"
	"github.com/loykin/sessionr/internal/manager"
	"github.com/loykin/sessionr/internal/metrics"
	"github.com/loykin/sessionr/internal/node"
	"github.com/loykin/sessionr/internal/pidfile"
	"github.com/loykin/sessionr/internal/server"
)

const (
	socketEnv     = "SESSIONR_CONTROL_SOCKET"
	runtimeDirEnv = "SESSIONR_RUNTIME_DIR"
	dbusEnv       = "DBUS_SESSION_BUS_ADDRESS"
)

// loadConfig reads the config file and applies command line overrides.
func loadConfig(path, root string, dirs []string) (*config.Config, error) {
	c, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if root != "" {
		if err := node.ValidateName(root); err != nil {
			return nil, fmt.Errorf("--root: %w", err)
		}
		c.Root = root
	}
	if len(dirs) > 0 {
		c.SearchDirs = dirs
	}
	return c, nil
}

// searchDirs returns the configured directories, or the account's default
// layering when none are configured.
func searchDirs(c *config.Config, acct account.Info) []string {
	if len(c.SearchDirs) > 0 {
		return c.SearchDirs
	}
	return account.SearchDirs(acct.HomeDir)
}

// configuredDirs is searchDirs for commands that only need the account when
// no directories are configured.
func configuredDirs(c *config.Config) ([]string, error) {
	if len(c.SearchDirs) > 0 {
		return c.SearchDirs, nil
	}
	acct, err := account.Current()
	if err != nil {
		return nil, err
	}
	return searchDirs(c, acct), nil
}

// resolveGraph loads root from dirs. When the root descriptor itself is
// missing everywhere, the account's login shell takes its place. Any other
// load error is returned unchanged.
func resolveGraph(fsys afero.Fs, dirs []string, root string, acct account.Info, log *slog.Logger) (node.Graph, bool, error) {
	l := loader.New(fsys, dirs)
	l.SetLogger(log)
	err := l.Load(root)
	if err == nil {
		return l.Nodes(), false, nil
	}
	if errs.Is(err, errs.CodeFileNotFound) && errs.NodeOf(err) == root {
		log.Warn("root descriptor not found, falling back to login shell", "root", root, "shell", acct.Shell, "error", err)
		return node.Graph{root: node.Shell(root, acct.Shell)}, true, nil
	}
	return nil, false, err
}

// sessionEnv builds the environment layers shared by every child.
func sessionEnv(c *config.Config, runtimeDir, socket string) (*env.Env, error) {
	e := env.New()
	if _, ok := os.LookupEnv(dbusEnv); !ok {
		if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
			e.Set(dbusEnv, "unix:path="+filepath.Join(xdg, "bus"))
		}
	}
	e.Set(runtimeDirEnv, runtimeDir)
	if socket != "" {
		e.Set(socketEnv, socket)
	}
	kvs, err := c.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}
	return e.WithGlobal(kvs), nil
}

func openHistory(c *config.Config, log *slog.Logger) (*history.Dispatcher, error) {
	if c.History.DSN == "" {
		return nil, nil
	}
	sink, err := factory.NewSinkFromDSN(c.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("history sink: %w", err)
	}
	return history.NewDispatcher([]history.Sink{sink},
		history.WithBuffer(c.History.Buffer),
		history.WithLogger(log),
	), nil
}

// runSession runs one session to completion. SIGINT and SIGTERM request a
// regular shutdown.
func runSession(ctx context.Context, configPath string, f RunFlags) (manager.Result, error) {
	c, err := loadConfig(configPath, f.Root, f.SearchDirs)
	if err != nil {
		return manager.Result{Status: manager.SessionFailed}, err
	}
	log := c.Logger().NewSlogger()
	slog.SetDefault(log)

	acct, err := account.Current()
	if err != nil {
		return manager.Result{Status: manager.SessionFailed, Root: c.Root}, err
	}
	dirs := searchDirs(c, acct)
	graph, _, err := resolveGraph(afero.NewOsFs(), dirs, c.Root, acct, log)
	if err != nil {
		log.Error("failed to load session", "root", c.Root, "dirs", dirs, "error", err)
		return manager.Result{Status: manager.SessionFailed, Root: c.Root}, err
	}

	now := time.Now()
	runtimeDir, err := c.RuntimeDirFor(now)
	if err != nil {
		return manager.Result{Status: manager.SessionFailed, Root: c.Root}, err
	}
	if err := os.MkdirAll(runtimeDir, 0o700); err != nil {
		return manager.Result{Status: manager.SessionFailed, Root: c.Root}, fmt.Errorf("create runtime dir: %w", err)
	}
	release, err := pidfile.Acquire(filepath.Join(runtimeDir, pidfile.Name), c.Root)
	if err != nil {
		return manager.Result{Status: manager.SessionFailed, Root: c.Root}, err
	}
	defer func() {
		if err := release(); err != nil {
			log.Warn("pidfile remove failed", "error", err)
		}
	}()
	socket := ""
	if c.Control.Enabled {
		socket = c.ControlSocket(runtimeDir)
	}
	e, err := sessionEnv(c, runtimeDir, socket)
	if err != nil {
		return manager.Result{Status: manager.SessionFailed, Root: c.Root}, err
	}

	hist, err := openHistory(c, log)
	if err != nil {
		return manager.Result{Status: manager.SessionFailed, Root: c.Root}, err
	}
	defer func() {
		if err := hist.Close(); err != nil {
			log.Warn("history close failed", "error", err)
		}
	}()

	opts := []manager.Option{
		manager.WithLogger(log),
		manager.WithEnv(e),
		manager.WithGracePeriod(c.GracePeriod),
		manager.WithSessionID(strconv.FormatInt(now.Unix(), 10)),
	}
	if hist != nil {
		opts = append(opts, manager.WithHistory(hist))
	}
	if c.Log.Process.Dir != "" {
		opts = append(opts, manager.WithProcessLog(c.ProcessLog()))
	}
	m := manager.New(graph, opts...)

	var servers []*server.Server
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, s := range servers {
			if err := s.Close(sctx); err != nil {
				log.Warn("server close failed", "error", err)
			}
		}
	}()
	var routerOpts []server.RouterOption
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return manager.Result{Status: manager.SessionFailed, Root: c.Root}, err
		}
		ms, err := server.ListenTCP(c.Metrics.Listen, metrics.Handler())
		if err != nil {
			return manager.Result{Status: manager.SessionFailed, Root: c.Root}, fmt.Errorf("metrics listener: %w", err)
		}
		servers = append(servers, ms)
		routerOpts = append(routerOpts, server.WithMetricsHandler(metrics.Handler()))
		log.Info("metrics enabled", "addr", ms.Addr().String())
	}
	if socket != "" {
		cs, err := server.ListenUnix(socket, server.NewRouter(m, "", routerOpts...).Handler())
		if err != nil {
			return manager.Result{Status: manager.SessionFailed, Root: c.Root}, fmt.Errorf("control socket: %w", err)
		}
		servers = append(servers, cs)
		log.Info("control socket ready", "socket", socket)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("session starting", "user", acct.Username, "root", c.Root, "runtime_dir", runtimeDir)
	res, err := m.Run(ctx, c.Root)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("session failed", "root", c.Root, "error", err)
	}
	return res, err
}
