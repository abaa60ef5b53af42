package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/sessionr/internal/manager"
)

// Controller is the part of the session manager exposed over the control
// socket. Stop goes through the manager's regular shutdown path.
type Controller interface {
	Root() string
	SessionStatus() mng.SessionStatus
	Status() []mng.NodeStatus
	NodeStatus(name string) (mng.NodeStatus, bool)
	RequestStop()
}

// Router provides the control endpoints:
//
//	GET  {basePath}/status        session status and every node
//	GET  {basePath}/status/:name  one node
//	POST {basePath}/stop          request a session shutdown
//	GET  {basePath}/metrics       prometheus metrics, when enabled
type Router struct {
	ctl      Controller
	basePath string
	metrics  http.Handler
}

type RouterOption func(*Router)

// WithMetricsHandler mounts h at {basePath}/metrics.
func WithMetricsHandler(h http.Handler) RouterOption {
	return func(r *Router) { r.metrics = h }
}

func NewRouter(ctl Controller, basePath string, opts ...RouterOption) *Router {
	r := &Router{ctl: ctl, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleSession)
	group.GET("/status/:name", r.handleNode)
	group.POST("/stop", r.handleStop)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// SessionView is the body of GET /status.
type SessionView struct {
	Root   string            `json:"root"`
	Status mng.SessionStatus `json:"status"`
	Nodes  []mng.NodeStatus  `json:"nodes"`
}

func (r *Router) handleSession(c *gin.Context) {
	writeJSON(c, http.StatusOK, SessionView{
		Root:   r.ctl.Root(),
		Status: r.ctl.SessionStatus(),
		Nodes:  r.ctl.Status(),
	})
}

func (r *Router) handleNode(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: fmt.Sprintf("invalid node name %q", name)})
		return
	}
	st, ok := r.ctl.NodeStatus(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: fmt.Sprintf("node %q is not part of the session", name)})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStop(c *gin.Context) {
	switch r.ctl.SessionStatus() {
	case mng.SessionRunning, mng.SessionStopping:
	default:
		writeJSON(c, http.StatusConflict, errorResp{Error: "no session is running"})
		return
	}
	r.ctl.RequestStop()
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

// Server is a running HTTP server bound to a listener.
type Server struct {
	http   *http.Server
	ln     net.Listener
	socket string // removed on Close when non-empty
}

func newHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ListenUnix serves h on a unix socket at path, readable only by the owner.
// A stale socket file left by a previous session is replaced.
func ListenUnix(path string, h http.Handler) (*Server, error) {
	if !isCleanAbsPath(path) {
		return nil, fmt.Errorf("control socket %q must be a clean absolute path", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := listenPrivate(path)
	if err != nil {
		return nil, err
	}
	return serve(ln, h, path), nil
}

// listenPrivate binds a socket at path that only the owner can ever reach.
// Inside an owner-only directory it binds in place. Elsewhere it binds inside
// a private temporary directory and renames the finished socket into path.
func listenPrivate(path string) (*net.UnixListener, error) {
	dir := filepath.Dir(path)
	if fi, err := os.Stat(dir); err == nil && fi.Mode().Perm()&0o077 == 0 {
		return listenUnixMode(path)
	}
	tmpDir, err := os.MkdirTemp(dir, ".sessionr-sock-*")
	if err != nil {
		return nil, fmt.Errorf("create private socket dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	tmp := filepath.Join(tmpDir, "s")
	ln, err := listenUnixMode(tmp)
	if err != nil {
		return nil, err
	}
	// the socket outlives its temporary name; Server.Close removes path
	ln.SetUnlinkOnClose(false)
	if err := os.Rename(tmp, path); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("move socket into place: %w", err)
	}
	return ln, nil
}

func listenUnixMode(path string) (*net.UnixListener, error) {
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln, nil
}

// ListenTCP serves h on addr, used for the metrics endpoint.
func ListenTCP(addr string, h http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return serve(ln, h, ""), nil
}

func serve(ln net.Listener, h http.Handler, socket string) *Server {
	s := &Server{http: newHTTPServer(h), ln: ln, socket: socket}
	go func() { _ = s.http.Serve(ln) }()
	return s
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Close shuts the server down gracefully and removes its socket file.
func (s *Server) Close(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if s.socket != "" {
		if rerr := os.Remove(s.socket); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = errors.Join(err, rerr)
		}
	}
	return err
}
