package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gojson "github.com/goccy/go-json"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sessionr/internal/account"
	"github.com/loykin/sessionr/internal/config"
	"github.com/loykin/sessionr/internal/errs"
	"github.com/loykin/sessionr/internal/manager"
	"github.com/loykin/sessionr/internal/node"
	"github.com/loykin/sessionr/internal/pidfile"
	"github.com/loykin/sessionr/internal/server"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRootCommandsRegistered(t *testing.T) {
	root := buildRoot()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "check", "status", "stop", "new"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestResolveGraphFallsBackToShell(t *testing.T) {
	fsys := afero.NewMemMapFs()
	acct := account.Info{Username: "u", HomeDir: "/home/u", Shell: "/bin/zsh"}

	g, fallback, err := resolveGraph(fsys, []string{"/etc/x"}, "default.service", acct, quietLogger())
	require.NoError(t, err)
	assert.True(t, fallback)
	require.Contains(t, g, "default.service")
	assert.Equal(t, "/bin/zsh", g["default.service"].Command())
}

func TestResolveGraphKeepsOtherErrors(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/etc/x/default.service", []byte(`{"cmd":"a","dependencies":["missing.service"]}`), 0o644))
	acct := account.Info{Shell: "/bin/sh"}

	_, fallback, err := resolveGraph(fsys, []string{"/etc/x"}, "default.service", acct, quietLogger())
	require.Error(t, err)
	assert.False(t, fallback)
	assert.True(t, errs.Is(err, errs.CodeFileNotFound))
	assert.Equal(t, "missing.service", errs.NodeOf(err))

	require.NoError(t, afero.WriteFile(fsys, "/etc/x/default.service", []byte(`{"cmd":"a","bogus":1}`), 0o644))
	_, _, err = resolveGraph(fsys, []string{"/etc/x"}, "default.service", acct, quietLogger())
	assert.True(t, errs.Is(err, errs.CodeMalformedDescriptor), "got %v", err)
}

func TestSessionEnv(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	t.Setenv(dbusEnv, "")
	require.NoError(t, os.Unsetenv(dbusEnv))
	c := &config.Config{Env: []string{"EDITOR=vi"}}

	e, err := sessionEnv(c, "/run/user/1000/42", "/run/user/1000/42/control.sock")
	require.NoError(t, err)
	v, ok := e.Lookup(dbusEnv)
	require.True(t, ok)
	assert.Equal(t, "unix:path=/run/user/1000/bus", v)
	v, _ = e.Lookup(socketEnv)
	assert.Equal(t, "/run/user/1000/42/control.sock", v)
	v, _ = e.Lookup(runtimeDirEnv)
	assert.Equal(t, "/run/user/1000/42", v)
	v, _ = e.Lookup("EDITOR")
	assert.Equal(t, "vi", v)

	t.Setenv(dbusEnv, "unix:path=/custom")
	e, err = sessionEnv(c, "/rt", "")
	require.NoError(t, err)
	v, _ = e.Lookup(dbusEnv)
	assert.Equal(t, "unix:path=/custom", v)
	_, ok = e.Var[socketEnv]
	assert.False(t, ok)
}

func TestLoadConfigOverrides(t *testing.T) {
	c, err := loadConfig("", "desktop.target", []string{"/a", "/b"})
	require.NoError(t, err)
	assert.Equal(t, "desktop.target", c.Root)
	assert.Equal(t, []string{"/a", "/b"}, c.SearchDirs)

	_, err = loadConfig("", "../x", nil)
	assert.Error(t, err)
}

func TestInspectGraphOrder(t *testing.T) {
	fsys := afero.NewMemMapFs()
	dir := "/etc/x"
	require.NoError(t, afero.WriteFile(fsys, dir+"/default.service", []byte(`{"cmd":"sway","dependencies":["graphical.target"]}`), 0o644))
	require.NoError(t, afero.WriteFile(fsys, dir+"/graphical.target", []byte(`{"kind":"target","dependencies":["bar.service"]}`), 0o644))
	require.NoError(t, afero.WriteFile(fsys, dir+"/bar.service", []byte(`{"cmd":"waybar"}`), 0o644))

	nodes, err := inspectGraph(fsys, []string{dir}, "default.service", quietLogger())
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "bar.service", nodes[0].Name)
	assert.Equal(t, "target", nodes[1].Kind)
	assert.Equal(t, "default.service", nodes[2].Name)
	assert.Equal(t, dir+"/default.service", nodes[2].Source)
}

func TestCheckCommandJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.service"), []byte(`{"cmd":"/bin/true"}`), 0o644))

	var out bytes.Buffer
	err := checkGraph(&out, "", CheckFlags{Root: "default.service", SearchDirs: []string{dir}, JSON: true})
	require.NoError(t, err)
	var nodes []CheckedNode
	require.NoError(t, gojson.Unmarshal(out.Bytes(), &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "service", nodes[0].Kind)

	out.Reset()
	require.NoError(t, checkGraph(&out, "", CheckFlags{Root: "default.service", SearchDirs: []string{dir}}))
	assert.Contains(t, out.String(), "default.service")
	assert.Contains(t, out.String(), "DEPENDS ON")
}

func TestTemplateCreate(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "sub", "mako.service")
	var buf bytes.Buffer

	err := templateCreate(&buf, "", TemplateCreateFlags{Type: "daemon", Name: "mako.service", Output: out, Deps: []string{"dbus.service"}})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), out)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	d, err := node.ParseDescriptor(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"dbus.service"}, d.Dependencies)

	err = templateCreate(&buf, "", TemplateCreateFlags{Type: "daemon", Name: "mako.service", Output: out})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")
	require.NoError(t, templateCreate(&buf, "", TemplateCreateFlags{Type: "oneshot", Name: "mako.service", Output: out, Force: true}))

	err = templateCreate(&buf, "", TemplateCreateFlags{Type: "cron", Name: "x.service", Output: filepath.Join(dir, "x")})
	assert.Error(t, err)
}

func TestTemplateCreateDefaultsToFirstSearchDir(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "sessionr.toml")
	descDir := filepath.Join(dir, "descriptors")
	require.NoError(t, os.WriteFile(cfg, []byte("search_dirs = [\""+descDir+"\", \"/etc/x\"]\n"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, templateCreate(&buf, cfg, TemplateCreateFlags{Type: "target", Name: "graphical.target"}))
	_, err := os.Stat(filepath.Join(descDir, "graphical.target"))
	require.NoError(t, err)
}

type fakeSession struct {
	stops atomic.Int32
}

func (f *fakeSession) Root() string { return "default.service" }
func (f *fakeSession) SessionStatus() manager.SessionStatus { return manager.SessionRunning }
func (f *fakeSession) RequestStop() { f.stops.Add(1) }

func (f *fakeSession) Status() []manager.NodeStatus {
	code := 1
	return []manager.NodeStatus{
		{Name: "bar.service", Kind: node.KindService, Phase: node.PhaseRestartPending, Restarts: 2, LastExit: "exit status 1", ExitCode: &code},
		{Name: "default.service", Kind: node.KindService, Phase: node.PhaseRunning, PID: 4242},
	}
}

func (f *fakeSession) NodeStatus(name string) (manager.NodeStatus, bool) {
	for _, st := range f.Status() {
		if st.Name == name {
			return st, true
		}
	}
	return manager.NodeStatus{}, false
}

func TestStatusAndStopOverSocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sock := filepath.Join(t.TempDir(), "control.sock")
	sess := &fakeSession{}
	srv, err := server.ListenUnix(sock, server.NewRouter(sess, "").Handler())
	require.NoError(t, err)
	defer func() { _ = srv.Close(context.Background()) }()

	ctx := context.Background()
	f := ControlFlags{Socket: sock, Timeout: 2 * time.Second}

	var out bytes.Buffer
	require.NoError(t, showStatus(ctx, &out, f))
	text := out.String()
	assert.True(t, strings.HasPrefix(text, "session running (root default.service)"), text)
	assert.Contains(t, text, "restart_pending")
	assert.Contains(t, text, "4242")

	out.Reset()
	f.Name = "default.service"
	f.JSON = true
	require.NoError(t, showStatus(ctx, &out, f))
	assert.Contains(t, out.String(), `"pid": 4242`)

	f.Name = "nope.service"
	err = showStatus(ctx, &out, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not part of the session")

	out.Reset()
	require.NoError(t, requestStop(ctx, &out, ControlFlags{Socket: sock, Timeout: time.Second}))
	assert.Equal(t, "stop requested\n", out.String())
	assert.EqualValues(t, 1, sess.stops.Load())
}

func TestControlSocketFromEnvironment(t *testing.T) {
	t.Setenv(socketEnv, "")
	_, err := controlSocket(ControlFlags{})
	assert.Error(t, err)

	t.Setenv(socketEnv, "/run/user/1/5/control.sock")
	s, err := controlSocket(ControlFlags{})
	require.NoError(t, err)
	assert.Equal(t, "/run/user/1/5/control.sock", s)

	s, _ = controlSocket(ControlFlags{Socket: "/x.sock"})
	assert.Equal(t, "/x.sock", s)
}

func TestRunSessionToCompletion(t *testing.T) {
	if _, err := account.Current(); err != nil {
		t.Skipf("no passwd entry for current user: %v", err)
	}
	dir := t.TempDir()
	descDir := filepath.Join(dir, "d")
	require.NoError(t, os.MkdirAll(descDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(descDir, "default.service"),
		[]byte(`{"cmd":"/bin/true","restart":{"mode":"no"},"dependencies":["helper.target"]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(descDir, "helper.target"), []byte(`{"kind":"target"}`), 0o644))
	cfg := filepath.Join(dir, "sessionr.toml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
search_dirs = ["`+descDir+`"]
runtime_dir = "`+filepath.Join(dir, "rt")+`"
[log]
level = "error"
[control]
enabled = false
`), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := runSession(ctx, cfg, RunFlags{})
	require.NoError(t, err)
	assert.Equal(t, manager.SessionExited, res.Status)
	assert.Equal(t, "default.service", res.Root)
	_, err = os.Stat(filepath.Join(dir, "rt", pidfile.Name))
	assert.True(t, errors.Is(err, os.ErrNotExist), "pidfile left behind")

	// a live owner of the runtime dir blocks a second supervisor
	require.NoError(t, pidfile.Write(filepath.Join(dir, "rt", pidfile.Name), pidfile.Record{PID: os.Getpid()}))
	res, err = runSession(ctx, cfg, RunFlags{})
	assert.True(t, errors.Is(err, pidfile.ErrLocked), "got %v", err)
	assert.Equal(t, manager.SessionFailed, res.Status)
}
