package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestProcessWriters(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name    string
		file    FileConfig
		wantOut string // expected stdout path, "" means no writer
		wantErr string
	}{
		{
			name:    "dir derives both paths",
			file:    FileConfig{Dir: dir},
			wantOut: filepath.Join(dir, "waybar.service.stdout.log"),
			wantErr: filepath.Join(dir, "waybar.service.stderr.log"),
		},
		{
			name:    "explicit paths win over dir",
			file:    FileConfig{Dir: dir, StdoutPath: filepath.Join(dir, "bar.out"), StderrPath: filepath.Join(dir, "bar.err")},
			wantOut: filepath.Join(dir, "bar.out"),
			wantErr: filepath.Join(dir, "bar.err"),
		},
		{
			name:    "stdout only",
			file:    FileConfig{StdoutPath: filepath.Join(dir, "only.out")},
			wantOut: filepath.Join(dir, "only.out"),
		},
		{
			name:    "stderr only",
			file:    FileConfig{StderrPath: filepath.Join(dir, "only.err")},
			wantErr: filepath.Join(dir, "only.err"),
		},
		{name: "nothing configured"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outW, errW, err := Config{File: tc.file}.ProcessWriters("waybar.service")
			require.NoError(t, err)
			defer closeIf(outW)
			defer closeIf(errW)
			for _, w := range []struct {
				wc   io.WriteCloser
				path string
			}{{outW, tc.wantOut}, {errW, tc.wantErr}} {
				if w.path == "" {
					if w.wc != nil {
						t.Fatalf("unexpected writer")
					}
					continue
				}
				if w.wc == nil {
					t.Fatalf("missing writer for %s", w.path)
				}
				_, _ = w.wc.Write([]byte("line\n"))
				if _, err := os.Stat(w.path); err != nil {
					t.Fatalf("log not created at %s: %v", w.path, err)
				}
			}
		})
	}
}

func TestRotationSettings(t *testing.T) {
	dir := t.TempDir()
	outW, errW, err := FileConfig{Dir: dir}.Writers("mako.service")
	require.NoError(t, err)
	defer closeIf(outW)
	defer closeIf(errW)
	ol, ok := outW.(*lj.Logger)
	require.True(t, ok, "stdout writer is %T", outW)
	assert.Equal(t, DefaultMaxSizeMB, ol.MaxSize)
	assert.Equal(t, DefaultMaxBackups, ol.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, ol.MaxAge)
	assert.False(t, ol.Compress)

	outW2, errW2, err := FileConfig{Dir: dir, MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.Writers("mako.service")
	require.NoError(t, err)
	defer closeIf(outW2)
	defer closeIf(errW2)
	el := errW2.(*lj.Logger)
	assert.Equal(t, 1, el.MaxSize)
	assert.Equal(t, 9, el.MaxBackups)
	assert.Equal(t, 11, el.MaxAge)
	assert.True(t, el.Compress)
}

func TestWriters_DirIsCreated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	outW, errW, err := FileConfig{Dir: dir}.Writers("panel.service")
	require.NoError(t, err)
	defer closeIf(outW)
	defer closeIf(errW)
	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestSlogHandlerFormats(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(SlogConfig{Level: LevelDebug, Format: FormatJSON}.Handler(&buf))
	lg.Debug("phase change", "node", "a.service")
	assert.Contains(t, buf.String(), `"msg":"phase change"`)
	assert.Contains(t, buf.String(), `"node":"a.service"`)
	assert.NotContains(t, buf.String(), `"time"`)

	buf.Reset()
	lg = slog.New(SlogConfig{Level: LevelWarn, Format: FormatText}.Handler(&buf))
	lg.Info("hidden")
	lg.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestColorHandlerKeepsColorThroughWith(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false)
	lg := slog.New(h).With("node", "x").WithGroup("g")
	lg.Error("boom", "k", 1)
	out := buf.String()
	assert.Contains(t, out, "\033[31mERROR\033[0m")
	assert.Contains(t, out, "node=x")
	assert.Contains(t, out, "g.k=1")
	assert.False(t, strings.HasPrefix(out, "time="))
}

func TestNewSloggerToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessionr.log")
	cfg := Config{Slog: SlogConfig{Level: LevelInfo, Format: FormatText, Output: path}}
	cfg.NewProcessLogger("bar.service").Info("started", "pid", 42)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "node=bar.service")
	assert.Contains(t, string(b), "pid=42")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
