package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/loykin/sessionr/internal/loader"
	"github.com/loykin/sessionr/internal/logger"
)

// CheckedNode is one line of `sessionr check --json`.
type CheckedNode struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	Dependencies []string `json:"dependencies,omitempty"`
	Source       string   `json:"source"`
}

// inspectGraph loads root and returns its nodes in start order.
func inspectGraph(fsys afero.Fs, dirs []string, root string, log *slog.Logger) ([]CheckedNode, error) {
	l := loader.New(fsys, dirs)
	l.SetLogger(log)
	if err := l.Load(root); err != nil {
		return nil, err
	}
	g := l.Nodes()
	order, err := g.TopoOrder(root)
	if err != nil {
		return nil, err
	}
	out := make([]CheckedNode, 0, len(order))
	for _, name := range order {
		n := g[name]
		out = append(out, CheckedNode{
			Name:         name,
			Kind:         n.Kind().String(),
			Dependencies: n.Dependencies(),
			Source:       l.Source(name),
		})
	}
	return out, nil
}

func checkGraph(w io.Writer, configPath string, f CheckFlags) error {
	c, err := loadConfig(configPath, f.Root, f.SearchDirs)
	if err != nil {
		return err
	}
	lc := c.Logger()
	lc.Slog.Level = logger.LevelWarn
	log := lc.NewSlogger()

	dirs, err := configuredDirs(c)
	if err != nil {
		return err
	}
	nodes, err := inspectGraph(afero.NewOsFs(), dirs, c.Root, log)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(w, nodes)
	}
	t := newTable("#", "NAME", "KIND", "DEPENDS ON", "SOURCE")
	for i, n := range nodes {
		t.Row(fmt.Sprint(i+1), n.Name, n.Kind, joinOrDash(n.Dependencies), n.Source)
	}
	return writeTable(w, t)
}
