// Package loader resolves node descriptors from layered directories into a
// validated dependency graph.
package loader

import (
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"

	"github.com/loykin/sessionr/internal/errs"
	"github.com/loykin/sessionr/internal/node"
)

// LoadTree loads root and everything it depends on from the OS filesystem.
// Earlier directories take priority over later ones.
func LoadTree(dirs []string, root string) (node.Graph, error) {
	l := New(afero.NewOsFs(), dirs)
	if err := l.Load(root); err != nil {
		return nil, err
	}
	return l.Nodes(), nil
}

// Loader accumulates nodes across Load calls. It is not safe for concurrent use.
type Loader struct {
	fs     afero.Fs
	dirs   []string
	logger *slog.Logger

	loaded     node.Graph
	sources    map[string]string
	inProgress map[string]bool
	path       []string
}

func New(fsys afero.Fs, dirs []string) *Loader {
	return &Loader{
		fs:         fsys,
		dirs:       slices.Clone(dirs),
		logger:     slog.Default(),
		loaded:     node.Graph{},
		sources:    map[string]string{},
		inProgress: map[string]bool{},
	}
}

// SetLogger replaces the logger used for resolution traces.
func (l *Loader) SetLogger(lg *slog.Logger) {
	if lg != nil {
		l.logger = lg
	}
}

// Load resolves name and its transitive dependencies. Nodes already loaded by
// an earlier call are reused as-is. On error, nodes that were fully resolved
// before the failure stay loaded.
func (l *Loader) Load(name string) error {
	l.path = l.path[:0]
	clear(l.inProgress)
	return l.load(name, "")
}

// Nodes returns a copy of the loaded graph.
func (l *Loader) Nodes() node.Graph {
	g := make(node.Graph, len(l.loaded))
	for k, v := range l.loaded {
		g[k] = v
	}
	return g
}

// Source returns the file a loaded node was read from.
func (l *Loader) Source(name string) string { return l.sources[name] }

func (l *Loader) load(name, requiredBy string) error {
	if _, ok := l.loaded[name]; ok {
		return nil
	}
	if l.inProgress[name] {
		return errs.CyclicDependency(name, slices.Clone(l.path))
	}
	if err := node.ValidateName(name); err != nil {
		e := errs.MalformedDescriptor(name, "", err)
		if requiredBy != "" {
			e.WithDetail("required_by", requiredBy)
		}
		return e
	}

	path, data, err := l.find(name)
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) && requiredBy != "" {
			e.WithDetail("required_by", requiredBy)
		}
		return err
	}
	desc, err := node.ParseDescriptor(data)
	if err != nil {
		return errs.MalformedDescriptor(name, path, err)
	}
	if err := desc.Validate(name); err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			e.WithDetail("path", path)
		}
		return err
	}
	l.logger.Debug("descriptor resolved", "node", name, "path", path)

	l.inProgress[name] = true
	l.path = append(l.path, name)
	for _, dep := range desc.Dependencies {
		if err := l.load(dep, name); err != nil {
			return err
		}
	}
	l.path = l.path[:len(l.path)-1]
	delete(l.inProgress, name)

	n, err := desc.Build(name)
	if err != nil {
		return err
	}
	l.loaded[name] = n
	l.sources[name] = path
	return nil
}

// find returns the first directory's copy of name. A directory that does not
// exist is skipped like one that lacks the file.
func (l *Loader) find(name string) (string, []byte, error) {
	for _, dir := range l.dirs {
		p := filepath.Join(dir, name)
		fi, err := l.fs.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", nil, errs.MalformedDescriptor(name, p, err)
		}
		if fi.IsDir() {
			continue
		}
		data, err := afero.ReadFile(l.fs, p)
		if err != nil {
			return "", nil, errs.MalformedDescriptor(name, p, err)
		}
		return p, data, nil
	}
	return "", nil, errs.FileNotFound(name, l.dirs)
}
