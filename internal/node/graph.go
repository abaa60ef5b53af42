package node

import (
	"fmt"
	"slices"

	"github.com/loykin/sessionr/internal/errs"
)

// Graph maps node names to loaded nodes.
type Graph map[string]*Node

// Names returns the node names in sorted order.
func (g Graph) Names() []string {
	out := make([]string, 0, len(g))
	for name := range g {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Dependents returns the reverse edges: for each node, the nodes that list it
// as a dependency. Lists are sorted.
func (g Graph) Dependents() map[string][]string {
	out := make(map[string][]string, len(g))
	for _, name := range g.Names() {
		for _, dep := range g[name].deps {
			out[dep] = append(out[dep], name)
		}
	}
	return out
}

// Reachable returns root and every node it transitively depends on, sorted.
// Names missing from the graph are skipped.
func (g Graph) Reachable(root string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(name string) {
		n, ok := g[name]
		if !ok || seen[name] {
			return
		}
		seen[name] = true
		for _, d := range n.deps {
			walk(d)
		}
	}
	walk(root)
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// TopoOrder lists the nodes reachable from root with every dependency before
// its dependents. Ties are broken by name so the order is stable.
func (g Graph) TopoOrder(root string) ([]string, error) {
	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	var order []string
	var path []string

	var visit func(name, requiredBy string) error
	visit = func(name, requiredBy string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return errs.CyclicDependency(name, slices.Clone(path))
		}
		n, ok := g[name]
		if !ok {
			e := errs.New(errs.CodeFileNotFound, name, fmt.Sprintf("node %q is not part of the graph", name))
			if requiredBy != "" {
				e.WithDetail("required_by", requiredBy)
			}
			return e
		}
		state[name] = visiting
		path = append(path, name)
		for _, d := range n.deps {
			if err := visit(d, name); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		order = append(order, name)
		return nil
	}
	if err := visit(root, ""); err != nil {
		return nil, err
	}
	return order, nil
}

// Validate checks that every node reachable from root exists and that the
// subgraph is acyclic.
func (g Graph) Validate(root string) error {
	_, err := g.TopoOrder(root)
	return err
}

// Equal reports structural equality of two graphs.
func (g Graph) Equal(o Graph) bool {
	if len(g) != len(o) {
		return false
	}
	for name, n := range g {
		if !n.Equal(o[name]) {
			return false
		}
	}
	return true
}
