package env

import (
	"maps"
	"os"
	"slices"
	"strings"
)

type Var map[string]string

// Env composes child process environments from three layers: the
// supervisor's own environment, session-wide variables, and per-node overrides.
type Env struct {
	Var Var // session-wide variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// WithBase replaces the cached base layer. Used by tests and by callers that
// want a clean environment instead of the supervisor's.
func (e *Env) WithBase(kvs []string) *Env {
	e.env = parse(kvs)
	return e
}

// WithGlobal applies a list of "K=V" entries as session-wide variables.
func (e *Env) WithGlobal(kvs []string) *Env {
	for k, v := range parse(kvs) {
		e.Set(k, v)
	}
	return e
}

// WithSet is the chaining form of Set.
func (e *Env) WithSet(k, v string) *Env {
	e.Set(k, v)
	return e
}

// Set sets a session-wide variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a session-wide variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Lookup returns the value a child would see for k without node overrides.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.Var[k]; ok {
		return v, true
	}
	v, ok := e.base()[k]
	return v, ok
}

// base returns the cached base layer, or a fresh read of the OS environment
// when none was cached. It never mutates e so Merge is safe for concurrent use.
func (e *Env) base() Var {
	if e.env != nil {
		return e.env
	}
	return parse(os.Environ())
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then session-wide e.Var overrides
// then the node's overrides.
// ${VAR} inside a layer's value expands against the layers below it, so
// PATH=${PATH}:/opt/bin extends rather than recurses. The result is sorted.
func (e *Env) Merge(overrides map[string]string) []string {
	m := maps.Clone(e.base())
	if m == nil {
		m = make(Var)
	}
	apply(m, e.Var)
	apply(m, overrides)

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

func apply(m Var, layer map[string]string) {
	if len(layer) == 0 {
		return
	}
	below := maps.Clone(m)
	for k, v := range layer {
		if k == "" {
			continue
		}
		m[k] = expand(v, below)
	}
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+2+j+1:]
	}
	b.WriteString(s)
	return b.String()
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}
