package node

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/loykin/sessionr/internal/errs"
)

// Descriptor is the on-disk form of one node. The file name is the node name.
type Descriptor struct {
	Name         string            `json:"name,omitempty"`
	Kind         string            `json:"kind,omitempty"`  // service (default) or target
	Group        string            `json:"group,omitempty"` // informational parent target
	Cmd          string            `json:"cmd,omitempty"`
	Args         []string          `json:"args,omitempty"`
	StopSignal   string            `json:"stop_signal,omitempty"` // SIGTERM, TERM or 15
	Restart      *RestartConfig    `json:"restart,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
}

// RestartConfig is the descriptor form of a RestartPolicy. Durations use
// time.ParseDuration syntax ("500ms", "2s").
type RestartConfig struct {
	Mode       string `json:"mode,omitempty"` // no, always, on-failure
	Delay      string `json:"delay,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
	ResetAfter string `json:"reset_after,omitempty"`
}

// ParseDescriptor decodes one descriptor document. Unknown fields are rejected
// so that typos in a config file surface instead of silently taking defaults,
// and so is anything after the document.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	dec := gojson.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, err
	}
	var extra gojson.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after descriptor")
	}
	return &d, nil
}

// ParseKind maps a descriptor kind value to a Kind. The empty string means service.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "service":
		return KindService, true
	case "target":
		return KindTarget, true
	}
	return 0, false
}

// Validate checks the descriptor against the name it was loaded under. It
// reports an InvalidKind error for an unknown kind and MalformedDescriptor for
// everything else.
func (d *Descriptor) Validate(name string) error {
	if err := ValidateName(name); err != nil {
		return errs.MalformedDescriptor(name, "", err)
	}
	if d.Name != "" && d.Name != name {
		return errs.MalformedDescriptor(name, "", fmt.Errorf("name %q does not match file name", d.Name))
	}
	kind, ok := ParseKind(d.Kind)
	if !ok {
		return errs.InvalidKind(name, d.Kind)
	}
	if kind == KindService && strings.TrimSpace(d.Cmd) == "" {
		return errs.MalformedDescriptor(name, "", fmt.Errorf("service requires cmd"))
	}
	if _, err := ParseSignal(d.StopSignal); err != nil {
		return errs.MalformedDescriptor(name, "", err)
	}
	if _, err := d.restartPolicy(); err != nil {
		return errs.MalformedDescriptor(name, "", err)
	}
	for _, dep := range d.Dependencies {
		if err := ValidateName(dep); err != nil {
			return errs.MalformedDescriptor(name, "", fmt.Errorf("dependency: %w", err))
		}
		if dep == name {
			return errs.CyclicDependency(name, []string{name})
		}
	}
	for k := range d.Environment {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return errs.MalformedDescriptor(name, "", fmt.Errorf("invalid environment key %q", k))
		}
	}
	return nil
}

// Build validates the descriptor and produces the immutable node. Dependency
// names are taken from the descriptor; the loader has resolved them already.
func (d *Descriptor) Build(name string) (*Node, error) {
	if err := d.Validate(name); err != nil {
		return nil, err
	}
	kind, _ := ParseKind(d.Kind)
	sig, _ := ParseSignal(d.StopSignal)
	policy, _ := d.restartPolicy()

	cfg := Config{
		Name:         name,
		Kind:         kind,
		Group:        d.Group,
		StopSignal:   sig,
		Dependencies: d.Dependencies,
		Environment:  d.Environment,
	}
	if kind == KindService {
		cfg.Command = d.Cmd
		cfg.Args = d.Args
		cfg.Restart = policy
	}
	return New(cfg), nil
}

func (d *Descriptor) restartPolicy() (RestartPolicy, error) {
	p := DefaultRestartPolicy()
	rc := d.Restart
	if rc == nil {
		return p, nil
	}
	mode, err := ParseRestartMode(rc.Mode)
	if err != nil {
		return p, err
	}
	p.Mode = mode
	if p.Delay, err = parseDuration("restart.delay", rc.Delay, p.Delay); err != nil {
		return p, err
	}
	if p.MaxDelay, err = parseDuration("restart.max_delay", rc.MaxDelay, p.MaxDelay); err != nil {
		return p, err
	}
	if p.ResetAfter, err = parseDuration("restart.reset_after", rc.ResetAfter, p.ResetAfter); err != nil {
		return p, err
	}
	if rc.MaxRetries < 0 {
		return p, fmt.Errorf("restart.max_retries must be >= 0")
	}
	p.MaxRetries = rc.MaxRetries
	if p.MaxDelay < p.Delay {
		p.MaxDelay = p.Delay
	}
	return p, nil
}

func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

// ValidateName rejects names that could escape a search directory.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty node name")
	case name == "." || name == "..":
		return fmt.Errorf("invalid node name %q", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("node name %q contains a path separator", name)
	}
	return nil
}
