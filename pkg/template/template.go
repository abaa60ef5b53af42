// Package template generates starter descriptor files for common kinds of
// session nodes.
package template

import (
	"fmt"
	"slices"

	gojson "github.com/goccy/go-json"

	"github.com/loykin/sessionr/internal/node"
)

// TemplateType represents the type of template to generate
type TemplateType string

const (
	TypeService  TemplateType = "service"  // long running, restarted on failure
	TypeDaemon   TemplateType = "daemon"   // long running, always restarted
	TypeOneshot  TemplateType = "oneshot"  // runs once at login
	TypeTarget   TemplateType = "target"   // groups other nodes
	TypeShell    TemplateType = "shell"    // the login shell as session root
	TypeDesktop  TemplateType = "desktop"  // compositor root depending on a target
	TypeSimple   TemplateType = "simple"
	TypeGrouping TemplateType = "group"
)

// Generator provides template generation functionality
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates a descriptor for name. Every generated descriptor passes
// the same validation the loader applies.
func (g *Generator) Generate(templateType TemplateType, name string, deps ...string) (*node.Descriptor, error) {
	var d *node.Descriptor
	switch templateType {
	case TypeService, TypeSimple:
		d = &node.Descriptor{
			Cmd:     "/usr/bin/" + trimSuffix(name),
			Restart: &node.RestartConfig{Mode: "on-failure", Delay: "1s", MaxDelay: "30s", MaxRetries: 5},
		}
	case TypeDaemon:
		d = &node.Descriptor{
			Cmd:     "/usr/bin/" + trimSuffix(name),
			Restart: &node.RestartConfig{Mode: "always", Delay: "500ms", MaxDelay: "1m", ResetAfter: "30s"},
		}
	case TypeOneshot:
		d = &node.Descriptor{
			Cmd:     "echo 'session " + name + " ready'",
			Restart: &node.RestartConfig{Mode: "no"},
		}
	case TypeTarget, TypeGrouping:
		d = &node.Descriptor{Kind: "target"}
	case TypeShell:
		d = &node.Descriptor{
			Cmd:        "/bin/sh",
			Args:       []string{"-l"},
			StopSignal: "SIGHUP",
			Restart:    &node.RestartConfig{Mode: "no"},
		}
	case TypeDesktop:
		d = &node.Descriptor{
			Cmd:         "/usr/bin/sway",
			StopSignal:  "SIGTERM",
			Restart:     &node.RestartConfig{Mode: "no"},
			Environment: map[string]string{"XDG_CURRENT_DESKTOP": "sway", "XDG_SESSION_TYPE": "wayland"},
		}
		if len(deps) == 0 {
			deps = []string{"graphical-session.target"}
		}
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: %v)", templateType, g.GetSupportedTypes())
	}
	d.Name = name
	if len(deps) > 0 {
		d.Dependencies = slices.Clone(deps)
	}
	if err := d.Validate(name); err != nil {
		return nil, err
	}
	return d, nil
}

// GenerateJSON returns the indented descriptor document for name.
func (g *Generator) GenerateJSON(templateType TemplateType, name string, deps ...string) ([]byte, error) {
	d, err := g.Generate(templateType, name, deps...)
	if err != nil {
		return nil, err
	}
	data, err := gojson.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return append(data, '\n'), nil
}

// GetSupportedTypes returns the primary template types.
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypeService),
		string(TypeDaemon),
		string(TypeOneshot),
		string(TypeTarget),
		string(TypeShell),
		string(TypeDesktop),
	}
}

func trimSuffix(name string) string {
	for _, s := range []string{".service", ".target"} {
		if len(name) > len(s) && name[len(name)-len(s):] == s {
			return name[:len(name)-len(s)]
		}
	}
	return name
}
