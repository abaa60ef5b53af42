package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/loykin/sessionr/pkg/template"
)

// descriptorDir is where new descriptors go by default: the highest
// priority search directory.
func descriptorDir(configPath string) (string, error) {
	c, err := loadConfig(configPath, "", nil)
	if err != nil {
		return "", err
	}
	dirs, err := configuredDirs(c)
	if err != nil {
		return "", err
	}
	if len(dirs) == 0 {
		return "", fmt.Errorf("no descriptor directory configured")
	}
	return dirs[0], nil
}

// templateCreate writes a starter descriptor.
func templateCreate(w io.Writer, configPath string, f TemplateCreateFlags) error {
	content, err := template.NewGenerator().GenerateJSON(template.TemplateType(f.Type), f.Name, f.Deps...)
	if err != nil {
		return fmt.Errorf("failed to generate template: %w", err)
	}

	outputPath := f.Output
	if outputPath == "" {
		dir, err := descriptorDir(configPath)
		if err != nil {
			return err
		}
		outputPath = filepath.Join(dir, f.Name)
	}
	if _, err := os.Stat(outputPath); err == nil && !f.Force {
		return fmt.Errorf("descriptor '%s' already exists (use --force to overwrite)", outputPath)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("failed to create descriptor directory: %w", err)
	}
	if err := os.WriteFile(outputPath, content, 0o644); err != nil {
		return fmt.Errorf("failed to write descriptor: %w", err)
	}

	_, err = fmt.Fprintf(w, "Descriptor '%s' created: %s\nCheck it with: sessionr check --root %s\n", f.Name, outputPath, f.Name)
	return err
}
