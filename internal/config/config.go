package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/sessionr/internal/logger"
	"github.com/loykin/sessionr/internal/node"
)

const (
	EnvPrefix         = "SESSIONR"
	DefaultRoot       = "default.service"
	ControlSocketName = "control.sock"
)

// Config represents the supervisor configuration file. Every key can be
// overridden with a SESSIONR_ environment variable, e.g.
// SESSIONR_LOG_LEVEL=debug or SESSIONR_CONTROL_ENABLED=false.
type Config struct {
	Root        string        `mapstructure:"root"`
	SearchDirs  []string      `mapstructure:"search_dirs"`
	Env         []string      `mapstructure:"env"`
	EnvFiles    []string      `mapstructure:"env_files"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	RuntimeDir  string        `mapstructure:"runtime_dir"`

	Log     LogConfig     `mapstructure:"log"`
	Control ControlConfig `mapstructure:"control"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
}

type LogConfig struct {
	Level      string           `mapstructure:"level"`
	Format     string           `mapstructure:"format"`
	Color      bool             `mapstructure:"color"`
	TimeStamps bool             `mapstructure:"timestamps"`
	File       string           `mapstructure:"file"`
	Process    ProcessLogConfig `mapstructure:"process"`
}

// ProcessLogConfig controls where child stdout/stderr go. With an empty Dir
// children inherit the supervisor's streams.
type ProcessLogConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ControlConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Socket  string `mapstructure:"socket"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// HistoryConfig selects the transition history sink. An empty DSN disables
// history export.
type HistoryConfig struct {
	DSN    string `mapstructure:"dsn"`
	Buffer int    `mapstructure:"buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root", DefaultRoot)
	v.SetDefault("search_dirs", []string{})
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("grace_period", "5s")
	v.SetDefault("runtime_dir", "")

	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", true)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.file", "")
	v.SetDefault("log.process.dir", "")
	v.SetDefault("log.process.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.process.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.process.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.process.compress", false)

	v.SetDefault("control.enabled", true)
	v.SetDefault("control.socket", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9464")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.buffer", 256)
}

// Load reads the configuration at path. The format follows the file
// extension (toml, yaml, json). An empty path yields the defaults plus any
// SESSIONR_ environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values that viper cannot type-check.
func (c *Config) Validate() error {
	var problems []error
	if err := node.ValidateName(c.Root); err != nil {
		problems = append(problems, fmt.Errorf("root: %w", err))
	}
	if c.GracePeriod <= 0 {
		problems = append(problems, fmt.Errorf("grace_period must be positive, got %v", c.GracePeriod))
	}
	switch logger.Level(strings.ToLower(c.Log.Level)) {
	case logger.LevelDebug, logger.LevelInfo, logger.LevelWarn, "warning", logger.LevelError:
	default:
		problems = append(problems, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch logger.Format(strings.ToLower(c.Log.Format)) {
	case logger.FormatText, logger.FormatJSON:
	default:
		problems = append(problems, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	for _, kv := range c.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			problems = append(problems, fmt.Errorf("env: entry %q is not KEY=VALUE", kv))
		}
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		problems = append(problems, errors.New("metrics.listen is required when metrics are enabled"))
	}
	return errors.Join(problems...)
}

// Logger returns the supervisor logging configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(strings.ToLower(c.Log.Level)),
			Format:     logger.Format(strings.ToLower(c.Log.Format)),
			Color:      c.Log.Color,
			TimeStamps: c.Log.TimeStamps,
			Output:     c.Log.File,
		},
		File: c.ProcessLog(),
	}
}

// ProcessLog returns the file logging configuration for child output.
func (c *Config) ProcessLog() logger.FileConfig {
	p := c.Log.Process
	return logger.FileConfig{
		Dir:        p.Dir,
		MaxSizeMB:  p.MaxSizeMB,
		MaxBackups: p.MaxBackups,
		MaxAgeDays: p.MaxAgeDays,
		Compress:   p.Compress,
	}
}

// GlobalEnv returns the session-wide variables: env_files in order, then
// the env list. Later entries win.
func (c *Config) GlobalEnv() ([]string, error) {
	var out []string
	for _, p := range c.EnvFiles {
		kvs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, kvs...)
	}
	return append(out, c.Env...), nil
}

// RuntimeDirFor returns the directory holding the control socket for a
// session started at now: runtime_dir when configured, otherwise
// $XDG_RUNTIME_DIR/<unix seconds>.
func (c *Config) RuntimeDirFor(now time.Time) (string, error) {
	if c.RuntimeDir != "" {
		return c.RuntimeDir, nil
	}
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		return "", errors.New("XDG_RUNTIME_DIR is not set and runtime_dir is empty")
	}
	return filepath.Join(base, strconv.FormatInt(now.Unix(), 10)), nil
}

// ControlSocket returns the control socket path inside runtimeDir unless one
// is configured explicitly.
func (c *Config) ControlSocket(runtimeDir string) string {
	if c.Control.Socket != "" {
		return c.Control.Socket
	}
	return filepath.Join(runtimeDir, ControlSocketName)
}

// LoadEnvFile parses a simple .env file and returns its "KEY=VALUE" entries
// in file order.
func LoadEnvFile(path string) ([]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if k, v, ok := strings.Cut(line, "="); ok {
			out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
		}
	}
	return out, nil
}
