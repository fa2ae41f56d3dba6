// Package config describes a VFS stack in YAML and builds it.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned for configurations that cannot be built.
var ErrInvalid = errors.New("invalid configuration")

// Config represents a VFS stack. A single layer is used as is; several
// layers are overlaid into a union, top first.
type Config struct {
	Layers []LayerConfig `yaml:"layers"`
	Union  UnionConfig   `yaml:"union"`
	Log    LogConfig     `yaml:"log"`
}

type LayerConfig struct {
	Backend BackendConfig  `yaml:"backend"`
	Filters []FilterConfig `yaml:"filters"` // innermost first
}

type BackendConfig struct {
	Kind          string `yaml:"kind"` // direct, cached, zip, zip-write, zip-rw, 7z or memory
	Path          string `yaml:"path"`
	Write         bool   `yaml:"write"`
	CaseSensitive *bool  `yaml:"case_sensitive"`
	Watch         bool   `yaml:"watch"`     // cached only
	StageDir      string `yaml:"stage_dir"` // zip-rw only
}

type FilterConfig struct {
	Kind      string `yaml:"kind"` // deflate, digest, caseless, prefix or instrument
	Level     *int   `yaml:"level"`
	Algorithm string `yaml:"algorithm"`
	Groups    int    `yaml:"groups"`
	Width     int    `yaml:"width"`
	Debug     bool   `yaml:"debug"`
	Path      string `yaml:"path"`
	Name      string `yaml:"name"`
}

type UnionConfig struct {
	LookupCache    time.Duration `yaml:"lookup_cache"`
	CopyBufferSize int           `yaml:"copy_buffer_size"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig returns configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Union: UnionConfig{
			CopyBufferSize: 32 * 1024,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which have no layers.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}

	return cfg, nil
}

var (
	backendKinds = map[string]bool{
		"direct": true, "cached": true, "zip": true, "zip-write": true,
		"zip-rw": true, "7z": true, "memory": true,
	}
	filterKinds = map[string]bool{
		"deflate": true, "digest": true, "caseless": true, "prefix": true, "instrument": true,
	}
)

// Validate checks kinds and required fields without touching storage.
func (c *Config) Validate() error {
	if len(c.Layers) == 0 {
		return fmt.Errorf("%w: no layers", ErrInvalid)
	}
	for i, l := range c.Layers {
		b := l.Backend
		if !backendKinds[b.Kind] {
			return fmt.Errorf("%w: layer %d: unknown backend kind %q", ErrInvalid, i, b.Kind)
		}
		if b.Kind != "memory" && b.Path == "" {
			return fmt.Errorf("%w: layer %d: %s backend needs a path", ErrInvalid, i, b.Kind)
		}
		for j, f := range l.Filters {
			if !filterKinds[f.Kind] {
				return fmt.Errorf("%w: layer %d filter %d: unknown kind %q", ErrInvalid, i, j, f.Kind)
			}
			if f.Kind == "prefix" && f.Path == "" {
				return fmt.Errorf("%w: layer %d filter %d: prefix needs a path", ErrInvalid, i, j)
			}
		}
	}
	if c.Union.LookupCache < 0 {
		return fmt.Errorf("%w: negative lookup cache ttl", ErrInvalid)
	}
	return nil
}
