// Package config loads stagehand configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/stagehand/internal/syncer"
)

const (
	// DefaultFileName is the project-local config file.
	DefaultFileName = "stagehand.yaml"

	// DefaultManagedDir is the managed directory under the project root.
	DefaultManagedDir = ".stagehand"

	// envPrefix namespaces stagehand environment variables.
	envPrefix = "STAGEHAND_"

	maxConfigFileSize = 1024 * 1024
)

// Load reads configuration with the following precedence, highest first:
//
//  1. Environment variables (STAGEHAND_PROJECT_ROOT, STAGEHAND_SYNC_STRATEGY, ...)
//  2. YAML config file (stagehand.yaml in the working directory by default)
//  3. Built-in defaults
//
// Environment variables map to config keys by stripping the prefix and
// splitting on the first underscore:
//
//	STAGEHAND_PROJECT_ROOT    -> project.root
//	STAGEHAND_SYNC_STRATEGY   -> sync.strategy
//	STAGEHAND_LOGGING_LEVEL   -> logging.level
//
// STAGEHAND_ROOT is a shorthand override for project.root.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		configPath = DefaultFileName
	}

	if info, err := os.Stat(configPath); err == nil {
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// STAGEHAND_PROJECT_ROOT -> project.root: section before the
		// first underscore, field after it.
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if root := os.Getenv("STAGEHAND_ROOT"); root != "" {
		cfg.Project.Root = root
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills missing configuration fields.
func applyDefaults(cfg *Config) error {
	if cfg.Project.Root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		cfg.Project.Root = wd
	}
	abs, err := filepath.Abs(cfg.Project.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve project root: %w", err)
	}
	cfg.Project.Root = abs

	if cfg.Project.ManagedDir == "" {
		cfg.Project.ManagedDir = DefaultManagedDir
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = filepath.Base(cfg.Project.Root)
	}

	if cfg.Sync.Strategy == "" {
		cfg.Sync.Strategy = string(syncer.StrategyLastWriteWins)
	}
	if len(cfg.Sync.Files) == 0 {
		cfg.Sync.Files = []TrackedFileConfig{
			{Path: "memory.md", Kind: string(syncer.KindMemory)},
			{Path: "backlog.md", Kind: string(syncer.KindBacklog)},
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	return nil
}

// ManagedRoot is the absolute managed directory path.
func (c *Config) ManagedRoot() string {
	return filepath.Join(c.Project.Root, c.Project.ManagedDir)
}

// TrackedFiles resolves the configured sync files against the project root.
func (c *Config) TrackedFiles() []syncer.TrackedFile {
	out := make([]syncer.TrackedFile, 0, len(c.Sync.Files))
	for _, f := range c.Sync.Files {
		path := f.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.Project.Root, path)
		}
		out = append(out, syncer.TrackedFile{
			Path: path,
			Kind: syncer.FileKind(f.Kind),
		})
	}
	return out
}
