// Package config loads and stores graft configuration. Settings merge from
// the global ~/.graftconfig and the repository-local .graft/config.yaml,
// with the repository file taking precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RepoDir is the repository metadata directory.
const RepoDir = ".graft"

// Config holds all graft settings.
type Config struct {
	User UserConfig `yaml:"user"`
	Core CoreConfig `yaml:"core"`
}

// UserConfig holds user identity information.
type UserConfig struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// CoreConfig holds repository-level settings.
type CoreConfig struct {
	RepositoryID string        `yaml:"repository_id,omitempty"`
	LockTimeout  time.Duration `yaml:"lock_timeout,omitempty"`
	LogLevel     string        `yaml:"log_level,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Core: CoreConfig{
			RepositoryID: "default",
			LockTimeout:  30 * time.Second,
			LogLevel:     "info",
		},
	}
}

func globalConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".graftconfig"), nil
}

func repoConfigPath(root string) string {
	return filepath.Join(root, RepoDir, "config.yaml")
}

// Load merges the global and repository configuration for the repository
// rooted at root.
func Load(root string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath, err := globalConfigPath(); err == nil {
		if data, err := os.ReadFile(globalPath); err == nil {
			var global Config
			if err := yaml.Unmarshal(data, &global); err == nil {
				merge(cfg, &global)
			}
		}
	}

	if data, err := os.ReadFile(repoConfigPath(root)); err == nil {
		var repo Config
		if err := yaml.Unmarshal(data, &repo); err != nil {
			return nil, fmt.Errorf("parse %s: %w", repoConfigPath(root), err)
		}
		merge(cfg, &repo)
	}
	return cfg, nil
}

// SaveRepo writes the repository-local configuration.
func SaveRepo(root string, cfg *Config) error {
	path := repoConfigPath(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// SaveGlobal writes the global configuration.
func SaveGlobal(cfg *Config) error {
	path, err := globalConfigPath()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Get retrieves a value by dotted key, e.g. "user.name".
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "user.name":
		return c.User.Name, nil
	case "user.email":
		return c.User.Email, nil
	case "core.repository_id":
		return c.Core.RepositoryID, nil
	case "core.lock_timeout":
		return c.Core.LockTimeout.String(), nil
	case "core.log_level":
		return c.Core.LogLevel, nil
	}
	return "", fmt.Errorf("unknown config key %q", key)
}

// Set stores a value by dotted key, e.g. "user.name".
func (c *Config) Set(key, value string) error {
	switch key {
	case "user.name":
		c.User.Name = value
	case "user.email":
		c.User.Email = value
	case "core.repository_id":
		c.Core.RepositoryID = value
	case "core.lock_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse %q as duration: %w", value, err)
		}
		c.Core.LockTimeout = d
	case "core.log_level":
		c.Core.LogLevel = strings.ToLower(value)
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

// Author returns the commit author string "Name <email>", or just the name
// when no email is configured.
func (c *Config) Author() string {
	switch {
	case c.User.Name == "":
		return "unknown"
	case c.User.Email == "":
		return c.User.Name
	default:
		return fmt.Sprintf("%s <%s>", c.User.Name, c.User.Email)
	}
}

// merge copies non-zero values from src over dst.
func merge(dst, src *Config) {
	if src.User.Name != "" {
		dst.User.Name = src.User.Name
	}
	if src.User.Email != "" {
		dst.User.Email = src.User.Email
	}
	if src.Core.RepositoryID != "" {
		dst.Core.RepositoryID = src.Core.RepositoryID
	}
	if src.Core.LockTimeout != 0 {
		dst.Core.LockTimeout = src.Core.LockTimeout
	}
	if src.Core.LogLevel != "" {
		dst.Core.LogLevel = src.Core.LogLevel
	}
}
