// Package config loads engine settings from an optional YAML file with
// environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// WorkerCount is the size of the worker pool.
	WorkerCount int `yaml:"worker_count" json:"worker_count"`

	// AllowedImports extends the built-in import allow-list.
	AllowedImports []string `yaml:"allowed_imports" json:"allowed_imports"`

	// PreloadModules extends the namespaces bound without an import.
	PreloadModules []string `yaml:"preload_modules" json:"preload_modules"`

	// CalcTimeoutMS bounds a single calculation dispatch.
	CalcTimeoutMS int `yaml:"calc_timeout_ms" json:"calc_timeout_ms"`
}

func Default() Config {
	return Config{
		WorkerCount:   5,
		CalcTimeoutMS: 5000,
	}
}

// Load reads the YAML file when path is non-empty, then applies environment
// overrides. Unset fields keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if cfg.WorkerCount < 1 {
		return cfg, fmt.Errorf("worker_count must be at least 1, got %d", cfg.WorkerCount)
	}
	if cfg.CalcTimeoutMS < 1 {
		return cfg, fmt.Errorf("calc_timeout_ms must be positive, got %d", cfg.CalcTimeoutMS)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PARASCOPE_WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PARASCOPE_WORKER_COUNT: %w", err)
		}
		c.WorkerCount = n
	}
	if v := os.Getenv("PARASCOPE_ALLOWED_IMPORTS"); v != "" {
		c.AllowedImports = append(c.AllowedImports, splitList(v)...)
	}
	if v := os.Getenv("PARASCOPE_PRELOAD_MODULES"); v != "" {
		c.PreloadModules = append(c.PreloadModules, splitList(v)...)
	}
	if v := os.Getenv("PARASCOPE_CALC_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PARASCOPE_CALC_TIMEOUT_MS: %w", err)
		}
		c.CalcTimeoutMS = n
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) CalcTimeout() time.Duration {
	return time.Duration(c.CalcTimeoutMS) * time.Millisecond
}
