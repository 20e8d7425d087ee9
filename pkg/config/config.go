package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration, loaded from YAML with flag overrides
// applied by the CLI.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	// Durability is fast, normal or paranoid.
	Durability   string `yaml:"durability"`
	HistoryLimit int    `yaml:"history_limit"`

	Compaction struct {
		Interval           time.Duration `yaml:"interval"`
		TombstoneRetention time.Duration `yaml:"tombstone_retention"`
	} `yaml:"compaction"`

	Changelog struct {
		Retention time.Duration `yaml:"retention"`
		SizeCap   int64         `yaml:"size_cap"`
	} `yaml:"changelog"`

	PlanCacheSize   int `yaml:"plan_cache_size"`
	MaxCascadeDepth int `yaml:"max_cascade_depth"`

	Budget struct {
		MaxEntities int `yaml:"max_entities"`
		MaxEdges    int `yaml:"max_edges"`
		MaxDepth    int `yaml:"max_depth"`
	} `yaml:"budget"`

	// SchemaFile optionally names a schema bundle applied at startup.
	SchemaFile string `yaml:"schema_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		DataDir:      "./data",
		Durability:   "normal",
		HistoryLimit: 10,
	}
	cfg.Log.Level = "info"
	cfg.Compaction.Interval = 5 * time.Minute
	cfg.Compaction.TombstoneRetention = time.Hour
	cfg.Changelog.Retention = 7 * 24 * time.Hour
	return cfg
}

// LoadFile reads a YAML config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
