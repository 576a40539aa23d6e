package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the bitmcu configuration file (~/.config/bitmcu/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelsDir string `yaml:"models_dir"`

	// Deployment engine
	Engine        string         `yaml:"engine"`
	EngineCommand []string       `yaml:"engine_command"`
	EngineURL     string         `yaml:"engine_url"`
	EngineTimeout *time.Duration `yaml:"engine_timeout"`

	// Verification
	Workers *int64 `yaml:"workers"`
	Limit   *int64 `yaml:"limit"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "bitmcu", "config.yaml")
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyEngineConfig applies config file defaults to the model and engine
// flags when the corresponding CLI flag was not explicitly set.
func applyEngineConfig(c *cli.Command, cfg Config) {
	if cfg.ModelsDir != "" && !c.IsSet("models-path") {
		modelsPath = cfg.ModelsDir
	}
	if cfg.Engine != "" && !c.IsSet("engine") {
		engineKind = cfg.Engine
	}
	if len(cfg.EngineCommand) > 0 && !c.IsSet("engine-cmd") {
		engineCommand = cfg.EngineCommand
	}
	if cfg.EngineURL != "" && !c.IsSet("engine-url") {
		engineURL = cfg.EngineURL
	}
	if cfg.EngineTimeout != nil && !c.IsSet("engine-timeout") {
		engineTimeout = *cfg.EngineTimeout
	}
}

// applyVerifyConfig applies config file defaults to verify command variables.
func applyVerifyConfig(c *cli.Command, cfg Config, workers, limit *int64) {
	applyEngineConfig(c, cfg)
	if cfg.Workers != nil && !c.IsSet("workers") {
		*workers = *cfg.Workers
	}
	if cfg.Limit != nil && !c.IsSet("limit") {
		*limit = *cfg.Limit
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyEngineConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return loadConfigFile(configPath())
}

func loadConfigFile(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
