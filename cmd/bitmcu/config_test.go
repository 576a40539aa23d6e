package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`models_dir: /srv/models
engine: process
engine_command: [./engine, --quiet]
engine_timeout: 5s
workers: 4
log_format: json
server_address: 0.0.0.0:9000
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := loadConfigFile(path)
	if cfg.ModelsDir != "/srv/models" || cfg.Engine != "process" || cfg.LogFormat != "json" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.EngineCommand) != 2 || cfg.EngineCommand[1] != "--quiet" {
		t.Fatalf("EngineCommand = %v", cfg.EngineCommand)
	}
	if cfg.EngineTimeout == nil || *cfg.EngineTimeout != 5*time.Second {
		t.Fatalf("EngineTimeout = %v", cfg.EngineTimeout)
	}
	if cfg.Workers == nil || *cfg.Workers != 4 || cfg.Limit != nil {
		t.Fatalf("Workers = %v Limit = %v", cfg.Workers, cfg.Limit)
	}
}

func TestLoadConfigFileMissingOrBroken(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if cfg := loadConfigFile(filepath.Join(dir, "none.yaml")); cfg.Engine != "" || cfg.Workers != nil {
		t.Fatalf("missing file cfg = %+v", cfg)
	}
	broken := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(broken, []byte("engine: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if cfg := loadConfigFile(broken); cfg.Engine != "" {
		t.Fatalf("broken file cfg = %+v", cfg)
	}
	if cfg := loadConfigFile(""); cfg.ModelsDir != "" {
		t.Fatalf("empty path cfg = %+v", cfg)
	}
}
