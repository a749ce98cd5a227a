package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingDefaultIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "metac.toml"), false)
	if err != nil {
		t.Fatalf("missing default config should not error: %v", err)
	}
	if cfg != Default() {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadMissingExplicitFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml"), true); err == nil {
		t.Fatal("expected an error for a missing explicit config")
	}
}

func TestLoadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metac.toml")
	content := `
stack_size = 131072
instruction_quota = 1000000
cache_path = "/tmp/metac-cache.db"
debug = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.StackSize != 131072 {
		t.Errorf("stack_size: got %d", cfg.StackSize)
	}
	if cfg.InstructionQuota != 1000000 {
		t.Errorf("instruction_quota: got %d", cfg.InstructionQuota)
	}
	if cfg.CachePath != "/tmp/metac-cache.db" {
		t.Errorf("cache_path: got %q", cfg.CachePath)
	}
	if !cfg.Debug {
		t.Error("debug flag not read")
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metac.toml")
	if err := os.WriteFile(path, []byte("stack_size = ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, true); err == nil {
		t.Fatal("expected an error for malformed TOML")
	}
}
