package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuildRootCmd_HasSubcommands(t *testing.T) {
	root := buildRootCmd()
	want := map[string]bool{"chat": false, "version": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestLoadConfig_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Fatalf("expected default provider, got %q", cfg.LLM.Provider)
	}
}

func TestLoadConfig_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  provider: openai\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.LLM.Provider != "openai" {
		t.Fatalf("provider = %q, want openai", cfg.LLM.Provider)
	}
}

func TestDefaultConfigPath_EnvOverride(t *testing.T) {
	os.Setenv("CONDUCTOR_CONFIG", "/tmp/custom.yaml")
	defer os.Unsetenv("CONDUCTOR_CONFIG")
	if got := defaultConfigPath(); got != "/tmp/custom.yaml" {
		t.Fatalf("defaultConfigPath = %q", got)
	}
}
