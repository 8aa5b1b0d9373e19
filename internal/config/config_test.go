package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() failed validation: %v", err)
	}
}

func TestLoadOverridesPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
listen_address: "0.0.0.0:9000"
window_size: 8
registry:
  global: 64
  per_peer: 10
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:9000" {
		t.Errorf("ListenAddress = %q, want override", cfg.ListenAddress)
	}
	if cfg.WindowSize != 8 {
		t.Errorf("WindowSize = %d, want 8", cfg.WindowSize)
	}
	if cfg.Registry.Global != 64 || cfg.Registry.PerPeer != 10 {
		t.Errorf("Registry = %+v, want overridden caps", cfg.Registry)
	}
	// Untouched fields retain their defaults.
	if cfg.Conversion.WallClockCap != Default().Conversion.WallClockCap {
		t.Errorf("Conversion.WallClockCap was unexpectedly overridden")
	}
}

func TestValidateRejectsBadWindowSize(t *testing.T) {
	cfg := Default()
	cfg.WindowSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for window_size=0")
	}
}

func TestValidateRejectsInvertedChunkBounds(t *testing.T) {
	cfg := Default()
	cfg.ChunkSizes.MinBytes = 100
	cfg.ChunkSizes.MaxBytes = 10
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for inverted chunk bounds")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error loading nonexistent file")
	}
}
