package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tarsier.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
search_paths:
  - /opt/sysroot/lib
preload:
  - libhelper.so
overrides:
  - lib: libtarget.so
    symbol: rand
    value: 0x1000
  - lib: libtarget.so
    symbol: getenv
script: watch.js
verbose: true
max_insn: 100
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.SearchPaths) != 1 || cfg.SearchPaths[0] != "/opt/sysroot/lib" {
		t.Errorf("search paths: %v", cfg.SearchPaths)
	}
	if len(cfg.Preload) != 1 || cfg.Preload[0] != "libhelper.so" {
		t.Errorf("preload: %v", cfg.Preload)
	}
	if len(cfg.Overrides) != 2 {
		t.Fatalf("overrides: %v", cfg.Overrides)
	}
	if cfg.Overrides[0].Value != 0x1000 {
		t.Errorf("override value: %#x", cfg.Overrides[0].Value)
	}
	if cfg.Overrides[1].Value != 0 {
		t.Errorf("omitted value should be zero, got %#x", cfg.Overrides[1].Value)
	}
	if cfg.Script != "watch.js" || !cfg.Verbose || cfg.MaxInsn != 100 {
		t.Errorf("cfg: %+v", cfg)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxInsn != 500 {
		t.Errorf("default max_insn: %d", cfg.MaxInsn)
	}
	if cfg.Verbose || cfg.NoColor {
		t.Errorf("defaults: %+v", cfg)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalid(t *testing.T) {
	path := writeConfig(t, "search_paths: {not: a list")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
