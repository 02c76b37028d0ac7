// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package alloc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileYieldsDefault(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg != DefaultConfig {
		t.Fatalf("expected DefaultConfig for a missing file, got %+v", cfg)
	}
}

func TestLoadConfigOverridesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alloc.yaml")
	data := []byte("heap_granularity: 1048576\nbudget_bytes: 268435456\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HeapGranularity != 1<<20 {
		t.Fatalf("expected HeapGranularity 1MiB, got %d", cfg.HeapGranularity)
	}
	if cfg.BudgetBytes != 256<<20 {
		t.Fatalf("expected BudgetBytes 256MiB, got %d", cfg.BudgetBytes)
	}
}

func TestLoadConfigZeroGranularityFallsBackToDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alloc.yaml")
	if err := os.WriteFile(path, []byte("heap_granularity: 0\nbudget_bytes: 100\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HeapGranularity != DefaultConfig.HeapGranularity {
		t.Fatalf("expected the default heap granularity when zero, got %d", cfg.HeapGranularity)
	}
}
