// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package alloc

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the knobs that govern how the transient allocator
// grows heaps and reclaims memory. It is additive: a caller that
// never loads one gets DefaultConfig.
type Config struct {
	// HeapGranularity is the minimum size, in bytes, requested
	// from the backend's HeapAllocator whenever no existing free
	// segment satisfies a request. Larger values trade memory for
	// fewer heap-creation round-trips.
	HeapGranularity int64 `yaml:"heap_granularity"`
	// BudgetBytes caps the total bytes the allocator may request
	// from the backend across every category, combined. Zero
	// means unbounded (the backend's own limits still apply). A
	// request that would exceed the budget fails with a
	// CapacityError instead of reaching the backend.
	BudgetBytes int64 `yaml:"budget_bytes"`
}

// DefaultConfig is used whenever no YAML file is supplied.
var DefaultConfig = Config{
	HeapGranularity: 16 << 20, // 16 MiB
	BudgetBytes:     0,
}

// LoadConfig reads an AllocatorConfig from a YAML file at path. A
// missing file is not an error: DefaultConfig is returned instead,
// since the config layer is optional by design.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.HeapGranularity <= 0 {
		cfg.HeapGranularity = DefaultConfig.HeapGranularity
	}
	return cfg, nil
}
