// Package config decodes the loosely-typed configuration payloads that
// arrive over JoinPGRP, CLI flags, or environment variables into the
// typed worker.Config spec.md §6 describes, the way the teacher decodes
// its own agent/RPC configuration.
package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/boxcast/coreproc/worker"
)

// Defaults mirrors the teacher's own "zero-value config is a sane
// single-process default" convention.
func Defaults() worker.Config {
	return worker.Config{
		Topology:           "all_to_all",
		Lazy:               false,
		EnableThreadedBLAS: false,
		MaxParallel:        1,
		Env:                map[string]string{},
		ExeFlags:           nil,
	}
}

// Decode converts a generic map (as arrives over the wire, from a TOML/
// JSON file, or from parsed CLI flags) into a worker.Config, starting
// from Defaults and overlaying whatever raw sets.
func Decode(raw map[string]interface{}) (worker.Config, error) {
	cfg := Defaults()
	if raw == nil {
		return cfg, nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
		TagName:          "mapstructure",
	})
	if err != nil {
		return worker.Config{}, fmt.Errorf("config: building decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return worker.Config{}, fmt.Errorf("config: decoding worker config: %w", err)
	}
	return cfg, nil
}

// Validate applies spec.md §6's knob constraints.
func Validate(cfg worker.Config) error {
	switch cfg.Topology {
	case "all_to_all", "master_worker", "custom", "":
	default:
		return fmt.Errorf("config: unknown topology %q", cfg.Topology)
	}
	if cfg.MaxParallel < 0 {
		return fmt.Errorf("config: max_parallel must be >= 0, got %d", cfg.MaxParallel)
	}
	return nil
}
