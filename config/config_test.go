package config

import (
	"testing"

	"github.com/boxcast/coreproc/worker"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Topology != "all_to_all" {
		t.Fatalf("expected all_to_all default topology, got %q", cfg.Topology)
	}
	if cfg.MaxParallel != 1 {
		t.Fatalf("expected MaxParallel default of 1, got %d", cfg.MaxParallel)
	}
	if cfg.Lazy || cfg.EnableThreadedBLAS {
		t.Fatalf("expected Lazy/EnableThreadedBLAS to default false")
	}
}

func TestDecodeOverlaysDefaults(t *testing.T) {
	cfg, err := Decode(map[string]interface{}{
		"topology": "master_worker",
		"lazy":     "true", // WeaklyTypedInput should coerce the string
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Topology != "master_worker" {
		t.Fatalf("expected overlaid topology, got %q", cfg.Topology)
	}
	if !cfg.Lazy {
		t.Fatalf("expected lazy=true to be coerced from a string")
	}
	if cfg.MaxParallel != 1 {
		t.Fatalf("expected untouched fields to keep their default, got MaxParallel=%d", cfg.MaxParallel)
	}
}

func TestDecodeNilReturnsDefaults(t *testing.T) {
	cfg, err := Decode(nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Topology != Defaults().Topology {
		t.Fatalf("expected defaults when raw is nil")
	}
}

func TestValidateRejectsUnknownTopology(t *testing.T) {
	err := Validate(worker.Config{Topology: "mesh-of-everything"})
	if err == nil {
		t.Fatalf("expected an error for an unknown topology")
	}
}

func TestValidateAcceptsKnownTopologies(t *testing.T) {
	for _, topo := range []string{"all_to_all", "master_worker", "custom", ""} {
		if err := Validate(worker.Config{Topology: topo, MaxParallel: 1}); err != nil {
			t.Fatalf("topology %q should validate: %v", topo, err)
		}
	}
}

func TestValidateRejectsNegativeMaxParallel(t *testing.T) {
	err := Validate(worker.Config{Topology: "all_to_all", MaxParallel: -1})
	if err == nil {
		t.Fatalf("expected an error for a negative MaxParallel")
	}
}
