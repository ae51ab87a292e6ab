package accessplugin

import (
	"context"
	"testing"
	"time"
)

// buildChallengeModule returns the smallest valid WASM binary: the magic
// number and version with no sections, so it exports none of alloc, memory,
// challenge, verify or subject_of. It is written out by hand from the wasm
// binary format rather than via a toolchain, since this package must never
// invoke one.
func buildChallengeModule(t *testing.T) []byte {
	t.Helper()
	// A minimal valid WASM module: magic + version, no exported functions.
	// Exercises the "no export" fault path without needing a real compiler.
	return []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
}

func TestNewHostDefaultsConfig(t *testing.T) {
	ctx := context.Background()
	h, err := NewHost(ctx, Config{})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer h.Close(ctx)

	if h.invokeTimeout != DefaultInvokeTimeout {
		t.Fatalf("invokeTimeout = %v, want %v", h.invokeTimeout, DefaultInvokeTimeout)
	}
	if h.aggregateMemoryLimit != DefaultAggregateMemoryLimitPages {
		t.Fatalf("aggregateMemoryLimit = %d, want %d", h.aggregateMemoryLimit, DefaultAggregateMemoryLimitPages)
	}
}

func TestLoadFromBytesRejectsInvalidModule(t *testing.T) {
	ctx := context.Background()
	h, err := NewHost(ctx, Config{})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer h.Close(ctx)

	err = h.loadFromBytes(ctx, "empty", buildChallengeModule(t))
	if err == nil {
		t.Fatal("expected an error compiling a module with no exports reachable by our ABI")
	}
}

func TestChallengeWithoutLoadedModuleFails(t *testing.T) {
	ctx := context.Background()
	h, err := NewHost(ctx, Config{})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer h.Close(ctx)

	_, err = h.Challenge(ctx)
	if err == nil {
		t.Fatal("expected an error when no access plug-in is loaded")
	}
	fault, ok := err.(*Fault)
	if !ok {
		t.Fatalf("err = %T, want *Fault", err)
	}
	if fault.Reason != FaultModuleNotFound {
		t.Fatalf("fault.Reason = %q, want %q", fault.Reason, FaultModuleNotFound)
	}
}

func TestAggregateMemoryLimitRejectsOversizedModule(t *testing.T) {
	ctx := context.Background()
	h, err := NewHost(ctx, Config{AggregateMemoryLimitPages: 1})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer h.Close(ctx)

	// Force the aggregate bookkeeping directly, since authoring a real
	// multi-page WASM module byte-by-byte isn't worth it for this check.
	h.moduleMemoryPages["other"] = 1

	err = h.loadFromBytes(ctx, "new", buildChallengeModule(t))
	if err == nil {
		t.Fatal("expected aggregate memory limit to reject the new module")
	}
}

func TestNewHostKeepsConfiguredInvokeTimeout(t *testing.T) {
	ctx := context.Background()
	h, err := NewHost(ctx, Config{InvokeTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer h.Close(ctx)

	if h.invokeTimeout != 10*time.Millisecond {
		t.Fatalf("invokeTimeout = %v, want 10ms", h.invokeTimeout)
	}
}
