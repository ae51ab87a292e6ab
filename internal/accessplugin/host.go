// Package accessplugin implements the access-control plug-in ABI: a
// sandboxed WASM host that loads a module exposing `challenge`, `verify`,
// and `subject_of` exports, invoked from internal/connstate's Hooks during
// the AUTH phase of the handshake.
//
// Only the loader/sandbox lives here -- the access-control policy itself
// lives inside the loaded module and is never inspected or reimplemented
// by this package.
package accessplugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/basket/mwcore/internal/mwerr"
)

// Exported function names the access-control plug-in ABI requires.
const (
	ExportChallenge  = "challenge"
	ExportVerify     = "verify"
	ExportSubjectOf  = "subject_of"
	ExportAlloc      = "alloc" // (len i32) -> ptr i32, used to pass byte args in
)

// Deterministic fault reason codes for access-plugin failures.
const (
	FaultModuleNotFound   = "ACC_MODULE_NOT_FOUND"
	FaultTimeout          = "ACC_TIMEOUT"
	FaultMemoryExceeded   = "ACC_MEMORY_EXCEEDED"
	FaultNoExport         = "ACC_NO_EXPORT"
	FaultExecError        = "ACC_FAULT"
	FaultMemoryExhausted  = "ACC_HOST_MEMORY_EXHAUSTED"
)

// Fault is a structured error from an access-plugin invocation.
type Fault struct {
	Reason string
	Module string
	Detail string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", f.Reason, f.Module, f.Detail)
}

const (
	// DefaultMemoryLimitPages is 32 pages = 2MB: an access plug-in is a
	// tiny credential-checking module, far smaller than a general skill.
	DefaultMemoryLimitPages = 32
	// DefaultAggregateMemoryLimitPages bounds total memory across every
	// loaded access plug-in (normally just one, but load_acc_module may be
	// called again to hot-swap).
	DefaultAggregateMemoryLimitPages uint32 = 128
	// DefaultInvokeTimeout is the wall-clock limit for one challenge/
	// verify/subject_of call.
	DefaultInvokeTimeout = 2 * time.Second
)

// Config configures the sandbox host.
type Config struct {
	Logger                    *slog.Logger
	MemoryLimitPages          uint32
	AggregateMemoryLimitPages uint32
	InvokeTimeout             time.Duration
}

// Host is the core's sandboxed loader for access-control plug-ins.
type Host struct {
	logger        *slog.Logger
	runtime       wazero.Runtime
	invokeTimeout time.Duration

	modulesMu            sync.Mutex
	modules              map[string]api.Module
	moduleMemoryPages    map[string]uint32
	aggregateMemoryLimit uint32
}

// NewHost creates a sandboxed wazero runtime configured per cfg.
func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	aggLimit := cfg.AggregateMemoryLimitPages
	if aggLimit == 0 {
		aggLimit = DefaultAggregateMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &Host{
		logger:               logger,
		runtime:              wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout:        invokeTimeout,
		modules:              map[string]api.Module{},
		moduleMemoryPages:    map[string]uint32{},
		aggregateMemoryLimit: aggLimit,
	}
	return h, nil
}

// Close tears down every loaded module and the runtime itself.
func (h *Host) Close(ctx context.Context) error {
	h.modulesMu.Lock()
	for name, m := range h.modules {
		_ = m.Close(ctx)
		delete(h.modules, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()
	return h.runtime.Close(ctx)
}

// LoadFromFile loads an access plug-in WASM module from srcPath
// (load_acc_module dispatch entry), returning the module name assigned
// (its basename without extension) for use in Challenge/Verify/SubjectOf.
func (h *Host) LoadFromFile(ctx context.Context, srcPath string) (string, error) {
	wasmBytes, err := os.ReadFile(srcPath)
	if err != nil {
		return "", fmt.Errorf("%w: read access module: %v", mwerr.ErrInvalidArgument, err)
	}
	name := moduleNameFromPath(srcPath)
	return name, h.loadFromBytes(ctx, name, wasmBytes)
}

func (h *Host) loadFromBytes(ctx context.Context, name string, wasmBytes []byte) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("%w: compile access module %s: %v", mwerr.ErrInvalidArgument, name, err)
	}

	var estimatedPages uint32
	for _, def := range compiled.ImportedMemories() {
		estimatedPages += def.Min()
	}
	for _, def := range compiled.ExportedMemories() {
		estimatedPages += def.Min()
	}
	if estimatedPages == 0 {
		estimatedPages = 1
	}

	h.modulesMu.Lock()
	var currentAggregate uint32
	for n, pages := range h.moduleMemoryPages {
		if n != name {
			currentAggregate += pages
		}
	}
	if currentAggregate+estimatedPages > h.aggregateMemoryLimit {
		h.modulesMu.Unlock()
		return &Fault{Reason: FaultMemoryExhausted, Module: name, Detail: fmt.Sprintf(
			"aggregate=%d pages, new=%d pages, limit=%d pages", currentAggregate, estimatedPages, h.aggregateMemoryLimit)}
	}
	if old, ok := h.modules[name]; ok {
		_ = old.Close(ctx)
		delete(h.modules, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()

	exported := compiled.ExportedFunctions()
	for _, required := range []string{ExportChallenge, ExportVerify, ExportSubjectOf} {
		if _, ok := exported[required]; !ok {
			return &Fault{Reason: FaultNoExport, Module: name, Detail: required}
		}
	}

	module, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return fmt.Errorf("%w: instantiate access module %s: %v", mwerr.ErrTransport, name, err)
	}

	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	h.modules[name] = module
	h.moduleMemoryPages[name] = estimatedPages
	return nil
}

func moduleNameFromPath(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext)
}

// HasModule reports whether an access plug-in named name is currently
// loaded.
func (h *Host) HasModule(name string) bool {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	_, ok := h.modules[name]
	return ok
}

// Challenge invokes the module's `challenge` export, used by
// internal/connstate's Hooks.Challenge during the AUTH transition. The
// returned bytes are the challenge payload to send to the peer.
func (h *Host) Challenge(ctx context.Context) ([]byte, error) {
	return h.callBytesReturn(ctx, ExportChallenge, nil)
}

// Verify invokes the module's `verify` export against a peer-presented
// credential, used by Hooks.VerifyCredential.
func (h *Host) Verify(ctx context.Context, credential []byte) (bool, error) {
	result, err := h.callBytesArgIntReturn(ctx, ExportVerify, credential)
	if err != nil {
		return false, err
	}
	return result != 0, nil
}

// SubjectOf invokes the module's `subject_of` export to extract the
// authenticated subject identity from a verified credential, used by the
// router's access-subject enforcement.
func (h *Host) SubjectOf(ctx context.Context, credential []byte) (string, error) {
	out, err := h.callBytesArgBytesReturn(ctx, ExportSubjectOf, credential)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (h *Host) loadedModule() (api.Module, string, error) {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	for name, m := range h.modules {
		return m, name, nil
	}
	return nil, "", &Fault{Reason: FaultModuleNotFound, Detail: "no access plug-in loaded"}
}

// callBytesArgIntReturn writes arg into the module's memory via its alloc
// export, calls fnName(ptr, len), and returns the i32 result.
func (h *Host) callBytesArgIntReturn(ctx context.Context, fnName string, arg []byte) (int32, error) {
	module, name, err := h.loadedModule()
	if err != nil {
		return 0, err
	}
	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	ptr, ok, err := writeWASMBytes(invokeCtx, module, arg)
	if err != nil {
		return 0, h.fault(name, err)
	}
	fn := module.ExportedFunction(fnName)
	if fn == nil {
		return 0, &Fault{Reason: FaultNoExport, Module: name, Detail: fnName}
	}
	var results []uint64
	if ok {
		results, err = fn.Call(invokeCtx, uint64(ptr), uint64(len(arg)))
	} else {
		results, err = fn.Call(invokeCtx)
	}
	if err != nil {
		return 0, h.fault(name, err)
	}
	if len(results) == 0 {
		return 0, nil
	}
	return int32(results[0]), nil
}

// callBytesReturn calls a no-arg export that returns (ptr, len) packed as
// two i32 results, reading the bytes back out of the module's memory.
func (h *Host) callBytesReturn(ctx context.Context, fnName string, arg []byte) ([]byte, error) {
	module, name, err := h.loadedModule()
	if err != nil {
		return nil, err
	}
	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	fn := module.ExportedFunction(fnName)
	if fn == nil {
		return nil, &Fault{Reason: FaultNoExport, Module: name, Detail: fnName}
	}
	results, err := fn.Call(invokeCtx)
	if err != nil {
		return nil, h.fault(name, err)
	}
	if len(results) < 2 {
		return nil, nil
	}
	ptr, length := uint32(results[0]), uint32(results[1])
	data, ok := module.Memory().Read(ptr, length)
	if !ok {
		return nil, &Fault{Reason: FaultExecError, Module: name, Detail: "challenge: failed to read result from memory"}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (h *Host) callBytesArgBytesReturn(ctx context.Context, fnName string, arg []byte) ([]byte, error) {
	module, name, err := h.loadedModule()
	if err != nil {
		return nil, err
	}
	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	ptr, ok, err := writeWASMBytes(invokeCtx, module, arg)
	if err != nil {
		return nil, h.fault(name, err)
	}
	fn := module.ExportedFunction(fnName)
	if fn == nil {
		return nil, &Fault{Reason: FaultNoExport, Module: name, Detail: fnName}
	}
	var results []uint64
	if ok {
		results, err = fn.Call(invokeCtx, uint64(ptr), uint64(len(arg)))
	} else {
		results, err = fn.Call(invokeCtx)
	}
	if err != nil {
		return nil, h.fault(name, err)
	}
	if len(results) < 2 {
		return nil, nil
	}
	outPtr, outLen := uint32(results[0]), uint32(results[1])
	data, readOK := module.Memory().Read(outPtr, outLen)
	if !readOK {
		return nil, &Fault{Reason: FaultExecError, Module: name, Detail: "subject_of: failed to read result from memory"}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// writeWASMBytes copies data into the module's linear memory via its
// `alloc` export, if present. Reports ok=false (not an error) when the
// module has no alloc export, letting the caller fall back to a no-arg
// call for modules that don't need the credential bytes written in.
func writeWASMBytes(ctx context.Context, module api.Module, data []byte) (ptr uint32, ok bool, err error) {
	if len(data) == 0 {
		return 0, false, nil
	}
	alloc := module.ExportedFunction(ExportAlloc)
	if alloc == nil {
		return 0, false, nil
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, false, err
	}
	p := uint32(results[0])
	if !module.Memory().Write(p, data) {
		return 0, false, errors.New("accessplugin: failed to write argument bytes into module memory")
	}
	return p, true, nil
}

func (h *Host) fault(moduleName string, err error) *Fault {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: "canceled"}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	msg := err.Error()
	if strings.Contains(msg, "memory") {
		return &Fault{Reason: FaultMemoryExceeded, Module: moduleName, Detail: msg}
	}
	return &Fault{Reason: FaultExecError, Module: moduleName, Detail: msg}
}
