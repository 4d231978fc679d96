package intent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const (
	policyModuleName = "intent_policy"

	// policyMemoryPages caps guest memory at 4MB (1 page = 64KB).
	policyMemoryPages = 64

	// policyInvokeLimit bounds one classification; this runs on the dispatch
	// path, so a runaway guest must not stall the conversation.
	policyInvokeLimit = 500 * time.Millisecond
)

// Wasm classifies through an operator-supplied policy module, hot-swappable
// via Reload. Guest ABI: export `alloc(size: i32) -> i32` and
// `classify(ptr: i32, len: i32) -> i32`; the host writes the UTF-8 text into
// guest memory and a nonzero classify result means task intent. A guest fault
// unloads the module and classification reverts to the fallback until the
// next Reload.
type Wasm struct {
	fallback Classifier
	logger   *slog.Logger

	mu      sync.Mutex
	runtime wazero.Runtime
	module  api.Module
}

// NewWasm builds the runtime and attempts an initial load of path. A module
// that cannot be loaded is logged and left for a later Reload; the fallback
// classifier serves until then.
func NewWasm(ctx context.Context, path string, fallback Classifier, logger *slog.Logger) (*Wasm, error) {
	if fallback == nil {
		return nil, fmt.Errorf("wasm classifier requires a fallback")
	}
	if logger == nil {
		logger = slog.Default()
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(policyMemoryPages).
		WithCloseOnContextDone(true)

	w := &Wasm{
		fallback: fallback,
		logger:   logger,
		runtime:  wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
	}

	builder := w.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(w.hostLog).Export("host.log")
	if _, err := builder.Instantiate(ctx); err != nil {
		_ = w.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	if path != "" {
		if err := w.Reload(ctx, path); err != nil {
			logger.Warn("intent policy module not loaded, using keyword fallback",
				"path", path, "error", err)
		}
	}
	return w, nil
}

// Reload compiles and swaps in the policy module at path. The previous module
// stays live until the replacement has compiled and declared the required
// exports, so a bad swap never degrades a working policy.
func (w *Wasm) Reload(ctx context.Context, path string) error {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy module: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	compiled, err := w.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile policy module: %w", err)
	}
	exports := compiled.ExportedFunctions()
	for _, name := range []string{"alloc", "classify"} {
		if _, ok := exports[name]; !ok {
			_ = compiled.Close(ctx)
			return fmt.Errorf("policy module missing %q export", name)
		}
	}

	// Close the old instance first; wazero tracks instances by name.
	if w.module != nil {
		_ = w.module.Close(ctx)
		w.module = nil
	}
	module, err := w.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(policyModuleName))
	if err != nil {
		return fmt.Errorf("instantiate policy module: %w", err)
	}
	w.module = module
	w.logger.Info("intent policy module loaded", "path", path)
	return nil
}

// Loaded reports whether a guest module is currently serving classifications.
func (w *Wasm) Loaded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.module != nil
}

// TaskIntent implements Classifier. Guest faults are absorbed: the module is
// unloaded and the fallback answers, this call included.
func (w *Wasm) TaskIntent(text string) bool {
	if text == "" {
		return false
	}

	w.mu.Lock()
	if w.module == nil {
		w.mu.Unlock()
		return w.fallback.TaskIntent(text)
	}
	verdict, err := w.classify(w.module, text)
	if err != nil {
		w.logger.Warn("intent policy fault, reverting to fallback", "error", err)
		_ = w.module.Close(context.Background())
		w.module = nil
		w.mu.Unlock()
		return w.fallback.TaskIntent(text)
	}
	w.mu.Unlock()
	return verdict != 0
}

// classify runs one guest invocation. Caller holds w.mu; module instances are
// not safe for concurrent calls.
func (w *Wasm) classify(module api.Module, text string) (int32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), policyInvokeLimit)
	defer cancel()

	data := []byte(text)
	allocRes, err := module.ExportedFunction("alloc").Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("alloc: %w", err)
	}
	if len(allocRes) == 0 {
		return 0, fmt.Errorf("alloc returned no value")
	}
	ptr := uint32(allocRes[0])
	if !module.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("write text at %d (%d bytes)", ptr, len(data))
	}

	res, err := module.ExportedFunction("classify").Call(ctx, uint64(ptr), uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("classify: %w", err)
	}
	if len(res) == 0 {
		return 0, fmt.Errorf("classify returned no value")
	}
	return int32(res[0]), nil
}

func (w *Wasm) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.module != nil {
		_ = w.module.Close(ctx)
		w.module = nil
	}
	return w.runtime.Close(ctx)
}

func (w *Wasm) hostLog(ctx context.Context, module api.Module, ptr, length uint32) {
	data, ok := module.Memory().Read(ptr, length)
	if !ok {
		w.logger.Warn("host.log: failed to read message from wasm memory")
		return
	}
	w.logger.Debug("intent policy log", "msg", string(data))
}
