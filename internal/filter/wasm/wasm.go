// Package wasm runs WebAssembly modules as pre-forward filters.
//
// A filter module exports its linear memory as "memory" and a function
// "filter(ptr, len i32) -> i32". The request path is written to memory
// (at the pointer returned by an optional "alloc(len i32) -> i32" export,
// or at offset 0) and a non-zero result admits the request. Modules may
// import "env.log(ptr, len)" to write to the gateway log.
package wasm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/internal/filter"
	"github.com/songzhibin97/relaygate/pkg/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const (
	exportFilter = "filter"
	exportAlloc  = "alloc"
	hostModule   = "env"
)

// Runtime owns the wazero runtime shared by all filter modules.
type Runtime struct {
	runtime wazero.Runtime
	logger  log.Logger
}

// Module is one instantiated filter module. Calls into a module are
// serialized because its memory is shared.
type Module struct {
	name   string
	mu     sync.Mutex
	module api.Module
	filter api.Function
	alloc  api.Function
}

// NewRuntime creates a runtime and registers the host functions.
func NewRuntime(ctx context.Context, logger log.Logger) (*Runtime, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	r := &Runtime{
		runtime: wazero.NewRuntime(ctx),
		logger:  logger,
	}

	_, err := r.runtime.NewHostModuleBuilder(hostModule).
		NewFunctionBuilder().
		WithParameterNames("ptr", "len").
		WithFunc(r.hostLog).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		_ = r.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	return r, nil
}

// Close releases every module compiled by the runtime.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// LoadFile reads and instantiates a module from disk.
func (r *Runtime) LoadFile(ctx context.Context, name, path string) (*Module, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM file %s: %w", path, err)
	}
	return r.Load(ctx, name, wasmBytes)
}

// Load compiles and instantiates a module.
func (r *Runtime) Load(ctx context.Context, name string, wasmBytes []byte) (*Module, error) {
	compiled, err := r.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to compile WASM module %s: %w", name, err)
	}

	mod, err := r.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate WASM module %s: %w", name, err)
	}

	fn := mod.ExportedFunction(exportFilter)
	if fn == nil {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("WASM module %s does not export %q", name, exportFilter)
	}
	if mod.Memory() == nil {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("WASM module %s does not export memory", name)
	}

	r.logger.Info("WASM filter loaded", log.String("filter", name))
	return &Module{
		name:   name,
		module: mod,
		filter: fn,
		alloc:  mod.ExportedFunction(exportAlloc),
	}, nil
}

// Name returns the module name.
func (m *Module) Name() string {
	return m.name
}

// Allow runs the module on input and reports its decision.
func (m *Module) Allow(ctx context.Context, input []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ptr uint32
	if m.alloc != nil {
		results, err := m.alloc.Call(ctx, uint64(len(input)))
		if err != nil {
			return false, fmt.Errorf("alloc failed: %w", err)
		}
		ptr = api.DecodeU32(results[0])
	}
	if !m.module.Memory().Write(ptr, input) {
		return false, fmt.Errorf("input of %d bytes does not fit in module memory", len(input))
	}

	results, err := m.filter.Call(ctx, api.EncodeU32(ptr), api.EncodeU32(uint32(len(input))))
	if err != nil {
		return false, fmt.Errorf("filter call failed: %w", err)
	}
	return api.DecodeI32(results[0]) != 0, nil
}

// Filter adapts the module to a pre-forward filter. Denied requests get 403.
func (m *Module) Filter() filter.SyncFilter {
	return func(ex *filter.Exchange) (bool, error) {
		allow, err := m.Allow(ex.Request.Context(), []byte(ex.Request.URL.Path))
		if err != nil {
			return false, err
		}
		if !allow {
			ex.Response.Reject(http.StatusForbidden, "request rejected by filter "+m.name)
		}
		return allow, nil
	}
}

// LoadConfigured loads every module named in cfg.
func (r *Runtime) LoadConfigured(ctx context.Context, cfg *config.WASMConfig) ([]*Module, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	modules := make([]*Module, 0, len(cfg.Modules))
	for i, mc := range cfg.Modules {
		name := mc.Name
		if name == "" {
			name = fmt.Sprintf("wasm-%d", i)
		}
		m, err := r.LoadFile(ctx, name, mc.Path)
		if err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	return modules, nil
}

func (r *Runtime) hostLog(_ context.Context, mod api.Module, ptr, size uint32) {
	data, ok := mod.Memory().Read(ptr, size)
	if !ok {
		r.logger.Warn("WASM filter log out of range", log.String("filter", mod.Name()))
		return
	}
	r.logger.Info(string(data), log.String("filter", mod.Name()))
}
