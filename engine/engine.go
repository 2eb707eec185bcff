package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-relay/errors"
)

// MainModuleName is the instance name of the distinguished entry module.
const MainModuleName = "main"

// WASIModuleName is the host module providing WASI preview1.
const WASIModuleName = wasi_snapshot_preview1.ModuleName

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32
}

// Engine owns one wazero runtime and the modules instantiated in it.
//
// Every operation that touches module memory or calls an export goes
// through Do, which serializes them. Host functions running inside such a
// call receive the same Session through their context.
type Engine struct {
	runtime     wazero.Runtime
	logger      *zap.Logger
	modules     map[string]*Module
	hostModules map[string]bool
	mu          sync.Mutex // guards guest execution
	regMu       sync.Mutex // guards modules and hostModules
	wasiInitMu  sync.Mutex
	wasiDone    atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine with its own wazero runtime.
func New(ctx context.Context, cfg Config, opts ...Option) *Engine {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	e := &Engine{
		runtime:     wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		modules:     make(map[string]*Module),
		hostModules: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = Logger()
	}
	return e
}

// Close releases the runtime and every module in it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// InitWASI instantiates the WASI preview1 host module once.
// Safe for concurrent calls.
func (e *Engine) InitWASI(ctx context.Context) error {
	if e.wasiDone.Load() {
		return nil
	}

	e.wasiInitMu.Lock()
	defer e.wasiInitMu.Unlock()

	if e.wasiDone.Load() {
		return nil
	}

	if e.runtime.Module(WASIModuleName) == nil {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
			return errors.New(errors.PhaseEngine, errors.KindCallFailed).
				Module(WASIModuleName).
				Detail("instantiate WASI").
				Cause(err).
				Build()
		}
	}

	e.regMu.Lock()
	e.hostModules[WASIModuleName] = true
	e.regMu.Unlock()
	e.wasiDone.Store(true)
	return nil
}

// HostFunc is a Go function exported to guests.
type HostFunc struct {
	Fn      api.GoModuleFunc
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// RegisterHostModule instantiates a host module exporting funcs.
// Must be called before instantiating guests that import it.
func (e *Engine) RegisterHostModule(ctx context.Context, name string, funcs ...HostFunc) error {
	if len(funcs) == 0 {
		return errors.InvalidInput(errors.PhaseEngine, "host module needs at least one function")
	}

	builder := e.runtime.NewHostModuleBuilder(name)
	for _, fn := range funcs {
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(fn.Fn, fn.Params, fn.Results).
			WithName(fn.Name).
			Export(fn.Name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return errors.New(errors.PhaseEngine, errors.KindCallFailed).
			Module(name).
			Detail("instantiate host module").
			Cause(err).
			Build()
	}

	e.regMu.Lock()
	e.hostModules[name] = true
	e.regMu.Unlock()
	e.logger.Debug("host module registered", zap.String("module", name), zap.Int("functions", len(funcs)))
	return nil
}

// IsHostModule reports whether name is a registered host module.
func (e *Engine) IsHostModule(name string) bool {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	return e.hostModules[name]
}

// Compile validates a guest binary and checks it against the capability of
// role. The module is remembered under name for later instantiation.
func (e *Engine) Compile(ctx context.Context, name string, wasm []byte, role Role) (*Module, error) {
	if name == "" {
		return nil, errors.InvalidInput(errors.PhaseEngine, "module name cannot be empty")
	}

	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Module(name).
			Detail("compile module").
			Cause(err).
			Build()
	}

	if c, ok := role.Capability(); ok {
		if err := c.Check(name, compiled); err != nil {
			_ = compiled.Close(ctx)
			return nil, err
		}
	}

	m := &Module{name: name, role: role, compiled: compiled}
	e.regMu.Lock()
	if prev, ok := e.modules[name]; ok {
		_ = prev.compiled.Close(ctx)
	}
	e.modules[name] = m
	e.regMu.Unlock()
	return m, nil
}

// Load compiles and instantiates a guest module.
func (e *Engine) Load(ctx context.Context, name string, wasm []byte, role Role, env Environ) (*Module, error) {
	m, err := e.Compile(ctx, name, wasm, role)
	if err != nil {
		return nil, err
	}
	if err := e.Instantiate(ctx, m, env); err != nil {
		return nil, err
	}
	return m, nil
}

// Instantiate creates the live instance of a compiled module.
func (e *Engine) Instantiate(ctx context.Context, m *Module, env Environ) error {
	err := e.Do(ctx, func(ctx context.Context, s *Session) error {
		return s.instantiate(ctx, m, env)
	})
	if err != nil {
		return err
	}
	e.logger.Debug("module loaded", zap.String("module", m.name), zap.Stringer("role", m.role))
	return nil
}

func (e *Engine) module(name string) (*Module, bool) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	m, ok := e.modules[name]
	return m, ok
}

// Module is a compiled guest module known to the engine.
type Module struct {
	compiled wazero.CompiledModule
	name     string
	role     Role
}

func (m *Module) Name() string { return m.name }
func (m *Module) Role() Role   { return m.role }

// Imports returns the distinct module names this module imports
// functions from, in declaration order.
func (m *Module) Imports() []string {
	var out []string
	seen := map[string]bool{}
	for _, def := range m.compiled.ImportedFunctions() {
		mod, _, ok := def.Import()
		if !ok || seen[mod] {
			continue
		}
		seen[mod] = true
		out = append(out, mod)
	}
	return out
}
