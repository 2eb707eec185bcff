package engine

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-relay/errors"
)

type sessionKey struct{}

// Session is exclusive access to an Engine for the duration of one Do call.
// It must not be retained after Do returns or handed to other goroutines.
type Session struct {
	engine *Engine
	active atomic.Bool
}

// Do runs fn with exclusive access to the engine. Calls are strictly
// sequential. When ctx already carries a session of this engine, as it does
// inside a host function invoked by guest code under Do, fn runs on that
// session without locking again.
func (e *Engine) Do(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	if s := SessionFrom(ctx); s != nil && s.engine == e && s.active.Load() {
		return fn(ctx, s)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := &Session{engine: e}
	s.active.Store(true)
	defer s.active.Store(false)
	return fn(context.WithValue(ctx, sessionKey{}, s), s)
}

// SessionFrom returns the session carried by ctx, or nil.
func SessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

func (s *Session) check() error {
	if !s.active.Load() {
		return errors.NotInitialized(errors.PhaseEngine, "session")
	}
	return nil
}

// Module returns the live instance named name.
func (s *Session) Module(name string) (api.Module, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	mod := s.engine.runtime.Module(name)
	if mod == nil {
		return nil, errors.NotFound(errors.PhaseEngine, "module", name)
	}
	return mod, nil
}

// Main returns the main module instance.
func (s *Session) Main() (api.Module, error) {
	return s.Module(MainModuleName)
}

// Call invokes an exported function of a live instance.
func (s *Session) Call(ctx context.Context, module, export string, params ...uint64) ([]uint64, error) {
	mod, err := s.Module(module)
	if err != nil {
		return nil, err
	}
	fn := mod.ExportedFunction(export)
	if fn == nil {
		return nil, errors.MissingExport(module, export)
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, errors.CallFailed(errors.PhaseEngine, module, export, err)
	}
	return results, nil
}

// Read copies a region of a module's memory.
func (s *Session) Read(module string, offset, length uint32) ([]byte, error) {
	mod, err := s.Module(module)
	if err != nil {
		return nil, err
	}
	return ReadMemory(mod, offset, length)
}

// Write copies data into a module's memory.
func (s *Session) Write(module string, offset uint32, data []byte) error {
	mod, err := s.Module(module)
	if err != nil {
		return err
	}
	return WriteMemory(mod, offset, data)
}

// Reinstantiate replaces the live instance of a compiled module with a fresh
// one using env. Memory and globals start over.
func (s *Session) Reinstantiate(ctx context.Context, name string, env Environ) error {
	if err := s.check(); err != nil {
		return err
	}
	m, ok := s.engine.module(name)
	if !ok {
		return errors.NotFound(errors.PhaseEngine, "module", name)
	}
	if old := s.engine.runtime.Module(name); old != nil {
		if err := old.Close(ctx); err != nil {
			s.engine.logger.Warn("close previous instance", zap.String("module", name), zap.Error(err))
		}
	}
	return s.instantiate(ctx, m, env)
}

func (s *Session) instantiate(ctx context.Context, m *Module, env Environ) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.engine.runtime.InstantiateModule(ctx, m.compiled, env.moduleConfig(m.name)); err != nil {
		return errors.New(errors.PhaseEngine, errors.KindCallFailed).
			Module(m.name).
			Detail("instantiate module").
			Cause(err).
			Build()
	}
	return nil
}
