package invoke

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-relay/engine"
	"github.com/wippyai/wasm-relay/errors"
	"github.com/wippyai/wasm-relay/internal/trace"
)

// Invoker drives one call of the main module's entry export.
type Invoker struct {
	engine *engine.Engine
	env    engine.Environ
	logger *zap.Logger
}

type InvokerOption func(*Invoker)

func WithInvokerLogger(l *zap.Logger) InvokerOption {
	return func(i *Invoker) { i.logger = l }
}

// WithEnviron sets the environment the main module is reset to before each
// call. Only the output streams should be set; args, env and mounts are
// expected to stay empty.
func WithEnviron(env engine.Environ) InvokerOption {
	return func(i *Invoker) { i.env = env }
}

func NewInvoker(eng *engine.Engine, opts ...InvokerOption) *Invoker {
	i := &Invoker{engine: eng}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = Logger()
	}
	return i
}

// Invoke resets the main module to a fresh instance, copies input into a
// block from allocate_memory, calls start(addr, len), releases the block
// with deallocate_memory and returns start's result.
//
// The whole sequence holds the engine. A failing step aborts it and the
// remaining steps are not run.
func (i *Invoker) Invoke(ctx context.Context, input []byte) (int64, error) {
	ctx, _ = trace.Ensure(ctx)
	mod := engine.MainModuleName

	var result int64
	err := i.engine.Do(ctx, func(ctx context.Context, s *engine.Session) error {
		if err := s.Reinstantiate(ctx, mod, i.env); err != nil {
			return fail("reset environment", err)
		}

		out, err := s.Call(ctx, mod, engine.ExportAllocateMemory, api.EncodeU32(uint32(len(input))))
		if err != nil {
			return fail("allocate input", err)
		}
		addr := api.DecodeU32(out[0])

		if err := s.Write(mod, addr, input); err != nil {
			return fail("write input", err)
		}

		out, err = s.Call(ctx, mod, engine.ExportStart, api.EncodeU32(addr), api.EncodeU32(uint32(len(input))))
		if err != nil {
			return fail("call entry", err)
		}
		result = int64(out[0])

		if _, err := s.Call(ctx, mod, engine.ExportDeallocateMemory, api.EncodeU32(addr)); err != nil {
			return fail("release input", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	i.logger.Debug("invocation complete",
		trace.Field(ctx),
		zap.Int("input_bytes", len(input)),
		zap.Int64("result", result))
	return result, nil
}

func fail(step string, cause error) error {
	kind := errors.KindCallFailed
	var e *errors.Error
	if errors.As(cause, &e) {
		kind = e.Kind
	}
	return errors.New(errors.PhaseInvoke, kind).
		Module(engine.MainModuleName).
		Detail("%s", step).
		Cause(cause).
		Build()
}
