// Package transfer copies a request between two modules of one engine.
package transfer

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-relay/engine"
	"github.com/wippyai/wasm-relay/errors"
	"github.com/wippyai/wasm-relay/metrics"
)

// Result locates the copy inside the source module.
type Result struct {
	Address uint32
	Length  uint32
}

type options struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Transfer copies length bytes at address in the main module's memory into
// a block obtained from source's allocate export, then calls source's
// process_data. It runs under the engine's exclusive access and joins the
// caller's session when ctx carries one.
//
// Failures are returned as they happen and never retried: a missing module
// or export is a packaging defect, not a transient fault.
func Transfer(ctx context.Context, eng *engine.Engine, source string, address, length uint32, opts ...Option) (Result, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	var res Result
	err := eng.Do(ctx, func(ctx context.Context, s *engine.Session) error {
		if _, err := s.Module(source); err != nil {
			return fail(source, "resolve source module", err)
		}

		out, err := s.Call(ctx, source, engine.ExportAllocate)
		if err != nil {
			return fail(source, "allocate destination", err)
		}
		dest := api.DecodeU32(out[0])

		payload, err := s.Read(engine.MainModuleName, address, length)
		if err != nil {
			return fail(engine.MainModuleName, "read payload", err)
		}
		if err := s.Write(source, dest, payload); err != nil {
			return fail(source, "write payload", err)
		}
		if _, err := s.Call(ctx, source, engine.ExportProcessData); err != nil {
			return fail(source, "process payload", err)
		}

		res = Result{Address: dest, Length: length}
		return nil
	})
	if err != nil {
		o.metrics.Transfer(metrics.OutcomeError, 0)
		o.logger.Error("intra-engine transfer failed", zap.String("source", source), zap.Error(err))
		return Result{}, err
	}

	o.metrics.Transfer(metrics.OutcomeOK, int(length))
	o.logger.Debug("intra-engine transfer",
		zap.String("source", source),
		zap.Uint32("from", address),
		zap.Uint32("to", res.Address),
		zap.Uint32("bytes", length))
	return res, nil
}

func fail(module, step string, cause error) error {
	kind := errors.KindCallFailed
	var e *errors.Error
	if errors.As(cause, &e) {
		kind = e.Kind
	}
	return errors.New(errors.PhaseTransfer, kind).
		Module(module).
		Detail("%s", step).
		Cause(cause).
		Build()
}
