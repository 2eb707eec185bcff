// Package bridge implements the host function guests call to hand a request
// to the next function in the chain and read its response back.
//
// Guests import it as
//
//	(import "wasi_export" "read_memory_host" (func (param i32 i32) (result i32)))
//
// and call it with the address and length of a request in their own memory.
// The response replaces the request in place and its length is returned.
// The caller must have reserved max(request, response) bytes at address;
// a longer response overwrites whatever follows the reservation.
package bridge

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-relay/bundle"
	"github.com/wippyai/wasm-relay/engine"
	"github.com/wippyai/wasm-relay/errors"
	"github.com/wippyai/wasm-relay/internal/trace"
	"github.com/wippyai/wasm-relay/metrics"
	"github.com/wippyai/wasm-relay/transfer"
	"github.com/wippyai/wasm-relay/transport"
)

// Import coordinates of the bridge function.
const (
	ModuleName   = "wasi_export"
	FunctionName = "read_memory_host"
)

// Requester performs the primary socket hop.
type Requester interface {
	Request(ctx context.Context, payload []byte, socketPath string) ([]byte, error)
}

// PushFunc performs the one-shot network fallback.
type PushFunc func(ctx context.Context, payload []byte, address string) error

// Bridge resolves the sibling route on every call; it keeps no route cache.
type Bridge struct {
	engine  *engine.Engine
	locator transport.Locator
	client  Requester
	push    PushFunc
	metrics *metrics.Metrics
	logger  *zap.Logger
	source  string
}

type Option func(*Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithSource names a co-located module that receives a copy of every
// request through an intra-engine transfer before the remote hop.
func WithSource(module string) Option {
	return func(b *Bridge) { b.source = module }
}

// WithPusher replaces transport.PushBind as the fallback transport.
func WithPusher(p PushFunc) Option {
	return func(b *Bridge) { b.push = p }
}

// New creates a bridge. eng is only used for the intra-engine transfer and
// for registration; it may be nil when neither is needed.
func New(eng *engine.Engine, loc transport.Locator, client Requester, opts ...Option) *Bridge {
	b := &Bridge{
		engine:  eng,
		locator: loc,
		client:  client,
		push:    transport.PushBind,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = Logger()
	}
	return b
}

// Register exports the bridge to guests as wasi_export.read_memory_host.
// It must run before any module importing it is instantiated.
func (b *Bridge) Register(ctx context.Context) error {
	if b.engine == nil {
		return errors.NotInitialized(errors.PhaseBridge, "engine")
	}
	return b.engine.RegisterHostModule(ctx, ModuleName, engine.HostFunc{
		Name:    FunctionName,
		Params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
		Results: []api.ValueType{api.ValueTypeI32},
		Fn:      b.hostFunc,
	})
}

// hostFunc surfaces failures as a panic, which wazero turns into an error
// returned from the guest's export call rather than a guest-visible trap value.
func (b *Bridge) hostFunc(ctx context.Context, mod api.Module, stack []uint64) {
	n, err := b.Call(ctx, mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if err != nil {
		panic(err)
	}
	stack[0] = api.EncodeU32(n)
}

// Call forwards length bytes at address in caller's memory to the sibling
// function and writes its response back at address.
//
// When no sibling is located the call fails with ErrFunctionNotFound and
// memory is untouched. When the socket hop fails for any reason but an
// exhausted retry ceiling, the request is pushed once over the network
// fallback instead; that path carries no response, so memory is left as
// is and 0 is returned. Both hops failing yields ErrCommunication.
func (b *Bridge) Call(ctx context.Context, caller api.Module, address, length uint32) (uint32, error) {
	ctx, _ = trace.Ensure(ctx)
	log := b.logger.With(trace.Field(ctx))

	n, outcome, err := b.call(ctx, log, caller, address, length)
	b.metrics.BridgeCall(outcome)
	if err != nil {
		log.Warn("bridge call failed",
			zap.Uint32("address", address),
			zap.Uint32("length", length),
			zap.Error(err))
		return 0, err
	}
	return n, nil
}

func (b *Bridge) call(ctx context.Context, log *zap.Logger, caller api.Module, address, length uint32) (uint32, string, error) {
	request, err := engine.ReadMemory(caller, address, length)
	if err != nil {
		return 0, metrics.OutcomeError, errors.Wrap(errors.PhaseBridge, errors.KindOutOfBounds, err, "read request")
	}

	if b.source != "" {
		if b.engine == nil {
			return 0, metrics.OutcomeError, errors.NotInitialized(errors.PhaseBridge, "engine")
		}
		if _, err := transfer.Transfer(ctx, b.engine, b.source, address, length,
			transfer.WithLogger(log), transfer.WithMetrics(b.metrics)); err != nil {
			return 0, metrics.OutcomeError, err
		}
	}

	route, ok, err := b.locator.Locate(ctx)
	if err != nil {
		return 0, metrics.OutcomeError, errors.Wrap(errors.PhaseBridge, errors.KindUnavailable, err, "locate sibling")
	}
	if !ok {
		return 0, metrics.OutcomeMiss, errors.New(errors.PhaseBridge, errors.KindNotFound).
			Detail("function not found").
			Build()
	}
	log = log.With(zap.String("function", route.FunctionName))

	response, sockErr := b.client.Request(ctx, request, route.SocketPath)
	if sockErr != nil {
		if errors.Is(sockErr, errors.ErrRetriesExhausted) {
			return 0, metrics.OutcomeError, sockErr
		}
		log.Info("socket hop failed, pushing over network",
			zap.String("address", route.FunctionAddress),
			zap.Error(sockErr))
		if err := b.fallback(ctx, request, route); err != nil {
			return 0, metrics.OutcomeError, errors.New(errors.PhaseBridge, errors.KindUnavailable).
				Value(route.FunctionName).
				Detail("communication failure: socket: %v", sockErr).
				Cause(err).
				Build()
		}
		return 0, metrics.OutcomeFallback, nil
	}

	if err := engine.WriteMemory(caller, address, response); err != nil {
		return 0, metrics.OutcomeError, errors.Wrap(errors.PhaseBridge, errors.KindOutOfBounds, err, "write response")
	}
	log.Debug("bridge call complete",
		zap.Int("request_bytes", len(request)),
		zap.Int("response_bytes", len(response)))
	return uint32(len(response)), metrics.OutcomeOK, nil
}

func (b *Bridge) fallback(ctx context.Context, request []byte, route bundle.Route) error {
	addr, err := bundle.ParseAddress(route.FunctionAddress)
	if err != nil {
		return err
	}
	if err := b.push(ctx, request, addr); err != nil {
		b.metrics.TransportAttempt(metrics.TransportNetwork, metrics.OutcomeError)
		return err
	}
	b.metrics.TransportAttempt(metrics.TransportNetwork, metrics.OutcomeOK)
	return nil
}
