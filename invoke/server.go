package invoke

import (
	"bytes"
	"context"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-relay/bundle"
	"github.com/wippyai/wasm-relay/config"
	"github.com/wippyai/wasm-relay/errors"
	"github.com/wippyai/wasm-relay/internal/trace"
	"github.com/wippyai/wasm-relay/metrics"
	"github.com/wippyai/wasm-relay/transport"
)

// StopSentinel is the request payload that asks a server to stop.
const StopSentinel = "exit"

// Invocation modes, used as the metrics label.
const (
	ModeLocal     = "local"
	ModeBootstrap = "bootstrap"
)

// Process exit statuses.
const (
	ExitOK      = 0
	ExitFailure = 137
)

// ErrStopped is reported when a server received the stop sentinel.
var ErrStopped = errors.ErrStopped

// ExitStatus maps the outcome of a serve or bootstrap run to a process
// exit status. A stop request counts as success.
func ExitStatus(err error) int {
	if err == nil || errors.Is(err, ErrStopped) {
		return ExitOK
	}
	return ExitFailure
}

// Server accepts requests on a bundle's rendezvous socket and runs each
// through the Invoker.
type Server struct {
	invoker    *Invoker
	receiver   *transport.Receiver
	metrics    *metrics.Metrics
	logger     *zap.Logger
	socketPath string
}

type ServerOption func(*Server)

func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithReceiver replaces the bootstrap receiver built from configuration.
func WithReceiver(r *transport.Receiver) ServerOption {
	return func(s *Server) { s.receiver = r }
}

// NewServer creates a server bound to cfg's bundle socket.
func NewServer(inv *Invoker, cfg config.Config, opts ...ServerOption) *Server {
	s := &Server{
		invoker:    inv,
		socketPath: cfg.SocketPath(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = Logger()
	}
	if s.receiver == nil {
		s.receiver = transport.NewReceiver(cfg.Bootstrap, s.metrics)
	}
	return s
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Listen removes a stale socket file and binds a fresh listener. When two
// processes race for the path the last bind wins.
func (s *Server) Listen(ctx context.Context) (net.Listener, error) {
	if s.socketPath == "" {
		return nil, errors.InvalidInput(errors.PhaseInvoke, "no bundle socket path configured")
	}
	if err := bundle.RemoveSocket(s.socketPath); err != nil {
		s.logger.Warn("remove stale socket", zap.String("socket", s.socketPath), zap.Error(err))
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", s.socketPath)
	if err != nil {
		return nil, errors.New(errors.PhaseInvoke, errors.KindUnavailable).
			Path(s.socketPath).
			Detail("bind socket").
			Cause(err).
			Build()
	}
	return ln, nil
}

// ServeOnce binds the socket, serves exactly one connection and returns.
// The request is read to end of stream and the 8-byte little-endian result
// written back. An empty request is not invoked and gets no bytes back;
// the stop sentinel gets nothing back either and yields ErrStopped.
func (s *Server) ServeOnce(ctx context.Context) error {
	ln, err := s.Listen(ctx)
	if err != nil {
		return err
	}
	defer ln.Close()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("waiting for request", zap.String("socket", s.socketPath))
	conn, err := ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrap(errors.PhaseInvoke, errors.KindUnavailable, ctxErr, "serve cancelled")
		}
		return errors.IO(errors.PhaseInvoke, "accept", err)
	}
	return s.handle(ctx, conn)
}

// Serve keeps accepting connections until ctx ends or a stop request
// arrives. Connections are read and answered concurrently; invocations
// still run one at a time on the engine. A failed request is logged and
// does not stop the server. A stop request returns nil.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := s.Listen(ctx)
	if err != nil {
		return err
	}
	defer ln.Close()

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("serving requests", zap.String("socket", s.socketPath))
	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr = err
			break
		}
		g.Go(func() error {
			err := s.handle(gctx, conn)
			if errors.Is(err, ErrStopped) {
				return err
			}
			if err != nil {
				s.logger.Error("request failed", zap.Error(err))
			}
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, ErrStopped) {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(errors.PhaseInvoke, errors.KindUnavailable, ctxErr, "serve cancelled")
	}
	if err != nil {
		return err
	}
	return errors.IO(errors.PhaseInvoke, "accept", acceptErr)
}

func (s *Server) handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	ctx, _ = trace.Ensure(ctx)
	log := s.logger.With(trace.Field(ctx))

	done := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer done()

	start := time.Now()
	request, err := io.ReadAll(conn)
	if err != nil {
		s.metrics.Invocation(ModeLocal, metrics.OutcomeError, time.Since(start))
		return errors.IO(errors.PhaseInvoke, "read request", err)
	}

	switch {
	case len(request) == 0:
		s.metrics.Invocation(ModeLocal, metrics.OutcomeEmpty, time.Since(start))
		log.Debug("empty request, nothing to invoke")
		return nil
	case bytes.Equal(request, []byte(StopSentinel)):
		s.metrics.Invocation(ModeLocal, metrics.OutcomeStopped, time.Since(start))
		log.Info("stop requested")
		return errors.New(errors.PhaseInvoke, errors.KindStopped).Detail("stop requested").Build()
	}

	result, err := s.invoker.Invoke(ctx, request)
	if err != nil {
		s.metrics.Invocation(ModeLocal, metrics.OutcomeError, time.Since(start))
		return err
	}
	if _, err := conn.Write(EncodeResult(result)); err != nil {
		s.metrics.Invocation(ModeLocal, metrics.OutcomeError, time.Since(start))
		return errors.IO(errors.PhaseInvoke, "write result", err)
	}
	s.metrics.Invocation(ModeLocal, metrics.OutcomeOK, time.Since(start))
	log.Info("request served",
		zap.Int("request_bytes", len(request)),
		zap.Int64("result", result),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Bootstrap dials address until an upstream accepts, reads its push to end
// of stream and invokes the engine with it exactly once.
func (s *Server) Bootstrap(ctx context.Context, address string) (int64, error) {
	ctx, _ = trace.Ensure(ctx)
	start := time.Now()

	dialAddr, err := bundle.ParseAddress(address)
	if err != nil {
		return 0, err
	}
	input, err := s.receiver.Receive(ctx, dialAddr)
	if err != nil {
		s.metrics.Invocation(ModeBootstrap, metrics.OutcomeError, time.Since(start))
		return 0, err
	}

	result, err := s.invoker.Invoke(ctx, input)
	if err != nil {
		s.metrics.Invocation(ModeBootstrap, metrics.OutcomeError, time.Since(start))
		return 0, err
	}
	s.metrics.Invocation(ModeBootstrap, metrics.OutcomeOK, time.Since(start))
	s.logger.Info("bootstrap input served",
		trace.Field(ctx),
		zap.String("address", dialAddr),
		zap.Int("input_bytes", len(input)),
		zap.Int64("result", result))
	return result, nil
}
