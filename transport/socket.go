package transport

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-relay/bundle"
	"github.com/wippyai/wasm-relay/config"
	"github.com/wippyai/wasm-relay/errors"
	"github.com/wippyai/wasm-relay/metrics"
)

// Locator resolves the current route to a sibling.
type Locator interface {
	Locate(ctx context.Context) (bundle.Route, bool, error)
}

// ChangeNotifier signals that the scan root changed.
type ChangeNotifier interface {
	Changes() <-chan struct{}
}

// DialFunc opens a connection to a rendezvous socket.
type DialFunc func(ctx context.Context, socketPath string) (net.Conn, error)

// SocketClient sends one request to a sibling's rendezvous socket and reads
// its response.
type SocketClient struct {
	locator     Locator
	notifier    ChangeNotifier
	dial        DialFunc
	metrics     *metrics.Metrics
	logger      *zap.Logger
	suffix      string
	retry       config.RetryConfig
	maxAttempts int
}

// ClientOption configures a SocketClient.
type ClientOption func(*SocketClient)

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *SocketClient) { c.logger = l }
}

func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(c *SocketClient) { c.metrics = m }
}

// WithChangeNotifier wakes the client from backoff as soon as the scan root
// changes, instead of waiting out the interval.
func WithChangeNotifier(n ChangeNotifier) ClientOption {
	return func(c *SocketClient) { c.notifier = n }
}

func WithDialer(d DialFunc) ClientOption {
	return func(c *SocketClient) { c.dial = d }
}

// NewSocketClient creates a client that rediscovers through loc, retrying
// as cfg.Retry allows.
func NewSocketClient(loc Locator, cfg config.Config, opts ...ClientOption) *SocketClient {
	c := &SocketClient{
		locator:     loc,
		suffix:      cfg.SocketSuffix,
		retry:       cfg.Retry,
		maxAttempts: cfg.Retry.MaxAttempts,
		dial:        dialUnix,
	}
	if c.suffix == "" {
		c.suffix = config.DefaultSocketSuffix
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = config.DefaultMaxAttempts
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = Logger()
	}
	return c
}

func dialUnix(ctx context.Context, socketPath string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", socketPath)
}

func (c *SocketClient) newBackOff() backoff.BackOff {
	opts := []backoff.ExponentialBackOffOpts{backoff.WithMaxElapsedTime(0)}
	if c.retry.InitialInterval > 0 {
		opts = append(opts, backoff.WithInitialInterval(c.retry.InitialInterval))
	}
	if c.retry.MaxInterval > 0 {
		opts = append(opts, backoff.WithMaxInterval(c.retry.MaxInterval))
	}
	if c.retry.Multiplier >= 1 {
		opts = append(opts, backoff.WithMultiplier(c.retry.Multiplier))
	}
	return backoff.NewExponentialBackOff(opts...)
}

// Request connects to socketPath (a bundle directory or its socket file),
// writes payload, half-closes and returns
// everything the peer sends before closing.
//
// A failed connect re-resolves the route through the locator, which may
// yield a different socket, and tries again after a backoff. After
// MaxAttempts failed connects Request returns ErrRetriesExhausted. Errors
// after a connection is established are not retried.
func (c *SocketClient) Request(ctx context.Context, payload []byte, socketPath string) ([]byte, error) {
	path := bundle.SocketPath(socketPath, c.suffix)
	b := c.newBackOff()

	for attempt := 1; ; attempt++ {
		conn, err := c.dial(ctx, path)
		if err == nil {
			resp, err := exchange(ctx, conn, payload)
			if err != nil {
				c.metrics.TransportAttempt(metrics.TransportSocket, metrics.OutcomeError)
				return nil, err
			}
			c.metrics.TransportAttempt(metrics.TransportSocket, metrics.OutcomeOK)
			c.logger.Debug("socket request complete",
				zap.String("socket", path),
				zap.Int("attempts", attempt),
				zap.Int("request_bytes", len(payload)),
				zap.Int("response_bytes", len(resp)))
			return resp, nil
		}
		c.metrics.TransportAttempt(metrics.TransportSocket, metrics.OutcomeMiss)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(errors.PhaseTransport, errors.KindUnavailable, ctxErr, "socket request cancelled")
		}
		if attempt >= c.maxAttempts {
			return nil, errors.New(errors.PhaseTransport, errors.KindRetriesExhausted).
				Path(path).
				Detail("connect failed after %d attempts", attempt).
				Cause(err).
				Build()
		}

		c.metrics.Rediscovery()
		if route, ok, lerr := c.locator.Locate(ctx); lerr == nil && ok && route.SocketPath != path {
			c.logger.Debug("rediscovered socket", zap.String("from", path), zap.String("to", route.SocketPath))
			path = route.SocketPath
		}

		if err := c.wait(ctx, b); err != nil {
			return nil, errors.Wrap(errors.PhaseTransport, errors.KindUnavailable, err, "socket request cancelled")
		}
	}
}

// wait sleeps for the next backoff interval or until the scan root changes.
func (c *SocketClient) wait(ctx context.Context, b backoff.BackOff) error {
	d := b.NextBackOff()
	if d == backoff.Stop {
		d = c.retry.MaxInterval
	}
	if d <= 0 {
		return ctx.Err()
	}

	var changes <-chan struct{}
	if c.notifier != nil {
		changes = c.notifier.Changes()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case <-changes:
		b.Reset()
	}
	return nil
}

// exchange writes the request, half-closes and reads to end of stream.
func exchange(ctx context.Context, conn net.Conn, payload []byte) ([]byte, error) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(payload); err != nil {
		return nil, errors.IO(errors.PhaseTransport, "write request", err)
	}
	if err := closeWrite(conn); err != nil {
		return nil, errors.IO(errors.PhaseTransport, "half-close request", err)
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		return nil, errors.IO(errors.PhaseTransport, "read response", err)
	}
	return resp, nil
}

type writeCloser interface {
	CloseWrite() error
}

func closeWrite(conn net.Conn) error {
	if wc, ok := conn.(writeCloser); ok {
		return wc.CloseWrite()
	}
	return nil
}
