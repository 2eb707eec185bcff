package transport

import (
	"context"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wippyai/wasm-relay/config"
	"github.com/wippyai/wasm-relay/errors"
	"github.com/wippyai/wasm-relay/metrics"
)

// Receiver dials an upstream push until one connection succeeds and reads
// it to end of stream.
type Receiver struct {
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewReceiver paces dial attempts by cfg. A non-positive rate dials
// without pause.
func NewReceiver(cfg config.BootstrapConfig, m *metrics.Metrics) *Receiver {
	limit := rate.Limit(cfg.DialRate)
	if cfg.DialRate <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Receiver{
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
		logger:  Logger(),
	}
}

// Receive loops dialing address until it connects, then returns everything
// the peer writes before closing. Only ctx ends the loop early.
func (r *Receiver) Receive(ctx context.Context, address string) ([]byte, error) {
	var d net.Dialer
	for attempt := 1; ; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(errors.PhaseTransport, errors.KindUnavailable, err, "bootstrap receive cancelled")
		}

		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			r.metrics.TransportAttempt(metrics.TransportNetwork, metrics.OutcomeMiss)
			if attempt == 1 || attempt%100 == 0 {
				r.logger.Debug("upstream not ready", zap.String("address", address), zap.Int("attempt", attempt), zap.Error(err))
			}
			continue
		}

		data, err := readAll(ctx, conn)
		if err != nil {
			r.metrics.TransportAttempt(metrics.TransportNetwork, metrics.OutcomeError)
			return nil, err
		}
		r.metrics.TransportAttempt(metrics.TransportNetwork, metrics.OutcomeOK)
		r.logger.Info("bootstrap input received",
			zap.String("address", address),
			zap.Int("bytes", len(data)),
			zap.Int("attempts", attempt))
		return data, nil
	}
}

func readAll(ctx context.Context, conn net.Conn) ([]byte, error) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	data, err := io.ReadAll(conn)
	if err != nil {
		return nil, errors.IO(errors.PhaseTransport, "read upstream", err)
	}
	return data, nil
}
