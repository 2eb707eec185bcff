package invoke

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-relay/bundle"
	"github.com/wippyai/wasm-relay/config"
	"github.com/wippyai/wasm-relay/errors"
)

// Stop asks the server behind a bundle's socket to stop by sending the stop
// sentinel, then removes the socket file. bundlePath may name the bundle
// directory or the socket itself. The socket is removed even when the
// server could not be reached. An empty suffix means the default one.
func Stop(ctx context.Context, bundlePath, suffix string) error {
	if suffix == "" {
		suffix = config.DefaultSocketSuffix
	}
	path := bundle.SocketPath(bundlePath, suffix)
	log := Logger().With(zap.String("socket", path))

	sendErr := sendStop(ctx, path)
	if err := bundle.RemoveSocket(path); err != nil {
		log.Warn("remove socket", zap.Error(err))
	}
	if sendErr != nil {
		return sendErr
	}
	log.Info("stop sent")
	return nil
}

func sendStop(ctx context.Context, path string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return errors.New(errors.PhaseInvoke, errors.KindUnavailable).
			Path(path).
			Detail("connect for stop").
			Cause(err).
			Build()
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write([]byte(StopSentinel)); err != nil {
		return errors.IO(errors.PhaseInvoke, "send stop", err)
	}
	return nil
}
