package transport

import (
	"context"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-relay/errors"
)

// PushBind binds a TCP listener at address, accepts exactly one connection,
// writes payload to it and closes. No response is read.
func PushBind(ctx context.Context, payload []byte, address string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return errors.New(errors.PhaseTransport, errors.KindUnavailable).
			Value(address).
			Detail("bind push listener").
			Cause(err).
			Build()
	}
	defer ln.Close()
	return ServePush(ctx, ln, payload)
}

// ServePush accepts one connection on ln and pushes payload to it.
// The listener is left open; closing it is the caller's job.
func ServePush(ctx context.Context, ln net.Listener, payload []byte) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrap(errors.PhaseTransport, errors.KindUnavailable, ctxErr, "push cancelled")
		}
		return errors.IO(errors.PhaseTransport, "accept push connection", err)
	}
	defer conn.Close()

	if err := PushTo(conn, payload); err != nil {
		return err
	}
	Logger().Debug("payload pushed",
		zap.String("listener", ln.Addr().String()),
		zap.String("peer", conn.RemoteAddr().String()),
		zap.Int("bytes", len(payload)))
	return nil
}

// PushTo writes the full payload to w.
func PushTo(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return errors.IO(errors.PhaseTransport, "write payload", err)
	}
	return nil
}
