package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wippyai/wasm-relay/bundle"
	"github.com/wippyai/wasm-relay/config"
	"github.com/wippyai/wasm-relay/errors"
)

type fakeLocator struct {
	route bundle.Route
	ok    bool
	calls atomic.Int32
}

func (f *fakeLocator) Locate(context.Context) (bundle.Route, bool, error) {
	f.calls.Add(1)
	return f.route, f.ok, nil
}

type changeChan chan struct{}

func (c changeChan) Changes() <-chan struct{} { return c }

// serveOnce answers one connection on a unix socket with respond(request).
func serveOnce(t *testing.T, path string, respond func([]byte) []byte) <-chan []byte {
	t.Helper()
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen %s: %v", path, err)
	}
	got := make(chan []byte, 1)
	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, _ := io.ReadAll(conn)
		got <- req
		_, _ = conn.Write(respond(req))
	}()
	t.Cleanup(func() { ln.Close() })
	return got
}

func fastConfig() config.Config {
	cfg := config.Default()
	cfg.Retry.InitialInterval = time.Millisecond
	cfg.Retry.MaxInterval = 2 * time.Millisecond
	return cfg
}

func TestRequest_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "fn.sock")
	got := serveOnce(t, sock, func(req []byte) []byte { return append([]byte("re:"), req...) })

	c := NewSocketClient(&fakeLocator{}, fastConfig())
	resp, err := c.Request(context.Background(), []byte("ping"), sock)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp) != "re:ping" {
		t.Errorf("response = %q", resp)
	}
	if req := <-got; string(req) != "ping" {
		t.Errorf("server saw %q", req)
	}
}

func TestRequest_AcceptsBundleDirectory(t *testing.T) {
	dir := t.TempDir()
	bundleDir := filepath.Join(dir, "fn")
	serveOnce(t, bundleDir+".sock", func([]byte) []byte { return []byte("ok") })

	c := NewSocketClient(&fakeLocator{}, fastConfig())
	resp, err := c.Request(context.Background(), []byte("x"), bundleDir)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp) != "ok" {
		t.Errorf("response = %q", resp)
	}
}

func TestRequest_EmptyResponse(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "fn.sock")
	serveOnce(t, sock, func([]byte) []byte { return nil })

	resp, err := NewSocketClient(&fakeLocator{}, fastConfig()).Request(context.Background(), []byte("x"), sock)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp) != 0 {
		t.Errorf("response = %q, want empty", resp)
	}
}

func TestRequest_KeepsRetryingUnderCeiling(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "fn.sock")
	serveOnce(t, sock, func([]byte) []byte { return []byte("done") })

	loc := &fakeLocator{route: bundle.Route{SocketPath: sock, FunctionName: "fn", FunctionAddress: "127.0.0.1:1"}, ok: true}
	var attempts atomic.Int32
	dial := func(ctx context.Context, path string) (net.Conn, error) {
		if attempts.Add(1) <= 3 {
			return nil, &net.OpError{Op: "dial", Net: "unix", Err: io.ErrUnexpectedEOF}
		}
		return dialUnix(ctx, path)
	}

	c := NewSocketClient(loc, fastConfig(), WithDialer(dial))
	resp, err := c.Request(context.Background(), []byte("x"), sock)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp) != "done" {
		t.Errorf("response = %q", resp)
	}
	if got := attempts.Load(); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}
	if got := loc.calls.Load(); got != 3 {
		t.Errorf("rediscoveries = %d, want 3", got)
	}
}

func TestRequest_RetriesExhausted(t *testing.T) {
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 3

	var attempts atomic.Int32
	dial := func(context.Context, string) (net.Conn, error) {
		attempts.Add(1)
		return nil, io.ErrClosedPipe
	}
	c := NewSocketClient(&fakeLocator{}, cfg, WithDialer(dial))

	_, err := c.Request(context.Background(), []byte("x"), filepath.Join(t.TempDir(), "absent.sock"))
	if !errors.Is(err, errors.ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRequest_FollowsRediscoveredRoute(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "old.sock")
	fresh := filepath.Join(dir, "new.sock")
	serveOnce(t, fresh, func([]byte) []byte { return []byte("fresh") })

	loc := &fakeLocator{route: bundle.Route{SocketPath: fresh}, ok: true}
	resp, err := NewSocketClient(loc, fastConfig()).Request(context.Background(), []byte("x"), stale)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp) != "fresh" {
		t.Errorf("response = %q", resp)
	}
}

func TestRequest_ChangeWakesBackoff(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "fn.sock")
	serveOnce(t, sock, func([]byte) []byte { return []byte("woke") })

	cfg := config.Default()
	cfg.Retry.InitialInterval = time.Hour
	cfg.Retry.MaxInterval = time.Hour

	changes := make(changeChan, 1)
	changes <- struct{}{}

	var attempts atomic.Int32
	dial := func(ctx context.Context, path string) (net.Conn, error) {
		if attempts.Add(1) == 1 {
			return nil, io.ErrClosedPipe
		}
		return dialUnix(ctx, path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := NewSocketClient(&fakeLocator{}, cfg, WithDialer(dial), WithChangeNotifier(changes))
	resp, err := c.Request(ctx, []byte("x"), sock)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp) != "woke" {
		t.Errorf("response = %q", resp)
	}
}

func TestRequest_CancelledWhileWaiting(t *testing.T) {
	cfg := config.Default()
	cfg.Retry.InitialInterval = time.Hour
	cfg.Retry.MaxInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	dial := func(context.Context, string) (net.Conn, error) {
		once.Do(func() { time.AfterFunc(20*time.Millisecond, cancel) })
		return nil, io.ErrClosedPipe
	}

	_, err := NewSocketClient(&fakeLocator{}, cfg, WithDialer(dial)).Request(ctx, []byte("x"), "/nonexistent/fn.sock")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, errors.ErrRetriesExhausted) {
		t.Errorf("cancellation reported as exhaustion: %v", err)
	}
}

func TestExchange_LargePayload(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "fn.sock")
	payload := bytes.Repeat([]byte("0123456789abcdef"), 1<<14)
	got := serveOnce(t, sock, func(req []byte) []byte { return req })

	resp, err := NewSocketClient(&fakeLocator{}, fastConfig()).Request(context.Background(), payload, sock)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp, payload) {
		t.Errorf("echo mismatch: %d bytes back, want %d", len(resp), len(payload))
	}
	if req := <-got; len(req) != len(payload) {
		t.Errorf("server saw %d bytes", len(req))
	}
}
