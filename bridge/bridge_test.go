package bridge

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-relay/bundle"
	"github.com/wippyai/wasm-relay/config"
	"github.com/wippyai/wasm-relay/engine"
	"github.com/wippyai/wasm-relay/errors"
	"github.com/wippyai/wasm-relay/internal/wasmtest"
	"github.com/wippyai/wasm-relay/transport"
)

const reqAddr = 4096

type staticLocator struct {
	route bundle.Route
	ok    bool
	calls atomic.Int32
}

func (l *staticLocator) Locate(context.Context) (bundle.Route, bool, error) {
	l.calls.Add(1)
	return l.route, l.ok, nil
}

type fakeRequester struct {
	resp []byte
	err  error
	got  []byte
}

func (f *fakeRequester) Request(_ context.Context, payload []byte, _ string) ([]byte, error) {
	f.got = append([]byte(nil), payload...)
	return f.resp, f.err
}

type recordingPush struct {
	err     error
	calls   int
	address string
	payload []byte
}

func (p *recordingPush) push(_ context.Context, payload []byte, address string) error {
	p.calls++
	p.address = address
	p.payload = append([]byte(nil), payload...)
	return p.err
}

var billing = bundle.Route{
	SocketPath:      "/run/fn/billing.sock",
	FunctionName:    "billing",
	FunctionAddress: "127.0.0.1:9000",
}

// newGuest loads a main module that imports the bridge and returns the engine.
func newGuest(t *testing.T, b *Bridge, extra ...func(*engine.Engine)) *engine.Engine {
	t.Helper()
	ctx := context.Background()
	eng := engine.New(ctx, engine.Config{})
	t.Cleanup(func() { eng.Close(ctx) })
	b.engine = eng

	if err := b.Register(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, fn := range extra {
		fn(eng)
	}
	if _, err := eng.Load(ctx, engine.MainModuleName, wasmtest.Main(wasmtest.MainOptions{Bridge: true}), engine.RoleMain, engine.Environ{}); err != nil {
		t.Fatalf("load main: %v", err)
	}
	return eng
}

// callBridge writes req into the guest and has the guest call the bridge.
func callBridge(t *testing.T, eng *engine.Engine, req []byte, reserve uint32) (uint32, []byte, error) {
	t.Helper()
	var (
		n   uint32
		mem []byte
	)
	err := eng.Do(context.Background(), func(ctx context.Context, s *engine.Session) error {
		if err := s.Write(engine.MainModuleName, reqAddr, req); err != nil {
			return err
		}
		res, err := s.Call(ctx, engine.MainModuleName, "call_bridge", reqAddr, uint64(len(req)))
		if err != nil {
			return err
		}
		n = api.DecodeU32(res[0])
		mem, err = s.Read(engine.MainModuleName, reqAddr, reserve)
		return err
	})
	return n, mem, err
}

func TestCall_WritesResponseBack(t *testing.T) {
	tests := []struct {
		name string
		req  string
		resp string
	}{
		{"same length", "ping", "pong"},
		{"grows", "hi", "hello world"},
		{"shrinks", "a long request", "ok"},
		{"empty response", "noop", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &fakeRequester{resp: []byte(tt.resp)}
			push := &recordingPush{}
			b := New(nil, &staticLocator{route: billing, ok: true}, req, WithPusher(push.push))
			eng := newGuest(t, b)

			reserve := uint32(max(len(tt.req), len(tt.resp)))
			n, mem, err := callBridge(t, eng, []byte(tt.req), reserve)
			if err != nil {
				t.Fatalf("call_bridge: %v", err)
			}
			if int(n) != len(tt.resp) {
				t.Errorf("new length = %d, want %d", n, len(tt.resp))
			}
			if !bytes.Equal(mem[:n], []byte(tt.resp)) {
				t.Errorf("memory = %q, want %q", mem[:n], tt.resp)
			}
			if string(req.got) != tt.req {
				t.Errorf("socket saw %q, want %q", req.got, tt.req)
			}
			if push.calls != 0 {
				t.Error("fallback used on socket success")
			}
		})
	}
}

func TestCall_FunctionNotFound(t *testing.T) {
	req := &fakeRequester{resp: []byte("unused")}
	b := New(nil, &staticLocator{}, req)
	eng := newGuest(t, b)

	_, _, err := callBridge(t, eng, []byte("payload"), 7)
	if !errors.Is(err, errors.ErrFunctionNotFound) {
		t.Fatalf("err = %v, want function not found", err)
	}
	if req.got != nil {
		t.Error("transport used without a route")
	}

	var mem []byte
	_ = eng.Do(context.Background(), func(_ context.Context, s *engine.Session) error {
		mem, _ = s.Read(engine.MainModuleName, reqAddr, 7)
		return nil
	})
	if string(mem) != "payload" {
		t.Errorf("memory = %q, want untouched", mem)
	}
}

func TestCall_FallbackOnSocketFailure(t *testing.T) {
	req := &fakeRequester{err: errors.IO(errors.PhaseTransport, "write request", io.ErrClosedPipe)}
	push := &recordingPush{}
	route := billing
	route.FunctionAddress = "/ip4/127.0.0.1/tcp/9000"
	b := New(nil, &staticLocator{route: route, ok: true}, req, WithPusher(push.push))
	eng := newGuest(t, b)

	n, mem, err := callBridge(t, eng, []byte("order-42"), 8)
	if err != nil {
		t.Fatalf("call_bridge: %v", err)
	}
	if n != 0 {
		t.Errorf("new length = %d, want 0 on the fallback path", n)
	}
	if string(mem) != "order-42" {
		t.Errorf("memory = %q, want untouched", mem)
	}
	if push.calls != 1 || push.address != "127.0.0.1:9000" || string(push.payload) != "order-42" {
		t.Errorf("push = %+v", push)
	}
}

func TestCall_CommunicationFailure(t *testing.T) {
	req := &fakeRequester{err: errors.IO(errors.PhaseTransport, "read response", io.ErrUnexpectedEOF)}
	push := &recordingPush{err: errors.New(errors.PhaseTransport, errors.KindUnavailable).Build()}
	b := New(nil, &staticLocator{route: billing, ok: true}, req, WithPusher(push.push))
	eng := newGuest(t, b)

	_, _, err := callBridge(t, eng, []byte("x"), 1)
	if !errors.Is(err, errors.ErrCommunication) {
		t.Fatalf("err = %v, want communication failure", err)
	}
	if push.calls != 1 {
		t.Errorf("push calls = %d", push.calls)
	}
}

func TestCall_BadFunctionAddressIsCommunicationFailure(t *testing.T) {
	req := &fakeRequester{err: io.ErrClosedPipe}
	push := &recordingPush{}
	route := billing
	route.FunctionAddress = "not-an-address"
	b := New(nil, &staticLocator{route: route, ok: true}, req, WithPusher(push.push))
	eng := newGuest(t, b)

	_, _, err := callBridge(t, eng, []byte("x"), 1)
	if !errors.Is(err, errors.ErrCommunication) {
		t.Fatalf("err = %v", err)
	}
	if push.calls != 0 {
		t.Error("pushed to an unparsable address")
	}
}

func TestCall_RetriesExhaustedSkipsFallback(t *testing.T) {
	req := &fakeRequester{err: errors.New(errors.PhaseTransport, errors.KindRetriesExhausted).Build()}
	push := &recordingPush{}
	b := New(nil, &staticLocator{route: billing, ok: true}, req, WithPusher(push.push))
	eng := newGuest(t, b)

	_, _, err := callBridge(t, eng, []byte("x"), 1)
	if !errors.Is(err, errors.ErrRetriesExhausted) {
		t.Fatalf("err = %v, want retries exhausted", err)
	}
	if push.calls != 0 {
		t.Error("fallback attempted after exhausting retries")
	}
}

func TestCall_OutOfBoundsRequest(t *testing.T) {
	loc := &staticLocator{route: billing, ok: true}
	b := New(nil, loc, &fakeRequester{})
	eng := newGuest(t, b)

	err := eng.Do(context.Background(), func(ctx context.Context, s *engine.Session) error {
		_, err := s.Call(ctx, engine.MainModuleName, "call_bridge", 65530, 64)
		return err
	})
	var e *errors.Error
	if !errors.As(err, &e) {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, &errors.Error{Phase: errors.PhaseBridge, Kind: errors.KindOutOfBounds}) {
		t.Errorf("err = %v, want [bridge] out_of_bounds", err)
	}
	if loc.calls.Load() != 0 {
		t.Error("located a route for an unreadable request")
	}
}

func TestCall_TransfersToSourceFirst(t *testing.T) {
	const source = "producer"
	req := &fakeRequester{resp: []byte("done")}
	b := New(nil, &staticLocator{route: billing, ok: true}, req, WithSource(source))
	eng := newGuest(t, b, func(eng *engine.Engine) {
		if _, err := eng.Load(context.Background(), source, wasmtest.Source(wasmtest.SourceOptions{}), engine.RoleSource, engine.Environ{}); err != nil {
			t.Fatal(err)
		}
	})

	payload := []byte{7, 0, 0, 0, 'j', 'o', 'b'}
	n, mem, err := callBridge(t, eng, payload, uint32(len(payload)))
	if err != nil {
		t.Fatalf("call_bridge: %v", err)
	}
	if string(mem[:n]) != "done" {
		t.Errorf("memory = %q", mem[:n])
	}

	var processed, word int32
	var copied []byte
	_ = eng.Do(context.Background(), func(_ context.Context, s *engine.Session) error {
		mod, err := s.Module(source)
		if err != nil {
			t.Fatal(err)
		}
		processed = api.DecodeI32(mod.ExportedGlobal("processed").Get())
		word = api.DecodeI32(mod.ExportedGlobal("last_word").Get())
		copied, _ = s.Read(source, wasmtest.SourceHeapBase, uint32(len(payload)))
		return nil
	})
	if processed != 1 || word != 7 {
		t.Errorf("processed = %d, last_word = %d", processed, word)
	}
	if !bytes.Equal(copied, payload) {
		t.Errorf("source copy = %v, want %v", copied, payload)
	}
}

func TestCall_MissingSourceFails(t *testing.T) {
	req := &fakeRequester{resp: []byte("done")}
	b := New(nil, &staticLocator{route: billing, ok: true}, req, WithSource("absent"))
	eng := newGuest(t, b)

	_, _, err := callBridge(t, eng, []byte("x"), 1)
	if !errors.Is(err, &errors.Error{Phase: errors.PhaseTransfer, Kind: errors.KindNotFound}) {
		t.Fatalf("err = %v, want [transfer] not_found", err)
	}
	if req.got != nil {
		t.Error("remote hop attempted after a failed transfer")
	}
}

func TestRegister_NoEngine(t *testing.T) {
	b := New(nil, &staticLocator{}, &fakeRequester{})
	if err := b.Register(context.Background()); err == nil {
		t.Error("expected error without an engine")
	}
}

func TestCall_ThroughRealTransports(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "billing.sock")

	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, _ := io.ReadAll(conn)
		_, _ = conn.Write(bytes.ToUpper(req))
	}()

	loc := &staticLocator{route: bundle.Route{SocketPath: sock, FunctionName: "billing", FunctionAddress: "127.0.0.1:1"}, ok: true}
	cfg := config.Default()
	cfg.Retry.InitialInterval = time.Millisecond
	b := New(nil, loc, transport.NewSocketClient(loc, cfg))
	eng := newGuest(t, b)

	n, mem, err := callBridge(t, eng, []byte("invoice"), 7)
	if err != nil {
		t.Fatalf("call_bridge: %v", err)
	}
	if string(mem[:n]) != "INVOICE" {
		t.Errorf("memory = %q", mem[:n])
	}
}

func TestCall_FallbackPushesOverTCP(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := probe.Addr().String()
	probe.Close()

	loc := &staticLocator{route: bundle.Route{
		SocketPath:      filepath.Join(t.TempDir(), "gone.sock"),
		FunctionName:    "billing",
		FunctionAddress: addr,
	}, ok: true}
	req := &fakeRequester{err: io.ErrClosedPipe}
	b := New(nil, loc, req)
	eng := newGuest(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	received := make(chan []byte, 1)
	go func() {
		data, err := transport.NewReceiver(config.BootstrapConfig{}, nil).Receive(ctx, addr)
		if err != nil {
			received <- nil
			return
		}
		received <- data
	}()

	n, _, err := callBridge(t, eng, []byte("abc"), 3)
	if err != nil {
		t.Fatalf("call_bridge: %v", err)
	}
	if n != 0 {
		t.Errorf("new length = %d", n)
	}
	if got := <-received; string(got) != "abc" {
		t.Errorf("receiver got %q, want abc", got)
	}
}
