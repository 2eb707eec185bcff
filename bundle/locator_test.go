package bundle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/wippyai/wasm-relay/config"
)

type testBundle struct {
	annotations map[string]string
	raw         string
	dir         string
	socket      bool
}

// writeBundles lays out <root>/<dir>/config.json and optional <root>/<dir>.sock files.
func writeBundles(t *testing.T, root string, bundles []testBundle) {
	t.Helper()
	for _, b := range bundles {
		dir := filepath.Join(root, b.dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		data := []byte(b.raw)
		if b.raw == "" {
			var err error
			data, err = json.Marshal(Manifest{Version: "1.0.2", Annotations: b.annotations})
			if err != nil {
				t.Fatal(err)
			}
		}
		if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644); err != nil {
			t.Fatal(err)
		}
		if b.socket {
			if err := os.WriteFile(dir+".sock", nil, 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func newTestLocator(root string) *Locator {
	cfg := config.Default()
	cfg.ScanRoot = root
	return NewLocator(cfg)
}

func target(fn, addr string) map[string]string {
	return map[string]string{
		AnnotationTargetFunction: fn,
		AnnotationTargetAddress:  addr,
	}
}

func TestLocate_QualifiedBundle(t *testing.T) {
	root := t.TempDir()
	writeBundles(t, root, []testBundle{
		{dir: "default/billing", annotations: target("billing", "10.0.0.5:9000"), socket: true},
	})

	route, ok, err := newTestLocator(root).Locate(context.Background())
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if !ok {
		t.Fatal("expected a route")
	}

	want := Route{
		SocketPath:      filepath.Join(root, "default/billing") + ".sock",
		FunctionName:    "billing",
		FunctionAddress: "10.0.0.5:9000",
	}
	if route != want {
		t.Errorf("got %+v, want %+v", route, want)
	}
}

func TestLocate_SocketAbsent(t *testing.T) {
	root := t.TempDir()
	writeBundles(t, root, []testBundle{
		{dir: "default/billing", annotations: target("billing", "10.0.0.5:9000")},
	})

	_, ok, err := newTestLocator(root).Locate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("bundle without socket must not be returned")
	}
}

func TestLocate_OnlyQualifiedBundles(t *testing.T) {
	root := t.TempDir()
	writeBundles(t, root, []testBundle{
		{dir: "ns/a-empty-function", annotations: target("", "10.0.0.1:1"), socket: true},
		{dir: "ns/b-empty-address", annotations: target("fn", ""), socket: true},
		{dir: "ns/c-no-socket", annotations: target("fn", "10.0.0.3:3")},
		{dir: "ns/d-no-annotations", socket: true},
		{dir: "ns/e-slash-only", annotations: target("/", "10.0.0.5:5"), socket: true},
		{dir: "ns/f-good", annotations: target("/inventory/", "10.0.0.6:6"), socket: true},
	})

	loc := newTestLocator(root)
	route, ok, err := loc.Locate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected the qualified bundle")
	}
	if route.FunctionName != "inventory" {
		t.Errorf("FunctionName = %q, want separators stripped", route.FunctionName)
	}
	if route.FunctionAddress != "10.0.0.6:6" {
		t.Errorf("FunctionAddress = %q", route.FunctionAddress)
	}

	candidates, err := loc.Candidates(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]Status{
		"a-empty-function": StatusMissingAnnotation,
		"b-empty-address":  StatusMissingAnnotation,
		"c-no-socket":      StatusNoSocket,
		"d-no-annotations": StatusMissingAnnotation,
		"e-slash-only":     StatusMissingAnnotation,
		"f-good":           StatusQualified,
	}
	if len(candidates) != len(want) {
		t.Fatalf("got %d candidates, want %d", len(candidates), len(want))
	}
	qualified := 0
	for _, c := range candidates {
		name := filepath.Base(c.Dir)
		if c.Status != want[name] {
			t.Errorf("%s: status %s, want %s", name, c.Status, want[name])
		}
		if c.Status == StatusQualified {
			qualified++
		}
	}
	if qualified != 1 {
		t.Errorf("qualified = %d, want 1", qualified)
	}
}

func TestLocate_UnparsableManifestDoesNotHaltScan(t *testing.T) {
	root := t.TempDir()
	writeBundles(t, root, []testBundle{
		{dir: "ns/a-broken", raw: "{not json", socket: true},
		{dir: "ns/b-valid", annotations: target("billing", "10.0.0.5:9000"), socket: true},
	})

	loc := newTestLocator(root)
	route, ok, err := loc.Locate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ok || route.FunctionName != "billing" {
		t.Fatalf("got %+v, %v", route, ok)
	}

	candidates, err := loc.Candidates(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if candidates[0].Status != StatusParseError || candidates[0].Err == nil {
		t.Errorf("first candidate = %+v, want parse error", candidates[0])
	}
}

func TestLocate_FirstMatchWins(t *testing.T) {
	root := t.TempDir()
	writeBundles(t, root, []testBundle{
		{dir: "ns/a", annotations: target("first", "10.0.0.1:1"), socket: true},
		{dir: "ns/b", annotations: target("second", "10.0.0.2:2"), socket: true},
	})

	route, ok, err := newTestLocator(root).Locate(context.Background())
	if err != nil || !ok {
		t.Fatalf("Locate: %v %v", ok, err)
	}
	if route.FunctionName != "first" {
		t.Errorf("FunctionName = %q, want first in walk order", route.FunctionName)
	}
}

func TestLocate_ReflectsSocketChurn(t *testing.T) {
	root := t.TempDir()
	writeBundles(t, root, []testBundle{
		{dir: "ns/fn", annotations: target("fn", "10.0.0.1:1")},
	})
	loc := newTestLocator(root)
	ctx := context.Background()

	if _, ok, _ := loc.Locate(ctx); ok {
		t.Fatal("no socket yet")
	}
	sock := filepath.Join(root, "ns/fn.sock")
	if err := os.WriteFile(sock, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := loc.Locate(ctx); !ok {
		t.Fatal("socket appeared, expected route")
	}
	if err := RemoveSocket(sock); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := loc.Locate(ctx); ok {
		t.Fatal("socket removed, expected no route")
	}
}

func TestLocate_MissingRoot(t *testing.T) {
	loc := newTestLocator(filepath.Join(t.TempDir(), "absent"))
	_, ok, err := loc.Locate(context.Background())
	if err != nil || ok {
		t.Errorf("got ok=%v err=%v, want no route and no error", ok, err)
	}
}

func TestLocate_EmptyRoot(t *testing.T) {
	loc := NewLocator(config.Default())
	if loc.Root() != "" {
		t.Fatalf("Root = %q", loc.Root())
	}
	_, ok, err := loc.Locate(context.Background())
	if err != nil || ok {
		t.Errorf("got ok=%v err=%v", ok, err)
	}
}

func TestLocate_Cancelled(t *testing.T) {
	root := t.TempDir()
	writeBundles(t, root, []testBundle{
		{dir: "ns/fn", annotations: target("fn", "10.0.0.1:1"), socket: true},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := newTestLocator(root).Locate(ctx)
	if err == nil || ok {
		t.Errorf("got ok=%v err=%v, want cancellation", ok, err)
	}
}

func TestLocate_CustomManifestName(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "ns", "fn")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(Manifest{Annotations: target("fn", "10.0.0.1:1")})
	if err := os.WriteFile(filepath.Join(dir, "bundle.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir+".sock", nil, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.ScanRoot = root
	if _, ok, _ := NewLocator(cfg).Locate(context.Background()); ok {
		t.Error("default manifest name should not match bundle.json")
	}
	cfg.ManifestName = "bundle.json"
	if _, ok, _ := NewLocator(cfg).Locate(context.Background()); !ok {
		t.Error("custom manifest name should match")
	}
}
