package bundle

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/wippyai/wasm-relay/errors"
)

const sampleManifest = `{
	"ociVersion": "1.0.2",
	"process": {
		"cwd": "/",
		"args": ["/handler.wasm", "10.0.0.9:7000"],
		"env": ["PATH=/usr/bin", "MODE=fast", "EMPTY=", "=ignored"]
	},
	"root": {"path": "rootfs", "readonly": true},
	"mounts": [
		{"destination": "/data", "type": "bind", "source": "/srv/data", "options": ["rbind", "ro"]},
		{"destination": "/proc", "type": "proc", "source": "proc"},
		{"destination": "/cache", "type": "bind", "source": "/srv/cache"}
	],
	"linux": {"cgroupsPath": "/relay/fn-1"},
	"annotations": {
		"target.function": "billing",
		"target.address": "10.0.0.5:9000",
		"secondary.function": "true",
		"source.module": "producer"
	}
}`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	if m.Version != "1.0.2" {
		t.Errorf("Version = %q", m.Version)
	}
	if got := m.Annotation(AnnotationTargetFunction); got != "billing" {
		t.Errorf("target.function = %q", got)
	}
	if got := m.Annotation("missing"); got != "" {
		t.Errorf("missing annotation = %q", got)
	}
	if !m.Secondary() {
		t.Error("Secondary() = false")
	}
	if got := m.BootstrapAddress(); got != "10.0.0.9:7000" {
		t.Errorf("BootstrapAddress = %q", got)
	}
	if m.Linux == nil || m.Linux.CgroupsPath != "/relay/fn-1" {
		t.Errorf("Linux = %+v", m.Linux)
	}

	env := m.EnvMap()
	wantEnv := map[string]string{"PATH": "/usr/bin", "MODE": "fast", "EMPTY": ""}
	if !reflect.DeepEqual(env, wantEnv) {
		t.Errorf("EnvMap = %v, want %v", env, wantEnv)
	}

	mounts := m.BindMounts()
	wantMounts := []Preopen{
		{Guest: "/cache", Host: "/srv/cache"},
		{Guest: "/data", Host: "/srv/data", ReadOnly: true},
	}
	if !reflect.DeepEqual(mounts, wantMounts) {
		t.Errorf("BindMounts = %+v, want %+v", mounts, wantMounts)
	}
}

func TestParseManifest_Invalid(t *testing.T) {
	_, err := ParseManifest([]byte("{"))
	if err == nil {
		t.Fatal("expected error")
	}
	var e *errors.Error
	if !errors.As(err, &e) || e.Phase != errors.PhaseLoad {
		t.Errorf("error = %v, want load phase", err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(sampleManifest), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadManifest(dir, "config.json")
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.Annotation(AnnotationSourceModule) != "producer" {
		t.Errorf("source.module = %q", m.Annotation(AnnotationSourceModule))
	}

	_, err = LoadManifest(dir, "absent.json")
	if err == nil {
		t.Fatal("expected error for missing manifest")
	}
	var e *errors.Error
	if !errors.As(err, &e) || e.Kind != errors.KindIO {
		t.Errorf("error = %v, want io kind", err)
	}
}

func TestManifest_NilSafe(t *testing.T) {
	var m *Manifest
	if m.Annotation(AnnotationTargetFunction) != "" {
		t.Error("nil Annotation")
	}
	if m.Args() != nil || m.Env() != nil || m.BindMounts() != nil {
		t.Error("nil accessors should return nil")
	}
	if m.Secondary() {
		t.Error("nil Secondary")
	}
	if got := m.RootPath("/b"); got != filepath.Join("/b", "rootfs") {
		t.Errorf("RootPath = %q", got)
	}
}

func TestManifest_RootPath(t *testing.T) {
	tests := []struct {
		name string
		root *Root
		want string
	}{
		{"default", nil, "/bundles/fn/rootfs"},
		{"empty path", &Root{}, "/bundles/fn/rootfs"},
		{"relative", &Root{Path: "fs"}, "/bundles/fn/fs"},
		{"absolute", &Root{Path: "/mnt/root"}, "/mnt/root"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{Root: tt.root}
			if got := m.RootPath("/bundles/fn"); got != tt.want {
				t.Errorf("RootPath = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestManifest_EntryModule(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"absolute arg", []string{"/handler.wasm"}, "/b/rootfs/handler.wasm", false},
		{"relative arg", []string{"bin/handler.wasm"}, "/b/rootfs/bin/handler.wasm", false},
		{"no args", nil, "", true},
		{"empty arg", []string{""}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{Process: &Process{Args: tt.args}}
			got, err := m.EntryModule("/b")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("EntryModule = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestManifest_BootstrapAddress(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		annotations map[string]string
		want        string
	}{
		{"from args", []string{"/m.wasm", "10.0.0.1:1"}, nil, "10.0.0.1:1"},
		{"from annotation", []string{"/m.wasm"}, map[string]string{AnnotationSourceAddress: "10.0.0.2:2"}, "10.0.0.2:2"},
		{"args win", []string{"/m.wasm", "10.0.0.1:1"}, map[string]string{AnnotationSourceAddress: "10.0.0.2:2"}, "10.0.0.1:1"},
		{"empty arg falls back", []string{"/m.wasm", ""}, map[string]string{AnnotationSourceAddress: "10.0.0.2:2"}, "10.0.0.2:2"},
		{"none", []string{"/m.wasm"}, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{Process: &Process{Args: tt.args}, Annotations: tt.annotations}
			if got := m.BootstrapAddress(); got != tt.want {
				t.Errorf("BootstrapAddress = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestManifest_Secondary(t *testing.T) {
	for value, want := range map[string]bool{"true": true, "false": false, "": false, "TRUE": false, "1": false} {
		m := &Manifest{Annotations: map[string]string{AnnotationSecondaryFunction: value}}
		if got := m.Secondary(); got != want {
			t.Errorf("Secondary(%q) = %v, want %v", value, got, want)
		}
	}
}
