package bundle

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wippyai/wasm-relay/errors"
)

// Annotation keys read from a bundle manifest.
const (
	AnnotationTargetFunction    = "target.function"
	AnnotationTargetAddress     = "target.address"
	AnnotationSecondaryFunction = "secondary.function"
	AnnotationSourceModule      = "source.module"
	AnnotationSourceAddress     = "source.address"
)

// Manifest is the subset of an OCI runtime config.json the relay reads.
type Manifest struct {
	Annotations map[string]string `json:"annotations,omitempty"`
	Process     *Process          `json:"process,omitempty"`
	Root        *Root             `json:"root,omitempty"`
	Linux       *Linux            `json:"linux,omitempty"`
	Version     string            `json:"ociVersion,omitempty"`
	Mounts      []Mount           `json:"mounts,omitempty"`
}

type Process struct {
	Cwd  string   `json:"cwd,omitempty"`
	Args []string `json:"args,omitempty"`
	Env  []string `json:"env,omitempty"`
}

type Root struct {
	Path     string `json:"path"`
	Readonly bool   `json:"readonly,omitempty"`
}

type Linux struct {
	CgroupsPath string `json:"cgroupsPath,omitempty"`
}

type Mount struct {
	Destination string   `json:"destination"`
	Type        string   `json:"type,omitempty"`
	Source      string   `json:"source,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// LoadManifest reads and parses <dir>/<name>.
func LoadManifest(dir, name string) (*Manifest, error) {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindIO).
			Path(path).
			Detail("read manifest").
			Cause(err).
			Build()
	}
	return ParseManifest(data)
}

// ParseManifest decodes manifest JSON.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Load("parse manifest", err)
	}
	return &m, nil
}

// Annotation returns the annotation value for key, or "" when absent.
func (m *Manifest) Annotation(key string) string {
	if m == nil || m.Annotations == nil {
		return ""
	}
	return m.Annotations[key]
}

// Args returns the process arguments.
func (m *Manifest) Args() []string {
	if m == nil || m.Process == nil {
		return nil
	}
	return m.Process.Args
}

// Env returns the process environment as KEY=VALUE entries.
func (m *Manifest) Env() []string {
	if m == nil || m.Process == nil {
		return nil
	}
	return m.Process.Env
}

// EnvMap splits Env into a map. Entries without '=' map to "".
func (m *Manifest) EnvMap() map[string]string {
	env := m.Env()
	out := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// RootPath resolves root.path against the bundle directory. A relative or
// missing root defaults to <bundle>/rootfs.
func (m *Manifest) RootPath(bundleDir string) string {
	p := "rootfs"
	if m != nil && m.Root != nil && m.Root.Path != "" {
		p = m.Root.Path
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(bundleDir, p)
}

// BindMounts returns bind mounts as guest destination to host source preopens,
// sorted by guest path.
func (m *Manifest) BindMounts() []Preopen {
	if m == nil {
		return nil
	}
	var out []Preopen
	for _, mnt := range m.Mounts {
		if mnt.Type != "bind" || mnt.Source == "" || mnt.Destination == "" {
			continue
		}
		out = append(out, Preopen{Guest: mnt.Destination, Host: mnt.Source, ReadOnly: hasOption(mnt.Options, "ro")})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Guest < out[j].Guest })
	return out
}

// Preopen maps a guest directory to a host directory.
type Preopen struct {
	Guest    string
	Host     string
	ReadOnly bool
}

func hasOption(opts []string, want string) bool {
	for _, o := range opts {
		if o == want {
			return true
		}
	}
	return false
}

// EntryModule returns the main module file path: process.args[0] with any
// leading separator stripped, joined under the bundle rootfs.
func (m *Manifest) EntryModule(bundleDir string) (string, error) {
	args := m.Args()
	if len(args) == 0 || args[0] == "" {
		return "", errors.InvalidInput(errors.PhaseLoad, "manifest has no process.args entry module")
	}
	cmd := strings.TrimPrefix(args[0], string(filepath.Separator))
	return filepath.Join(m.RootPath(bundleDir), cmd), nil
}

// Secondary reports whether the bundle runs in network-bootstrap mode.
func (m *Manifest) Secondary() bool {
	return m.Annotation(AnnotationSecondaryFunction) == "true"
}

// BootstrapAddress returns the upstream address for bootstrap mode:
// process.args[1] when present, else the source.address annotation.
func (m *Manifest) BootstrapAddress() string {
	if args := m.Args(); len(args) > 1 && args[1] != "" {
		return args[1]
	}
	return m.Annotation(AnnotationSourceAddress)
}
