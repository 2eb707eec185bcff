package engine

import (
	"io"
	"strings"

	"github.com/tetratelabs/wazero"
)

// Preopen maps a guest directory to a host directory.
type Preopen struct {
	Guest    string
	Host     string
	ReadOnly bool
}

// Environ is the WASI view a module instance is created with.
// The zero value gives empty args, env and mounts.
type Environ struct {
	Stdout   io.Writer
	Stderr   io.Writer
	Args     []string
	Env      []string // KEY=VALUE
	Preopens []Preopen
}

// moduleConfig never runs start functions; callers invoke entry points
// explicitly under the engine lock.
func (env Environ) moduleConfig(name string) wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions()

	if len(env.Args) > 0 {
		cfg = cfg.WithArgs(env.Args...)
	}
	for _, kv := range env.Env {
		k, v, _ := strings.Cut(kv, "=")
		if k == "" {
			continue
		}
		cfg = cfg.WithEnv(k, v)
	}
	if len(env.Preopens) > 0 {
		fs := wazero.NewFSConfig()
		for _, p := range env.Preopens {
			if p.ReadOnly {
				fs = fs.WithReadOnlyDirMount(p.Host, p.Guest)
			} else {
				fs = fs.WithDirMount(p.Host, p.Guest)
			}
		}
		cfg = cfg.WithFSConfig(fs)
	}
	if env.Stdout != nil {
		cfg = cfg.WithStdout(env.Stdout)
	}
	if env.Stderr != nil {
		cfg = cfg.WithStderr(env.Stderr)
	}
	return cfg
}
