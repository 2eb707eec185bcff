package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-relay/bundle"
	"github.com/wippyai/wasm-relay/errors"
	"github.com/wippyai/wasm-relay/invoke"
	"github.com/wippyai/wasm-relay/lifecycle"
)

func init() {
	var serve, pidFile string
	register(command{
		name:  "start",
		usage: "start --bundle <dir> [--serve once|loop|none] [--pid-file <file>]",
		flags: func(fs *pflag.FlagSet) {
			fs.StringVar(&serve, "serve", "once", "socket mode: once, loop or none")
			fs.StringVar(&pidFile, "pid-file", "", "write the process id here while running")
		},
		run: func(ctx context.Context, env *cli, _ []string) error {
			mode, err := parseServeMode(serve)
			if err != nil {
				return err
			}
			return runInstance(ctx, env, pidFile, lifecycle.WithServeMode(mode))
		},
	})

	register(command{
		name:  "serve",
		usage: "serve --bundle <dir>",
		run: func(ctx context.Context, env *cli, _ []string) error {
			return runInstance(ctx, env, "", lifecycle.WithServeMode(lifecycle.ServeLoop))
		},
	})

	register(command{
		name:  "bootstrap",
		usage: "bootstrap --bundle <dir> <address>",
		run: func(ctx context.Context, env *cli, args []string) error {
			if len(args) != 1 {
				return errors.InvalidInput(errors.PhaseLifecycle, "bootstrap takes exactly one address")
			}
			return runInstance(ctx, env, "", lifecycle.WithBootstrapAddress(args[0]))
		},
	})

	register(command{
		name:  "stop",
		usage: "stop --bundle <dir>",
		run: func(ctx context.Context, env *cli, _ []string) error {
			if err := requireBundle(env); err != nil {
				return err
			}
			return invoke.Stop(ctx, env.cfg.BundlePath, env.cfg.SocketSuffix)
		},
	})

	var sigName, killPidFile string
	var pid int
	register(command{
		name:  "kill",
		usage: "kill (--pid <n> | --pid-file <file>) [--signal KILL|INT]",
		flags: func(fs *pflag.FlagSet) {
			fs.StringVarP(&sigName, "signal", "s", "KILL", "signal to send: KILL or INT")
			fs.StringVar(&killPidFile, "pid-file", "", "file written by start --pid-file")
			fs.IntVar(&pid, "pid", 0, "process id of the instance")
		},
		run: func(_ context.Context, env *cli, _ []string) error {
			if env.cfg.BundlePath != "" {
				if err := bundle.RemoveSocket(env.cfg.SocketPath()); err != nil {
					env.logger.Warn("remove socket", zap.Error(err))
				}
			}
			sig, err := lifecycle.ParseSignal(sigName)
			if err != nil {
				return err
			}
			target, err := resolvePID(pid, killPidFile)
			if err != nil {
				return err
			}
			if err := syscall.Kill(target, sig); err != nil {
				return errors.IO(errors.PhaseLifecycle, "signal process "+strconv.Itoa(target), err)
			}
			return nil
		},
	})

	var cgroupRoot string
	register(command{
		name:  "delete",
		usage: "delete --bundle <dir> [--cgroup-root <dir>]",
		flags: func(fs *pflag.FlagSet) {
			fs.StringVar(&cgroupRoot, "cgroup-root", "", "cgroup filesystem root, e.g. /sys/fs/cgroup")
		},
		run: func(ctx context.Context, env *cli, _ []string) error {
			opts := []lifecycle.Option{lifecycle.WithLogger(env.logger), lifecycle.WithMetrics(env.metrics)}
			if cgroupRoot != "" {
				opts = append(opts, lifecycle.WithResourceGroup(cgroupFS{root: cgroupRoot}))
			}
			inst, err := lifecycle.New(env.cfg, opts...)
			if err != nil {
				return err
			}
			return inst.Delete(ctx)
		},
	})
}

func requireBundle(env *cli) error {
	if env.cfg.BundlePath == "" {
		return errors.InvalidInput(errors.PhaseConfig, "--bundle is required")
	}
	return nil
}

func parseServeMode(s string) (lifecycle.ServeMode, error) {
	switch s {
	case "once":
		return lifecycle.ServeOnce, nil
	case "loop":
		return lifecycle.ServeLoop, nil
	case "none":
		return lifecycle.ServeNone, nil
	}
	return 0, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
		Value(s).
		Detail("serve mode must be once, loop or none").
		Build()
}

// runInstance starts the bundle's instance and blocks until it exits.
// SIGINT is forwarded as SIGINT; SIGTERM as SIGKILL.
func runInstance(ctx context.Context, env *cli, pidFile string, opts ...lifecycle.Option) error {
	if err := requireBundle(env); err != nil {
		return err
	}
	opts = append([]lifecycle.Option{
		lifecycle.WithLogger(env.logger),
		lifecycle.WithMetrics(env.metrics),
		lifecycle.WithOutput(os.Stdout, os.Stderr),
	}, opts...)
	inst, err := lifecycle.New(env.cfg, opts...)
	if err != nil {
		return err
	}

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			return errors.IO(errors.PhaseLifecycle, "write pid file", err)
		}
		defer os.Remove(pidFile)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := inst.Start(ctx); err != nil {
		return err
	}

	wait := inst.Wait()
	done := ctx.Done()
	for {
		select {
		case exit := <-wait:
			if exit.Status != invoke.ExitOK {
				return exitError{status: exit.Status}
			}
			return nil
		case sig := <-sigs:
			kill := syscall.SIGKILL
			if sig == syscall.SIGINT {
				kill = syscall.SIGINT
			}
			if err := inst.Kill(kill); err != nil {
				env.logger.Warn("kill instance", zap.Error(err))
			}
		case <-done:
			done = nil
			if err := inst.Kill(syscall.SIGKILL); err != nil {
				env.logger.Warn("kill instance", zap.Error(err))
			}
		}
	}
}

func resolvePID(pid int, pidFile string) (int, error) {
	if pid > 0 {
		return pid, nil
	}
	if pidFile == "" {
		return 0, errors.InvalidInput(errors.PhaseLifecycle, "--pid or --pid-file is required")
	}
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, errors.IO(errors.PhaseLifecycle, "read pid file", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n <= 0 {
		return 0, errors.New(errors.PhaseLifecycle, errors.KindInvalidData).
			Path(pidFile).
			Detail("pid file does not hold a process id").
			Build()
	}
	return n, nil
}

// cgroupFS removes a bundle's cgroup directory under a mounted cgroup
// filesystem.
type cgroupFS struct {
	root string
}

func (c cgroupFS) Delete(_ context.Context, path string) error {
	dir := filepath.Join(c.root, filepath.Clean("/"+path))
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return errors.IO(errors.PhaseLifecycle, "remove cgroup "+dir, err)
	}
	return nil
}
