// Package lifecycle runs one function instance: it prepares the engine from
// a bundle, drives the entry point or the bootstrap input, and answers the
// start/kill/wait/delete calls of the process that manages the instance.
package lifecycle

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-relay/bridge"
	"github.com/wippyai/wasm-relay/bundle"
	"github.com/wippyai/wasm-relay/config"
	"github.com/wippyai/wasm-relay/engine"
	"github.com/wippyai/wasm-relay/errors"
	"github.com/wippyai/wasm-relay/invoke"
	"github.com/wippyai/wasm-relay/metrics"
	"github.com/wippyai/wasm-relay/transport"
)

// ServeMode selects how a direct-mode instance answers its socket.
type ServeMode int

const (
	// ServeOnce answers one request and stops listening.
	ServeOnce ServeMode = iota
	// ServeLoop answers requests until stopped.
	ServeLoop
	// ServeNone does not bind the socket.
	ServeNone
)

// ResourceGroup releases the resource-group state of a bundle on delete.
type ResourceGroup interface {
	Delete(ctx context.Context, path string) error
}

// Exit is the outcome of a finished instance.
type Exit struct {
	At     time.Time
	Status int
}

// Instance is one function instance. Start may be called once.
type Instance struct {
	cfg      config.Config
	groups   ResourceGroup
	metrics  *metrics.Metrics
	logger   *zap.Logger
	stdout   io.Writer
	stderr   io.Writer
	mode     ServeMode
	address  string
	manifest *bundle.Manifest
	engine   *engine.Engine
	watcher  *bundle.Watcher
	server   *invoke.Server

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	exit    Exit
}

type Option func(*Instance)

func WithLogger(l *zap.Logger) Option {
	return func(i *Instance) { i.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Instance) { i.metrics = m }
}

func WithResourceGroup(g ResourceGroup) Option {
	return func(i *Instance) { i.groups = g }
}

// WithOutput sets the guest's stdout and stderr.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(i *Instance) { i.stdout, i.stderr = stdout, stderr }
}

func WithServeMode(m ServeMode) Option {
	return func(i *Instance) { i.mode = m }
}

// WithBootstrapAddress runs the instance in bootstrap mode against addr,
// whatever the manifest annotations say.
func WithBootstrapAddress(addr string) Option {
	return func(i *Instance) { i.address = addr }
}

// New creates an instance for the bundle at cfg.BundlePath.
func New(cfg config.Config, opts ...Option) (*Instance, error) {
	if cfg.BundlePath == "" {
		return nil, errors.InvalidInput(errors.PhaseLifecycle, "bundle path is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	i := &Instance{cfg: cfg, done: make(chan struct{})}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = Logger()
	}
	i.logger = i.logger.With(zap.String("bundle", cfg.BundlePath))
	return i, nil
}

// Start prepares the engine and launches the instance. It returns once the
// modules are loaded; the run itself continues in the background and its
// outcome is delivered by Wait.
//
// A bundle annotated secondary.function=true takes its single input from
// the bootstrap address. Any other bundle runs the main module's _start
// and answers its socket according to the serve mode.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return errors.New(errors.PhaseLifecycle, errors.KindInvalidInput).Detail("instance already started").Build()
	}

	if err := i.prepare(ctx); err != nil {
		i.cleanup(context.WithoutCancel(ctx))
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	i.cancel = cancel
	i.started = true
	go i.run(runCtx)
	return nil
}

func (i *Instance) prepare(ctx context.Context) error {
	m, err := bundle.LoadManifest(i.cfg.BundlePath, i.cfg.ManifestName)
	if err != nil {
		return err
	}
	i.manifest = m

	i.engine = engine.New(ctx, engine.Config{MemoryLimitPages: i.cfg.Engine.MemoryLimitPages},
		engine.WithLogger(i.logger))
	if err := i.engine.InitWASI(ctx); err != nil {
		return err
	}

	locator := bundle.NewLocator(i.cfg, bundle.WithLogger(i.logger), bundle.WithMetrics(i.metrics))
	clientOpts := []transport.ClientOption{
		transport.WithClientLogger(i.logger),
		transport.WithClientMetrics(i.metrics),
	}
	if root := locator.Root(); root != "" {
		w, err := bundle.NewWatcher(root, bundle.DefaultWatchDepth)
		if err != nil {
			i.logger.Warn("scan root not watched", zap.String("root", root), zap.Error(err))
		} else {
			i.watcher = w
			clientOpts = append(clientOpts, transport.WithChangeNotifier(w))
		}
	}
	client := transport.NewSocketClient(locator, i.cfg, clientOpts...)

	source := m.Annotation(bundle.AnnotationSourceModule)
	br := bridge.New(i.engine, locator, client,
		bridge.WithSource(source),
		bridge.WithLogger(i.logger),
		bridge.WithMetrics(i.metrics))
	if err := br.Register(ctx); err != nil {
		return err
	}

	if err := i.loadModules(ctx, source); err != nil {
		return err
	}

	inv := invoke.NewInvoker(i.engine,
		invoke.WithInvokerLogger(i.logger),
		invoke.WithEnviron(engine.Environ{Stdout: i.stdout, Stderr: i.stderr}))
	i.server = invoke.NewServer(inv, i.cfg,
		invoke.WithLogger(i.logger),
		invoke.WithMetrics(i.metrics))
	return nil
}

// loadModules loads the main module's co-located siblings, then main.
func (i *Instance) loadModules(ctx context.Context, source string) error {
	entry, err := i.manifest.EntryModule(i.cfg.BundlePath)
	if err != nil {
		return err
	}
	wasm, err := os.ReadFile(entry)
	if err != nil {
		return errors.Load("read entry module "+entry, err)
	}
	entryMod, err := i.engine.Compile(ctx, engine.MainModuleName, wasm, engine.RoleMain)
	if err != nil {
		return err
	}

	var names []string
	for _, name := range entryMod.Imports() {
		if !i.engine.IsHostModule(name) {
			names = append(names, name)
		}
	}
	if source != "" {
		names = append(names, source)
	}

	rootfs := i.manifest.RootPath(i.cfg.BundlePath)
	for _, path := range bundle.FindModules(rootfs, names) {
		name := strings.TrimSuffix(filepath.Base(path), bundle.ModuleExt)
		role := engine.RoleLibrary
		if name == source {
			role = engine.RoleSource
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Load("read module "+path, err)
		}
		if _, err := i.engine.Load(ctx, name, data, role, i.environ(nil)); err != nil {
			return err
		}
	}

	preopens := []engine.Preopen{{Guest: "/", Host: rootfs}}
	for _, p := range i.manifest.BindMounts() {
		preopens = append(preopens, engine.Preopen{Guest: p.Guest, Host: p.Host, ReadOnly: p.ReadOnly})
	}
	return i.engine.Instantiate(ctx, entryMod, i.environ(preopens))
}

func (i *Instance) environ(preopens []engine.Preopen) engine.Environ {
	env := engine.Environ{Stdout: i.stdout, Stderr: i.stderr}
	if preopens != nil {
		env.Args = i.manifest.Args()
		env.Env = i.manifest.Env()
		env.Preopens = preopens
	}
	return env
}

func (i *Instance) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	if i.address != "" || i.manifest.Secondary() {
		addr := i.address
		if addr == "" {
			addr = i.manifest.BootstrapAddress()
		}
		g.Go(func() error {
			result, err := i.server.Bootstrap(gctx, addr)
			if err == nil {
				i.logger.Info("bootstrap complete", zap.Int64("result", result))
			}
			return err
		})
	} else {
		g.Go(func() error { return i.runEntry(gctx) })
		switch i.mode {
		case ServeOnce:
			g.Go(func() error { return i.server.ServeOnce(gctx) })
		case ServeLoop:
			g.Go(func() error { return i.server.Serve(gctx) })
		}
	}

	err := g.Wait()
	status := invoke.ExitStatus(err)
	if err != nil && status != invoke.ExitOK {
		i.logger.Error("instance failed", zap.Int("status", status), zap.Error(err))
	} else {
		i.logger.Info("instance exited", zap.Int("status", status))
	}

	if i.watcher != nil {
		_ = i.watcher.Close()
	}
	i.mu.Lock()
	i.exit = Exit{Status: status, At: time.Now()}
	i.mu.Unlock()
	close(i.done)
}

// runEntry calls _start. A guest that ends with proc_exit(0) has
// succeeded; any other exit code fails the instance.
func (i *Instance) runEntry(ctx context.Context) error {
	err := i.engine.Do(ctx, func(ctx context.Context, s *engine.Session) error {
		_, err := s.Call(ctx, engine.MainModuleName, engine.ExportEntry)
		return err
	})
	var exit *sys.ExitError
	if errors.As(err, &exit) && exit.ExitCode() == 0 {
		i.logger.Debug("entry exited", zap.Uint32("code", 0))
		return nil
	}
	return err
}

// ParseSignal accepts KILL and INT in any of their usual spellings.
func ParseSignal(name string) (syscall.Signal, error) {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG") {
	case "KILL", "9":
		return syscall.SIGKILL, nil
	case "INT", "2":
		return syscall.SIGINT, nil
	}
	return 0, unsupportedSignal(name)
}

func unsupportedSignal(v any) error {
	return errors.New(errors.PhaseLifecycle, errors.KindUnsupportedSignal).
		Value(v).
		Detail("only SIGKILL and SIGINT are supported").
		Build()
}

// Kill removes the socket and stops the running instance. Only SIGKILL and
// SIGINT are accepted.
func (i *Instance) Kill(sig syscall.Signal) error {
	i.removeSocket()
	if sig != syscall.SIGKILL && sig != syscall.SIGINT {
		return unsupportedSignal(sig)
	}

	i.mu.Lock()
	cancel := i.cancel
	i.mu.Unlock()
	if cancel == nil {
		return errors.NotInitialized(errors.PhaseLifecycle, "instance")
	}
	i.logger.Info("killing instance", zap.Stringer("signal", sig))
	cancel()
	return nil
}

// Wait delivers the exit once the instance has finished.
func (i *Instance) Wait() <-chan Exit {
	ch := make(chan Exit, 1)
	go func() {
		<-i.done
		i.mu.Lock()
		ch <- i.exit
		i.mu.Unlock()
	}()
	return ch
}

// Delete releases the bundle's resource-group state and socket. Failures
// are logged and never returned.
func (i *Instance) Delete(ctx context.Context) error {
	i.mu.Lock()
	m := i.manifest
	i.mu.Unlock()
	if m == nil {
		loaded, err := bundle.LoadManifest(i.cfg.BundlePath, i.cfg.ManifestName)
		if err != nil {
			i.logger.Warn("manifest unreadable, skipping resource group cleanup", zap.Error(err))
		}
		m = loaded
	}
	if i.groups != nil && m != nil && m.Linux != nil && m.Linux.CgroupsPath != "" {
		if err := i.groups.Delete(ctx, m.Linux.CgroupsPath); err != nil {
			i.logger.Warn("delete resource group", zap.String("path", m.Linux.CgroupsPath), zap.Error(err))
		}
	}
	i.removeSocket()

	i.mu.Lock()
	running := i.started && !i.finished()
	i.mu.Unlock()
	if !running {
		i.cleanup(ctx)
	}
	return nil
}

func (i *Instance) finished() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

func (i *Instance) removeSocket() {
	path := i.cfg.SocketPath()
	if err := bundle.RemoveSocket(path); err != nil {
		i.logger.Warn("remove socket", zap.String("socket", path), zap.Error(err))
	}
}

func (i *Instance) cleanup(ctx context.Context) {
	if i.watcher != nil {
		_ = i.watcher.Close()
	}
	if i.engine != nil {
		if err := i.engine.Close(ctx); err != nil {
			i.logger.Warn("close engine", zap.Error(err))
		}
	}
}
