package main

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/wippyai/wasm-relay/bridge"
	"github.com/wippyai/wasm-relay/bundle"
	"github.com/wippyai/wasm-relay/config"
	"github.com/wippyai/wasm-relay/engine"
	"github.com/wippyai/wasm-relay/errors"
	"github.com/wippyai/wasm-relay/invoke"
	"github.com/wippyai/wasm-relay/lifecycle"
	"github.com/wippyai/wasm-relay/metrics"
	"github.com/wippyai/wasm-relay/transport"
)

type options struct {
	configPath  string
	bundlePath  string
	scanRoot    string
	logLevel    string
	metricsAddr string
	development bool
}

func commonFlags(fs *pflag.FlagSet) *options {
	o := &options{}
	fs.StringVarP(&o.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVarP(&o.bundlePath, "bundle", "b", "", "bundle directory")
	fs.StringVar(&o.scanRoot, "scan-root", "", "directory scanned for sibling bundles")
	fs.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&o.development, "development", false, "human-readable console logs")
	return o
}

// cli is the per-invocation environment shared by commands.
type cli struct {
	cfg      config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

func newCLI(fs *pflag.FlagSet, o *options) (*cli, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if fs.Changed("bundle") {
		cfg.BundlePath = o.bundlePath
	}
	if fs.Changed("scan-root") {
		cfg.ScanRoot = o.scanRoot
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if fs.Changed("metrics-addr") {
		cfg.Metrics.Address = o.metricsAddr
	}
	if fs.Changed("development") {
		cfg.Log.Development = o.development
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	bundle.SetLogger(logger.Named("bundle"))
	transport.SetLogger(logger.Named("transport"))
	engine.SetLogger(logger.Named("engine"))
	bridge.SetLogger(logger.Named("bridge"))
	invoke.SetLogger(logger.Named("invoke"))
	lifecycle.SetLogger(logger.Named("lifecycle"))

	c := &cli{cfg: cfg, logger: logger}
	if cfg.Metrics.Address != "" {
		c.registry = prometheus.NewRegistry()
		c.metrics = metrics.New(c.registry)
	}
	return c, nil
}

// newLogger builds a console logger for terminals and JSON otherwise.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development || term.IsTerminal(int(os.Stderr.Fd())) {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Value(cfg.Level).
				Detail("log level").
				Cause(err).
				Build()
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func (c *cli) close() {
	_ = c.logger.Sync()
}

// serve runs fn, alongside the metrics endpoint when one is configured.
// The endpoint is shut down once fn returns.
func (c *cli) serve(ctx context.Context, fn func(context.Context) error) error {
	if c.registry == nil {
		return fn(ctx)
	}

	ln, err := net.Listen("tcp", c.cfg.Metrics.Address)
	if err != nil {
		return errors.IO(errors.PhaseConfig, "listen "+c.cfg.Metrics.Address, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.logger.Info("serving metrics", zap.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		return fn(gctx)
	})
	return g.Wait()
}
