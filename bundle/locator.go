package bundle

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-relay/config"
	"github.com/wippyai/wasm-relay/metrics"
)

// Status describes why a scanned manifest did or did not qualify.
type Status string

const (
	StatusQualified         Status = "qualified"
	StatusParseError        Status = "parse_error"
	StatusMissingAnnotation Status = "missing_annotation"
	StatusNoSocket          Status = "no_socket"
)

// Candidate is one manifest seen during a scan.
type Candidate struct {
	Err    error
	Route  Route
	Dir    string
	Status Status
}

// Locator resolves a sibling's Route by walking a scan root for bundle
// manifests. It holds no state between calls: every lookup rescans.
type Locator struct {
	logger       *zap.Logger
	metrics      *metrics.Metrics
	root         string
	manifestName string
	socketSuffix string
}

// LocatorOption configures a Locator.
type LocatorOption func(*Locator)

func WithLogger(l *zap.Logger) LocatorOption {
	return func(loc *Locator) { loc.logger = l }
}

func WithMetrics(m *metrics.Metrics) LocatorOption {
	return func(loc *Locator) { loc.metrics = m }
}

// NewLocator creates a locator over cfg's resolved scan root.
func NewLocator(cfg config.Config, opts ...LocatorOption) *Locator {
	loc := &Locator{
		root:         cfg.ResolvedScanRoot(),
		manifestName: cfg.ManifestName,
		socketSuffix: cfg.SocketSuffix,
	}
	if loc.manifestName == "" {
		loc.manifestName = config.DefaultManifestName
	}
	if loc.socketSuffix == "" {
		loc.socketSuffix = config.DefaultSocketSuffix
	}
	for _, opt := range opts {
		opt(loc)
	}
	if loc.logger == nil {
		loc.logger = Logger()
	}
	return loc
}

// Root returns the directory this locator scans.
func (l *Locator) Root() string {
	return l.root
}

// Locate returns the first qualifying route under the scan root. A route
// qualifies when target.function and target.address are both non-empty and
// the bundle's socket file exists. Unparsable manifests are skipped.
// The only error is ctx cancellation.
func (l *Locator) Locate(ctx context.Context) (Route, bool, error) {
	start := time.Now()
	var (
		found Route
		ok    bool
	)
	err := l.walk(ctx, func(c Candidate) bool {
		if c.Status != StatusQualified {
			return true
		}
		found, ok = c.Route, true
		return false
	})
	l.metrics.ObserveScan(ok, time.Since(start))
	if err != nil {
		return Route{}, false, err
	}
	if ok {
		l.logger.Debug("route located",
			zap.String("function", found.FunctionName),
			zap.String("address", found.FunctionAddress),
			zap.String("socket", found.SocketPath))
	}
	return found, ok, nil
}

// Candidates returns every manifest under the scan root with its status.
func (l *Locator) Candidates(ctx context.Context) ([]Candidate, error) {
	var out []Candidate
	err := l.walk(ctx, func(c Candidate) bool {
		out = append(out, c)
		return true
	})
	return out, err
}

// walk visits manifests in lexical order until visit returns false.
func (l *Locator) walk(ctx context.Context, visit func(Candidate) bool) error {
	if l.root == "" {
		return nil
	}
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			// unreadable entries are skipped, never fatal to the scan
			if d != nil && d.IsDir() && path != l.root {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || d.Name() != l.manifestName {
			return nil
		}
		if !visit(l.inspect(filepath.Dir(path))) {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && !stderrors.Is(err, fs.SkipAll) {
		return err
	}
	return nil
}

func (l *Locator) inspect(dir string) Candidate {
	c := Candidate{Dir: dir}

	m, err := LoadManifest(dir, l.manifestName)
	if err != nil {
		l.logger.Debug("skipping unparsable manifest", zap.String("dir", dir), zap.Error(err))
		c.Status, c.Err = StatusParseError, err
		return c
	}

	name := sanitizeFunctionName(m.Annotation(AnnotationTargetFunction))
	addr := m.Annotation(AnnotationTargetAddress)
	c.Route = Route{
		SocketPath:      dir + l.socketSuffix,
		FunctionName:    name,
		FunctionAddress: addr,
	}
	if name == "" || addr == "" {
		c.Status = StatusMissingAnnotation
		return c
	}
	if _, err := os.Stat(c.Route.SocketPath); err != nil {
		c.Status, c.Err = StatusNoSocket, err
		return c
	}
	c.Status = StatusQualified
	return c
}
