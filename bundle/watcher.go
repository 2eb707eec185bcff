package bundle

import (
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultWatchDepth covers <root>/<namespace>/<id>.sock layouts.
const DefaultWatchDepth = 2

// Watcher signals when anything under the scan root changes, so a caller
// waiting for a sibling socket can rescan early. Notifications coalesce:
// any number of events between two receives produce one signal.
type Watcher struct {
	fsw     *fsnotify.Watcher
	logger  *zap.Logger
	changes chan struct{}
	done    chan struct{}
	root    string
	depth   int
	wg      sync.WaitGroup
	once    sync.Once
}

// NewWatcher watches root and its directories down to depth levels.
func NewWatcher(root string, depth int) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = DefaultWatchDepth
	}
	w := &Watcher{
		fsw:     fsw,
		logger:  Logger(),
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
		root:    filepath.Clean(root),
		depth:   depth,
	}
	if err := w.addTree(w.root); err != nil {
		fsw.Close()
		return nil, err
	}
	w.wg.Add(1)
	go w.listen()
	return w, nil
}

// Changes returns the coalesced change signal channel.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Close stops watching. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) listen() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if err := w.addTree(ev.Name); err != nil {
					w.logger.Debug("watch new directory", zap.String("path", ev.Name), zap.Error(err))
				}
			}
			w.notify()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("scan root watcher", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) notify() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}

// addTree adds path and its subdirectories within the depth limit.
// Non-directories are ignored.
func (w *Watcher) addTree(path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == path {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.level(p) > w.depth {
			return fs.SkipDir
		}
		return w.fsw.Add(p)
	})
}

func (w *Watcher) level(p string) int {
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}
