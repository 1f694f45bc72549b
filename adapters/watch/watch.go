// Package watch reloads file-backed inputs when their files change.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"riskengine/internal/errors"
	"riskengine/internal/logging"
)

// DefaultDebounce coalesces editor save bursts into one reload
const DefaultDebounce = 200 * time.Millisecond

// Watcher calls a reload function after changes to matching files settle
type Watcher struct {
	paths    []string
	match    func(path string) bool
	reload   func() error
	debounce time.Duration
	logger   *zap.Logger

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Watcher
type Option func(*Watcher)

// WithDebounce sets the quiet period before a reload
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithSuffix reloads only for files with the suffix
func WithSuffix(suffix string) Option {
	return func(w *Watcher) {
		w.match = func(path string) bool { return strings.HasSuffix(path, suffix) }
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New watches files or directories. Files are watched through their
// directory so editors that replace files on save keep being followed.
func New(paths []string, reload func() error, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Internal("create file watcher", err)
	}
	w := &Watcher{
		reload:   reload,
		debounce: DefaultDebounce,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.OrNamed(w.logger, "watch")

	files := make(map[string]bool)
	given := make(map[string]bool)
	watched := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fw.Close()
			return nil, errors.Wrap(errors.TypeInput, "watch "+p, err)
		}
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			given[abs] = true
			watched[abs] = true
		} else {
			files[abs] = true
			watched[filepath.Dir(abs)] = true
		}
		w.paths = append(w.paths, abs)
	}
	suffix := w.match
	w.match = func(path string) bool {
		if files[path] {
			return true
		}
		if !given[filepath.Dir(path)] {
			return false
		}
		return suffix == nil || suffix(path)
	}
	for dir := range watched {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, errors.Wrap(errors.TypeInput, "watch "+dir, err)
		}
	}
	return w, nil
}

// Run processes events until ctx is done or Close is called
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			w.logger.Debug("file changed", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			if err := w.reload(); err != nil {
				w.logger.Warn("reload failed", zap.Strings("paths", w.paths), zap.Error(err))
				continue
			}
			w.logger.Info("reloaded", zap.Strings("paths", w.paths))
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	return w.match == nil || w.match(ev.Name)
}

// Close stops the watcher
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
