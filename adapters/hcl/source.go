package hcl

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"riskengine/adapters/watch"
	"riskengine/internal/logging"
)

// Source serves the last document loaded successfully from a path and
// reloads it when definition files change. A failed reload keeps the
// previous document.
type Source struct {
	path   string
	logger *zap.Logger

	mu          sync.RWMutex
	doc         *Document
	subscribers []func(*Document)
	watcher     *watch.Watcher
}

// NewSource loads path, a file or a directory of definition files
func NewSource(path string, logger *zap.Logger) (*Source, error) {
	s := &Source{path: path, logger: logging.OrNamed(logger, "hcl")}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Document returns the current document
func (s *Source) Document() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// OnChange registers a callback run after every successful reload
func (s *Source) OnChange(fn func(*Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Reload reads the definitions again
func (s *Source) Reload() error {
	doc, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	first := s.doc == nil
	s.doc = doc
	subscribers := append(([]func(*Document))(nil), s.subscribers...)
	s.mu.Unlock()

	s.logger.Info("definitions loaded",
		zap.String("path", s.path),
		zap.Int("views", len(doc.Views)),
		zap.Int("portfolios", len(doc.Portfolios)))
	if !first {
		for _, fn := range subscribers {
			fn(doc)
		}
	}
	return nil
}

// Watch reloads on file changes until ctx is done or Close is called
func (s *Source) Watch(ctx context.Context, opts ...watch.Option) error {
	opts = append([]watch.Option{watch.WithSuffix(Extension), watch.WithLogger(s.logger)}, opts...)
	w, err := watch.New([]string{s.path}, s.Reload, opts...)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()
	go w.Run(ctx)
	return nil
}

// Close stops watching
func (s *Source) Close() error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}
