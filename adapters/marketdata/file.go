// Package marketdata loads market data from JSON files into a live store.
package marketdata

import (
	"bytes"
	"context"
	"encoding/json"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskengine/adapters/watch"
	"riskengine/core/marketdata"
	"riskengine/core/value"
	"riskengine/internal/errors"
	"riskengine/internal/logging"
)

// Item is one market data value in a file
type Item struct {
	Name       string      `json:"name"`
	TargetType string      `json:"target_type"`
	TargetID   string      `json:"target_id"`
	Value      json.Number `json:"value"`
}

type document struct {
	Values []Item `json:"values"`
}

// Parse decodes a market data document into store values keyed by item
func Parse(data []byte) (map[string]any, error) {
	var doc document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(errors.TypeInput, "parse market data", err)
	}

	values := make(map[string]any, len(doc.Values))
	for i, item := range doc.Values {
		if item.Name == "" {
			return nil, errors.Newf(errors.TypeInput, "market data item %d has no name", i)
		}
		tt, err := value.ParseTargetType(item.TargetType)
		if err != nil {
			return nil, errors.Wrapf(errors.TypeInput, err, "market data item %d", i)
		}
		id, err := value.ParseUniqueID(item.TargetID)
		if err != nil {
			return nil, errors.Wrapf(errors.TypeInput, err, "market data item %d", i)
		}
		d, err := decimal.NewFromString(item.Value.String())
		if err != nil {
			return nil, errors.Wrapf(errors.TypeInput, err, "market data item %d value", i)
		}
		values[marketdata.Key(item.Name, value.NewTargetRef(tt, id))] = d
	}
	return values, nil
}

// Load reads a market data file
func Load(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.TypeInput, "read market data", err)
	}
	return Parse(data)
}

// FileSource keeps a store in sync with a market data file. Replacing the
// store contents raises a tick for subscribed items that changed.
type FileSource struct {
	path    string
	store   *marketdata.Store
	logger  *zap.Logger
	watcher *watch.Watcher
}

// NewFileSource loads path into store
func NewFileSource(path string, store *marketdata.Store, logger *zap.Logger) (*FileSource, error) {
	s := &FileSource{path: path, store: store, logger: logging.OrNamed(logger, "marketdata")}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the store contents with the file's values
func (s *FileSource) Reload() error {
	values, err := Load(s.path)
	if err != nil {
		return err
	}
	s.store.Replace(values)
	s.logger.Info("market data loaded", zap.String("path", s.path), zap.Int("values", len(values)))
	return nil
}

// Watch reloads on file changes until ctx is done or Close is called
func (s *FileSource) Watch(ctx context.Context, opts ...watch.Option) error {
	opts = append([]watch.Option{watch.WithLogger(s.logger)}, opts...)
	w, err := watch.New([]string{s.path}, s.Reload, opts...)
	if err != nil {
		return err
	}
	s.watcher = w
	go w.Run(ctx)
	return nil
}

// Close stops watching
func (s *FileSource) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}
