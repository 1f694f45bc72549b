package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"riskengine/adapters/hcl"
	mdfile "riskengine/adapters/marketdata"
	"riskengine/adapters/yaml"
	"riskengine/core/compile"
	"riskengine/core/cycle"
	"riskengine/core/dispatch"
	"riskengine/core/function"
	"riskengine/core/library"
	"riskengine/core/marketdata"
	"riskengine/core/scenario"
	"riskengine/internal/config"
	"riskengine/internal/logging"
)

// engine holds the components shared by every view process
type engine struct {
	registry   *function.Registry
	store      *marketdata.Store
	compiler   *compile.Cache
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// newEngine builds the function registry, market data store, compiler and
// dispatcher from configuration. Remote workers that cannot be reached
// are skipped.
func newEngine(ctx context.Context, ec config.EngineConfig) (*engine, error) {
	logger := logging.Named("engine")

	registry := function.NewRegistry()
	if err := library.Register(registry); err != nil {
		return nil, err
	}
	store := marketdata.NewStore()

	compiler := compile.NewCompiler(registry, store,
		compile.WithLogger(logger),
		compile.WithMaxValidity(ec.MaxValidity.Duration),
		compile.WithRequireAll(ec.RequireAllOutputs))

	workers := dispatch.LocalPool(ec.Workers)
	for _, addr := range ec.RemoteWorkers {
		w, err := dispatch.Dial(ctx, addr)
		if err != nil {
			logger.Warn("remote worker unavailable", zap.String("addr", addr), zap.Error(err))
			continue
		}
		workers = append(workers, w)
	}

	return &engine{
		registry: registry,
		store:    store,
		compiler: compile.NewCache(compiler),
		dispatcher: dispatch.New(workers,
			dispatch.WithLogger(logger),
			dispatch.WithTimeout(ec.JobTimeout.Duration)),
		logger: logger,
	}, nil
}

func (e *engine) Close() error {
	return e.dispatcher.Close()
}

// loadMarketData loads a market data file into the store
func (e *engine) loadMarketData(path string) error {
	if path == "" {
		return nil
	}
	values, err := mdfile.Load(path)
	if err != nil {
		return err
	}
	e.store.Replace(values)
	return nil
}

// loadScenario returns the named scenario of a scenario file, or nil when
// no scenario is requested
func loadScenario(path, name string) (*scenario.Definition, error) {
	if name == "" {
		return nil, nil
	}
	if path == "" {
		return nil, fmt.Errorf("scenario %q requested without --scenarios", name)
	}
	set, err := yaml.Load(path)
	if err != nil {
		return nil, err
	}
	return set.Get(name)
}

// selectViews returns the named view, or every view of the document
func selectViews(doc *hcl.Document, name string) ([]*compile.ViewDefinition, error) {
	if name == "" {
		if len(doc.Views) == 0 {
			return nil, fmt.Errorf("no view definitions in %v", doc.Files)
		}
		return doc.Views, nil
	}
	v, err := doc.View(name)
	if err != nil {
		return nil, err
	}
	return []*compile.ViewDefinition{v}, nil
}

// processOptions applies the engine configuration to a view process
func processOptions(ec config.EngineConfig, def *scenario.Definition, at time.Time) []cycle.Option {
	opts := []cycle.Option{
		cycle.WithLogger(logging.L()),
		cycle.WithMaxDeltaCycles(ec.MaxDeltaCycles),
		cycle.WithFragments(ec.PublishFragments),
	}
	if def != nil {
		opts = append(opts, cycle.WithScenario(def))
	}
	if !at.IsZero() {
		opts = append(opts, cycle.WithClock(func() time.Time { return at }))
	}
	return opts
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: %w", s, err)
	}
	return t, nil
}

func nowUTC() time.Time { return time.Now().UTC() }
