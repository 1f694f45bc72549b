package cycle

import (
	"context"
	stderrors "errors"
	"fmt"

	"go.uber.org/zap"

	"riskengine/core/cache"
	"riskengine/core/compile"
	"riskengine/core/dispatch"
	"riskengine/core/graph"
	"riskengine/core/marketdata"
	"riskengine/core/value"
	"riskengine/internal/errors"
)

var (
	// ErrMarketDataUnavailable marks outputs whose market data is missing from the snapshot
	ErrMarketDataUnavailable = errors.New(errors.TypeNotFound, "market data not in snapshot")

	// ErrCycleCancelled is returned when a cycle is interrupted
	ErrCycleCancelled = errors.New(errors.TypeCancelled, "cycle cancelled")
)

// run is the execution state of one configuration within one cycle
type run struct {
	info       Info
	name       string
	graph      *graph.DependencyGraph
	snapshot   marketdata.Snapshot
	changed    map[string]bool
	delta      bool
	current    *cache.Cache
	previous   *cache.Cache
	dispatcher *dispatch.Dispatcher
	listeners  *ListenerRegistry
	fragments  bool
	logger     *zap.Logger

	stats Stats

	// Completed wave fragments, published only once the cycle commits
	pending []*Fragment
}

// execute runs every wave of the configuration graph. Node failures are
// stored in the cache and propagate to dependents; a returned error is fatal
// for the whole cycle.
func (r *run) execute(ctx context.Context) error {
	waves, err := r.graph.TopologicalOrder()
	if err != nil {
		return err
	}

	execute, err := r.plan()
	if err != nil {
		return err
	}

	for i, wave := range waves {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.TypeCancelled, ErrCycleCancelled.Error(), err)
		}

		var jobs []*dispatch.Job
		for _, n := range wave {
			if !execute[n.ID] {
				r.current.CopyFrom(r.previous, n.Outputs)
				r.stats.Reused++
				continue
			}
			if n.IsMarketData() {
				r.fillMarketData(n)
				continue
			}
			job, err := r.prepare(n)
			if err != nil {
				return err
			}
			if job != nil {
				jobs = append(jobs, job)
			}
		}

		for res := range r.dispatcher.Submit(ctx, jobs) {
			r.store(res)
		}
		// In-flight jobs finish, but the cycle's outputs are discarded
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.TypeCancelled, ErrCycleCancelled.Error(), err)
		}

		if r.fragments {
			r.pending = append(r.pending, r.fragment(i, wave))
		}
	}
	return nil
}

// plan returns the node IDs to execute. Full cycles run every node; delta
// cycles reuse nodes whose previous outputs are intact and whose market data
// and upstream nodes are unchanged.
func (r *run) plan() (map[string]bool, error) {
	if !r.delta || r.previous == nil {
		all := make(map[string]bool, r.graph.Size())
		for _, n := range r.graph.Nodes() {
			all[n.ID] = true
		}
		return all, nil
	}
	return r.graph.Prune(func(n *graph.Node) bool {
		for _, o := range n.Outputs {
			e, ok := r.previous.Get(o)
			if !ok || e.Err != nil {
				return false
			}
			if n.IsMarketData() && r.changed[marketdata.SpecKey(o)] {
				return false
			}
		}
		return true
	})
}

func (r *run) fillMarketData(n *graph.Node) {
	r.stats.Executed++
	for _, o := range n.Outputs {
		v, ok := r.snapshot.Get(o)
		if !ok {
			r.current.PutError(o, fmt.Errorf("%w: %s", ErrMarketDataUnavailable, o))
			r.stats.Failed++
			continue
		}
		r.current.Put(o, v)
	}
}

// prepare reads a node's inputs from the cache. A failed input fails the node's
// outputs with the originating error and no job is returned.
func (r *run) prepare(n *graph.Node) (*dispatch.Job, error) {
	inputs := make([]value.ComputedValue, 0, len(n.Inputs))
	for _, in := range n.Inputs {
		v, err := r.current.Value(in)
		if err != nil {
			if stderrors.Is(err, cache.ErrMiss) {
				return nil, err
			}
			for _, o := range n.Outputs {
				r.current.PutError(o, err)
			}
			r.stats.Failed++
			return nil, nil
		}
		inputs = append(inputs, value.ComputedValue{Spec: in, Value: v})
	}
	return dispatch.NewJob(r.name, n, inputs), nil
}

func (r *run) store(res dispatch.JobResult) {
	n := res.Job.Node
	r.stats.Executed++
	if res.Err != nil {
		r.stats.Failed++
		r.logger.Debug("node failed",
			zap.String("cycle_id", r.info.CycleID),
			zap.String("configuration", r.name),
			zap.String("node", n.ID),
			zap.String("function", n.FunctionID()),
			zap.Error(res.Err))
		for _, o := range n.Outputs {
			r.current.PutError(o, res.Err)
		}
		return
	}
	for _, cv := range res.Outputs {
		r.current.Put(cv.Spec, cv.Value)
	}
}

func (r *run) fragment(wave int, nodes []*graph.Node) *Fragment {
	f := &Fragment{Info: r.info, Configuration: r.name, Wave: wave}
	for _, n := range nodes {
		for _, o := range n.Outputs {
			e, ok := r.current.Get(o)
			if !ok {
				continue
			}
			f.Values = append(f.Values, ComputedResult{Specification: o, Value: e.Value, Err: e.Err})
		}
	}
	return f
}

// result collects the requested outputs in request order
func (r *run) result(cv *compile.CompiledView) (ConfigurationResult, error) {
	res := ConfigurationResult{Name: r.name, Stats: r.stats}
	for _, t := range r.graph.TerminalOutputs() {
		v, err := r.current.Value(t.Specification)
		if err != nil && stderrors.Is(err, cache.ErrMiss) {
			return res, err
		}
		res.Values = append(res.Values, ComputedResult{
			Requirement:   t.Requirement,
			Specification: t.Specification,
			Value:         v,
			Err:           err,
		})
	}
	if trace, ok := cv.Trace(r.name); ok {
		res.Unresolved = trace.Unresolved
	}
	return res, nil
}
