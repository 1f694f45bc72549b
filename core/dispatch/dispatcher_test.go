package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"riskengine/core/function"
	"riskengine/core/graph"
	"riskengine/core/value"
	"riskengine/internal/errors"
)

var target = value.PrimitiveTarget("Test", "x")

func testNode(id string, invokeFn function.InvokeFunc) *graph.Node {
	def := &function.Definition{
		ID:         id,
		TargetType: value.TargetAny,
		Results: func(*function.CompilationContext, value.ComputationTarget) []value.ValueSpecification {
			return nil
		},
		Invoke: invokeFn,
	}
	out := value.NewSpecification(id, target.Ref(), value.Props(value.PropertyFunction, id))
	return graph.NewNode(def, target, nil, []value.ValueSpecification{out})
}

func constant(v any) function.InvokeFunc {
	return func(_ context.Context, inv *function.Invocation) ([]value.ComputedValue, error) {
		return inv.Result(v), nil
	}
}

func collect(ch <-chan JobResult) map[string]JobResult {
	out := make(map[string]JobResult)
	for r := range ch {
		out[r.Job.Node.FunctionID()] = r
	}
	return out
}

func TestSubmitCapturesFailuresPerJob(t *testing.T) {
	d := New(LocalPool(2), WithLogger(zap.NewNop()))
	jobs := []*Job{
		NewJob("Default", testNode("ok", constant(1.0)), nil),
		NewJob("Default", testNode("err", func(context.Context, *function.Invocation) ([]value.ComputedValue, error) {
			return nil, fmt.Errorf("no curve")
		}), nil),
		NewJob("Default", testNode("panic", func(context.Context, *function.Invocation) ([]value.ComputedValue, error) {
			panic("nil pointer")
		}), nil),
		NewJob("Default", testNode("short", func(context.Context, *function.Invocation) ([]value.ComputedValue, error) {
			return nil, nil
		}), nil),
	}

	results := collect(d.Submit(context.Background(), jobs))
	require.Len(t, results, 4)

	require.NoError(t, results["ok"].Err)
	assert.Equal(t, 1.0, results["ok"].Outputs[0].Value)
	assert.True(t, errors.IsType(results["err"].Err, errors.TypeExecution))
	assert.Contains(t, results["err"].Err.Error(), "no curve")
	assert.True(t, errors.IsType(results["panic"].Err, errors.TypeExecution))
	assert.Contains(t, results["short"].Err.Error(), "did not produce")

	assert.Equal(t, 2, d.Size(), "failing jobs do not shrink the pool")
	stats := d.Stats()
	assert.Equal(t, int64(4), stats.Jobs)
	assert.Equal(t, int64(3), stats.Failures)
}

func TestSubmitTimeout(t *testing.T) {
	d := New(LocalPool(1), WithTimeout(20*time.Millisecond), WithLogger(zap.NewNop()))
	slow := testNode("slow", func(ctx context.Context, inv *function.Invocation) ([]value.ComputedValue, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	results := collect(d.Submit(context.Background(), []*Job{NewJob("Default", slow, nil)}))
	assert.ErrorIs(t, results["slow"].Err, ErrJobTimeout)
	assert.True(t, errors.IsType(results["slow"].Err, errors.TypeTimeout))
}

func TestSubmitCancelled(t *testing.T) {
	d := New(LocalPool(1), WithLogger(zap.NewNop()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := collect(d.Submit(ctx, []*Job{NewJob("Default", testNode("a", constant(1.0)), nil)}))
	assert.True(t, errors.IsType(results["a"].Err, errors.TypeCancelled))
}

// flakyWorker loses its connection after a number of jobs
type flakyWorker struct {
	name      string
	failAfter int32
	calls     atomic.Int32
	closed    atomic.Bool
}

func (w *flakyWorker) Name() string { return w.name }

func (w *flakyWorker) Close() error {
	w.closed.Store(true)
	return nil
}

func (w *flakyWorker) Execute(ctx context.Context, job *Job) ([]value.ComputedValue, error) {
	if w.calls.Add(1) > w.failAfter {
		return nil, fmt.Errorf("%w: %s", ErrWorkerLost, w.name)
	}
	return NewLocalWorker(w.name).Execute(ctx, job)
}

func TestWorkerLossRequeuesOnce(t *testing.T) {
	dead := &flakyWorker{name: "dead", failAfter: 0}
	healthy := &flakyWorker{name: "healthy", failAfter: 100}
	d := New([]Worker{dead, healthy}, WithLogger(zap.NewNop()))

	jobs := []*Job{
		NewJob("Default", testNode("a", constant(1.0)), nil),
		NewJob("Default", testNode("b", constant(2.0)), nil),
	}
	results := collect(d.Submit(context.Background(), jobs))

	for _, name := range []string{"a", "b"} {
		require.NoError(t, results[name].Err, name)
		assert.Equal(t, "healthy", results[name].Worker)
	}
	assert.Equal(t, 1, d.Size())
	assert.True(t, dead.closed.Load())
	assert.LessOrEqual(t, d.Stats().Retries, int64(1))
}

func TestSecondWorkerLossIsTerminal(t *testing.T) {
	d := New([]Worker{
		&flakyWorker{name: "w1", failAfter: 0},
		&flakyWorker{name: "w2", failAfter: 0},
		&flakyWorker{name: "w3", failAfter: 100},
	}, WithLogger(zap.NewNop()))

	job := NewJob("Default", testNode("a", constant(1.0)), nil)
	res := d.run(context.Background(), job)

	// w1 and w2 are first in the pool, so both attempts fail
	assert.ErrorIs(t, res.Err, ErrWorkerLost)
	assert.True(t, res.Retried)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, 1, d.Size())
}

func TestAllWorkersLost(t *testing.T) {
	d := New([]Worker{&flakyWorker{name: "only", failAfter: 0}}, WithLogger(zap.NewNop()))

	results := collect(d.Submit(context.Background(), []*Job{NewJob("Default", testNode("a", constant(1.0)), nil)}))
	assert.ErrorIs(t, results["a"].Err, ErrNoWorkers)
	assert.Equal(t, 0, d.Size())
}
