package dispatch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"riskengine/core/function"
	"riskengine/core/graph"
	"riskengine/core/value"
	"riskengine/internal/errors"
)

func remoteRegistry(t *testing.T) *function.Registry {
	reg := function.NewRegistry()
	results := func(*function.CompilationContext, value.ComputationTarget) []value.ValueSpecification { return nil }
	reg.MustRegister(
		&function.Definition{
			ID:         "scale",
			TargetType: value.TargetAny,
			Results:    results,
			Invoke: func(_ context.Context, inv *function.Invocation) ([]value.ComputedValue, error) {
				in, ok := inv.Input("Price")
				if !ok {
					return nil, fmt.Errorf("missing price")
				}
				factor := decimal.NewFromInt(2)
				if p, ok := inv.Parameters.(*function.ScenarioParameters); ok {
					for _, arg := range p.Arguments() {
						factor = decimal.RequireFromString(arg.Parameters["factor"])
					}
				}
				return inv.Result(in.(decimal.Decimal).Mul(factor)), nil
			},
		},
		&function.Definition{
			ID:         "label",
			TargetType: value.TargetAny,
			Results:    results,
			Invoke: func(_ context.Context, inv *function.Invocation) ([]value.ComputedValue, error) {
				return inv.Result(inv.Target.Name + ":" + fmt.Sprint(len(inv.Inputs))), nil
			},
		},
		&function.Definition{
			ID:         "slow",
			TargetType: value.TargetAny,
			Results:    results,
			Invoke: func(ctx context.Context, inv *function.Invocation) ([]value.ComputedValue, error) {
				select {
				case <-time.After(200 * time.Millisecond):
					return inv.Result("late"), nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
		&function.Definition{
			ID:         "fail",
			TargetType: value.TargetAny,
			Results:    results,
			Invoke: func(context.Context, *function.Invocation) ([]value.ComputedValue, error) {
				return nil, fmt.Errorf("bad input")
			},
		},
	)
	return reg
}

func pipeWorker(t *testing.T) (*RemoteWorker, net.Conn) {
	client, server := net.Pipe()
	srv := NewServer(remoteRegistry(t), nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, server)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return NewRemoteWorker("pipe", client), server
}

func remoteNode(reg *function.Registry, id string, inputs ...value.ValueSpecification) *graph.Node {
	def, _ := reg.Get(id)
	out := value.NewSpecification("Out", target.Ref(), value.Props(value.PropertyFunction, id))
	return graph.NewNode(def, target, inputs, []value.ValueSpecification{out})
}

func TestRemoteRoundTrip(t *testing.T) {
	w, _ := pipeWorker(t)
	defer w.Close()
	reg := remoteRegistry(t)

	price := value.NewSpecification("Price", target.Ref(), value.NewBuilder().With("Source", "BBG").WithAny("Curve").WithAbsent("Shift").Build())
	job := NewJob("Default", remoteNode(reg, "scale", price), []value.ComputedValue{
		{Spec: price, Value: decimal.RequireFromString("10.5")},
	})

	out, err := w.Execute(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, value.Equal(decimal.NewFromInt(21), out[0].Value))
	assert.True(t, out[0].Spec.Equal(job.Node.Outputs[0]))

	labelled, err := w.Execute(context.Background(), NewJob("Default", remoteNode(reg, "label"), nil))
	require.NoError(t, err)
	assert.Equal(t, "x:0", labelled[0].Value)
}

func TestRemoteCarriesScenarioParameters(t *testing.T) {
	w, _ := pipeWorker(t)
	defer w.Close()
	reg := remoteRegistry(t)

	price := value.NewSpecification("Price", target.Ref(), value.Empty())
	node := remoteNode(reg, "scale", price).WithParameters(&function.ScenarioParameters{
		Scenario: "shock",
		Global:   []function.ScenarioArgument{{Function: "scale", Parameters: map[string]string{"factor": "3"}}},
	})
	out, err := w.Execute(context.Background(), NewJob("Default", node, []value.ComputedValue{{Spec: price, Value: decimal.NewFromInt(5)}}))
	require.NoError(t, err)
	assert.True(t, value.Equal(decimal.NewFromInt(15), out[0].Value))
}

func TestRemoteErrorKeepsType(t *testing.T) {
	w, _ := pipeWorker(t)
	defer w.Close()

	_, err := w.Execute(context.Background(), NewJob("Default", remoteNode(remoteRegistry(t), "fail"), nil))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeExecution))
	assert.Contains(t, err.Error(), "bad input")

	// The connection stays usable after a function error
	_, err = w.Execute(context.Background(), NewJob("Default", remoteNode(remoteRegistry(t), "label"), nil))
	assert.NoError(t, err)
}

func TestRemoteConnectionLoss(t *testing.T) {
	w, server := pipeWorker(t)
	require.NoError(t, server.Close())

	_, err := w.Execute(context.Background(), NewJob("Default", remoteNode(remoteRegistry(t), "label"), nil))
	assert.ErrorIs(t, err, ErrWorkerLost)

	_, err = w.Execute(context.Background(), NewJob("Default", remoteNode(remoteRegistry(t), "label"), nil))
	assert.ErrorIs(t, err, ErrWorkerLost, "a lost worker stays lost")
}

func TestDispatcherRequeuesAfterRemoteLoss(t *testing.T) {
	remote, server := pipeWorker(t)
	require.NoError(t, server.Close())
	d := New([]Worker{remote, NewLocalWorker("local")}, WithTimeout(time.Second), WithLogger(zap.NewNop()))

	results := collect(d.Submit(context.Background(), []*Job{NewJob("Default", remoteNode(remoteRegistry(t), "label"), nil)}))
	require.NoError(t, results["label"].Err)
	assert.True(t, results["label"].Retried)
	assert.Equal(t, "local", results["label"].Worker)
	assert.Equal(t, 1, d.Size())
}

// pipeDialer serves every dialled connection from one worker server
func pipeDialer(t *testing.T) (DialFunc, *atomic.Int32) {
	srv := NewServer(remoteRegistry(t), nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	var dials atomic.Int32
	return func(context.Context) (net.Conn, error) {
		dials.Add(1)
		client, server := net.Pipe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = srv.Serve(ctx, server)
		}()
		return client, nil
	}, &dials
}

func TestRemoteTimeoutKeepsWorkerInPool(t *testing.T) {
	dial, dials := pipeDialer(t)
	w := NewRedialingWorker("pipe", dial)
	d := New([]Worker{w}, WithTimeout(50*time.Millisecond), WithLogger(zap.NewNop()))
	defer d.Close()
	reg := remoteRegistry(t)

	results := collect(d.Submit(context.Background(), []*Job{NewJob("Default", remoteNode(reg, "slow"), nil)}))
	slow := results["slow"]
	assert.ErrorIs(t, slow.Err, ErrJobTimeout)
	assert.True(t, errors.IsType(slow.Err, errors.TypeTimeout))
	assert.False(t, slow.Retried)
	assert.Equal(t, 1, d.Size())

	results = collect(d.Submit(context.Background(), []*Job{NewJob("Default", remoteNode(reg, "label"), nil)}))
	require.NoError(t, results["label"].Err)
	assert.Equal(t, "x:0", results["label"].Outputs[0].Value)
	assert.Equal(t, "pipe", results["label"].Worker)
	assert.Equal(t, int32(2), dials.Load(), "the interrupted connection is replaced")
	assert.Equal(t, 1, d.Size())
}

func TestRemoteCancelledWaveKeepsWorkerInPool(t *testing.T) {
	dial, _ := pipeDialer(t)
	d := New([]Worker{NewRedialingWorker("pipe", dial)}, WithLogger(zap.NewNop()))
	defer d.Close()
	reg := remoteRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	results := collect(d.Submit(ctx, []*Job{NewJob("Default", remoteNode(reg, "slow"), nil)}))
	assert.True(t, errors.IsType(results["slow"].Err, errors.TypeCancelled))
	assert.NotErrorIs(t, results["slow"].Err, ErrWorkerLost)
	assert.Equal(t, 1, d.Size())

	results = collect(d.Submit(context.Background(), []*Job{NewJob("Default", remoteNode(reg, "label"), nil)}))
	require.NoError(t, results["label"].Err)
	assert.Equal(t, "pipe", results["label"].Worker)
}

func TestRemoteTimeoutWithoutDialerRetiresWorker(t *testing.T) {
	remote, _ := pipeWorker(t)
	d := New([]Worker{remote}, WithTimeout(50*time.Millisecond), WithLogger(zap.NewNop()))
	reg := remoteRegistry(t)

	results := collect(d.Submit(context.Background(), []*Job{NewJob("Default", remoteNode(reg, "slow"), nil)}))
	assert.ErrorIs(t, results["slow"].Err, ErrJobTimeout, "reported as a timeout, not a lost worker")
	assert.True(t, remote.Lost())
	assert.Equal(t, 0, d.Size(), "a worker that cannot reconnect is not returned to the pool")
}

func TestRemoteReportsWorkerDuration(t *testing.T) {
	dial, _ := pipeDialer(t)
	w := NewRedialingWorker("pipe", dial)
	defer w.Close()

	_, took, err := w.ExecuteTimed(context.Background(), NewJob("Default", remoteNode(remoteRegistry(t), "slow"), nil))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, took, 200*time.Millisecond)
}

// fixedTimeWorker reports a constant execution time
type fixedTimeWorker struct{ LocalWorker }

func (w *fixedTimeWorker) ExecuteTimed(ctx context.Context, job *Job) ([]value.ComputedValue, time.Duration, error) {
	out, err := w.Execute(ctx, job)
	return out, 7 * time.Second, err
}

func TestDispatcherRecordsWorkerReportedDuration(t *testing.T) {
	d := New([]Worker{&fixedTimeWorker{*NewLocalWorker("timed")}}, WithLogger(zap.NewNop()))

	results := collect(d.Submit(context.Background(), []*Job{NewJob("Default", testNode("a", constant(1.0)), nil)}))
	require.NoError(t, results["a"].Err)
	assert.Equal(t, 7*time.Second, results["a"].Duration)
	assert.Equal(t, float64(7000), d.Stats().MeanMs)
}
