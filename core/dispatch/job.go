// Package dispatch - Node job dispatch to calculation workers
// Jobs carry a node and its input values read from the cycle cache; workers
// are local goroutines or remote processes behind a request/response channel.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"riskengine/core/function"
	"riskengine/core/graph"
	"riskengine/core/value"
	"riskengine/internal/errors"
)

var (
	// ErrWorkerLost is returned when a worker can no longer execute jobs
	ErrWorkerLost = errors.New(errors.TypeTransport, "calculation worker lost")

	// ErrJobTimeout is returned when a job exceeds the configured timeout
	ErrJobTimeout = errors.New(errors.TypeTimeout, "job timed out")

	// ErrNoWorkers is returned when every worker in the pool was lost
	ErrNoWorkers = errors.New(errors.TypeTransport, "no calculation workers available")
)

// Job is one node execution request
type Job struct {
	ID            string
	Configuration string
	Node          *graph.Node
	Inputs        []value.ComputedValue
	Attempt       int
}

// NewJob creates a job with a fresh identifier
func NewJob(configuration string, node *graph.Node, inputs []value.ComputedValue) *Job {
	return &Job{
		ID:            uuid.NewString(),
		Configuration: configuration,
		Node:          node,
		Inputs:        inputs,
	}
}

// Invocation builds the function invocation for the job
func (j *Job) Invocation() *function.Invocation {
	return &function.Invocation{
		Target:     j.Node.Target,
		Inputs:     j.Inputs,
		Outputs:    j.Node.Outputs,
		Parameters: j.Node.Parameters,
	}
}

// JobResult is the outcome of a job
type JobResult struct {
	JobID    string
	Job      *Job
	Outputs  []value.ComputedValue
	Err      error
	Duration time.Duration
	Worker   string
	Retried  bool
}

// Worker executes jobs
type Worker interface {
	Name() string
	Execute(ctx context.Context, job *Job) ([]value.ComputedValue, error)
	Close() error
}

// LocalWorker invokes functions in process
type LocalWorker struct {
	name string
}

// NewLocalWorker creates an in-process worker
func NewLocalWorker(name string) *LocalWorker {
	return &LocalWorker{name: name}
}

// LocalPool creates n local workers
func LocalPool(n int) []Worker {
	workers := make([]Worker, n)
	for i := range workers {
		workers[i] = NewLocalWorker(fmt.Sprintf("local-%d", i))
	}
	return workers
}

// Name returns the worker name
func (w *LocalWorker) Name() string { return w.name }

// Close is a no-op for local workers
func (w *LocalWorker) Close() error { return nil }

// Execute runs the job's function, returning when it finishes or ctx is done
func (w *LocalWorker) Execute(ctx context.Context, job *Job) ([]value.ComputedValue, error) {
	return invoke(ctx, job.Node.Function, job.Invocation())
}

type invokeResult struct {
	outputs []value.ComputedValue
	err     error
}

// invoke calls fn, converting panics to execution errors. The call runs on its
// own goroutine so an expired context returns promptly.
func invoke(ctx context.Context, fn *function.Definition, inv *function.Invocation) ([]value.ComputedValue, error) {
	if fn.Invoke == nil {
		return nil, errors.Newf(errors.TypeExecution, "function %s cannot be invoked", fn.ID)
	}

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: errors.Newf(errors.TypeExecution, "function %s panicked: %v", fn.ID, r).
					WithContext("stack", string(debug.Stack()))}
			}
		}()
		out, err := fn.Invoke(ctx, inv)
		done <- invokeResult{outputs: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, errors.Execution(fmt.Sprintf("function %s failed", fn.ID), r.err)
		}
		if err := checkOutputs(fn, inv, r.outputs); err != nil {
			return nil, err
		}
		return r.outputs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// checkOutputs verifies a function returned a value for every declared output
func checkOutputs(fn *function.Definition, inv *function.Invocation, outputs []value.ComputedValue) error {
	got := make(map[string]bool, len(outputs))
	for _, o := range outputs {
		got[o.Spec.Key()] = true
	}
	for _, want := range inv.Outputs {
		if !got[want.Key()] {
			return errors.Newf(errors.TypeExecution, "function %s did not produce %s", fn.ID, want)
		}
	}
	return nil
}
