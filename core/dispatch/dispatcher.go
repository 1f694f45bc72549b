package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"riskengine/core/value"
	"riskengine/internal/errors"
	"riskengine/internal/logging"
	"riskengine/internal/metrics"
)

// Dispatcher sends jobs to a fixed pool of workers. A worker failing with
// ErrWorkerLost is removed from the pool and its job re-queued once. A timed
// out or cancelled job fails alone and its worker returns to the pool unless
// the worker reports itself lost.
type Dispatcher struct {
	idle    chan Worker
	timeout time.Duration
	logger  *zap.Logger
	stats   *Stats

	mu      sync.Mutex
	alive   int
	drained chan struct{}
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithTimeout bounds each job; zero disables the timeout
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.timeout = d }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(disp *Dispatcher) { disp.logger = l }
}

// New creates a dispatcher over workers
func New(workers []Worker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		idle:    make(chan Worker, len(workers)),
		stats:   NewStats(),
		alive:   len(workers),
		drained: make(chan struct{}),
	}
	for _, w := range workers {
		d.idle <- w
	}
	if len(workers) == 0 {
		close(d.drained)
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrNamed(d.logger, "dispatcher")
	return d
}

// Size returns the number of workers still in the pool
func (d *Dispatcher) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive
}

// Stats returns execution statistics
func (d *Dispatcher) Stats() StatsSnapshot {
	return d.stats.Snapshot()
}

// Submit dispatches jobs and streams their results. The channel is closed
// once every job has a result. Cancelling ctx fails jobs not yet started.
func (d *Dispatcher) Submit(ctx context.Context, jobs []*Job) <-chan JobResult {
	results := make(chan JobResult, len(jobs))

	go func() {
		defer close(results)
		var g errgroup.Group
		g.SetLimit(max(d.Size(), 1))
		for _, job := range jobs {
			job := job
			g.Go(func() error {
				results <- d.run(ctx, job)
				return nil
			})
		}
		_ = g.Wait()
	}()

	return results
}

// run executes a job, re-queueing it once if its worker is lost
func (d *Dispatcher) run(ctx context.Context, job *Job) JobResult {
	res := d.attempt(ctx, job)
	if stderrors.Is(res.Err, ErrWorkerLost) && job.Attempt == 0 {
		metrics.JobRetries.Inc()
		d.stats.retry()
		d.logger.Warn("worker lost, re-queueing job",
			zap.String("job_id", job.ID),
			zap.String("worker", res.Worker),
			zap.String("node", job.Node.String()))
		job.Attempt++
		res = d.attempt(ctx, job)
		res.Retried = true
	}

	outcome := "ok"
	switch {
	case res.Err == nil:
	case errors.IsType(res.Err, errors.TypeTimeout):
		outcome = "timeout"
	case errors.IsType(res.Err, errors.TypeCancelled):
		outcome = "cancelled"
	default:
		outcome = "failed"
	}
	metrics.JobsTotal.WithLabelValues(outcome).Inc()
	d.stats.record(res.Duration, res.Err != nil)
	return res
}

func (d *Dispatcher) attempt(ctx context.Context, job *Job) JobResult {
	res := JobResult{JobID: job.ID, Job: job}
	if err := ctx.Err(); err != nil {
		res.Err = errors.Wrap(errors.TypeCancelled, "job cancelled before dispatch", err)
		return res
	}

	w, err := d.acquire(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	res.Worker = w.Name()

	jobCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, d.timeout)
	}
	start := time.Now()
	var outputs []value.ComputedValue
	var reported time.Duration
	if tw, ok := w.(timedWorker); ok {
		outputs, reported, err = tw.ExecuteTimed(jobCtx, job)
	} else {
		outputs, err = w.Execute(jobCtx, job)
	}
	res.Duration = time.Since(start)
	if reported > 0 {
		res.Duration = reported
	}
	cancel()
	metrics.JobDuration.Observe(res.Duration.Seconds())

	switch {
	case err == nil:
		res.Outputs = outputs
	case stderrors.Is(err, ErrWorkerLost):
		d.lose(w)
		res.Err = err
		return res
	case ctx.Err() != nil:
		res.Err = errors.Wrap(errors.TypeCancelled, "job cancelled", ctx.Err())
	case jobCtx.Err() == context.DeadlineExceeded:
		res.Err = fmt.Errorf("%w: %s after %s", ErrJobTimeout, job.Node, d.timeout)
	default:
		res.Err = err
	}
	if lr, ok := w.(lossReporter); ok && lr.Lost() {
		d.lose(w)
		return res
	}
	d.release(w)
	return res
}

// timedWorker reports the execution time measured on the worker itself
type timedWorker interface {
	ExecuteTimed(ctx context.Context, job *Job) ([]value.ComputedValue, time.Duration, error)
}

// lossReporter is a worker that can become unusable without failing a job
// with ErrWorkerLost
type lossReporter interface {
	Lost() bool
}

func (d *Dispatcher) acquire(ctx context.Context) (Worker, error) {
	select {
	case w := <-d.idle:
		return w, nil
	case <-d.drained:
		return nil, ErrNoWorkers
	case <-ctx.Done():
		return nil, errors.Wrap(errors.TypeCancelled, "job cancelled before dispatch", ctx.Err())
	}
}

func (d *Dispatcher) release(w Worker) {
	d.idle <- w
}

func (d *Dispatcher) lose(w Worker) {
	_ = w.Close()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alive--
	d.logger.Warn("removed calculation worker", zap.String("worker", w.Name()), zap.Int("remaining", d.alive))
	if d.alive == 0 {
		close(d.drained)
	}
}

// Close closes every idle worker
func (d *Dispatcher) Close() error {
	var errs []error
	for {
		select {
		case w := <-d.idle:
			if err := w.Close(); err != nil {
				errs = append(errs, err)
			}
		default:
			return stderrors.Join(errs...)
		}
	}
}
