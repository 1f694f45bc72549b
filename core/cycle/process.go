// Package cycle - View processes and cycle execution
// A view process owns one compiled view and runs cycles against it one at a
// time: on demand, on market data ticks or on a schedule.
package cycle

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"riskengine/core/cache"
	"riskengine/core/compile"
	"riskengine/core/dispatch"
	"riskengine/core/marketdata"
	"riskengine/core/scenario"
	"riskengine/core/value"
	"riskengine/internal/errors"
	"riskengine/internal/logging"
	"riskengine/internal/metrics"
)

var tracer = otel.Tracer("riskengine/cycle")

// ErrTerminated is returned when a cycle is requested from a terminated process
var ErrTerminated = errors.New(errors.TypeCancelled, "view process terminated")

// State is the lifecycle state of a view process
type State int

const (
	StateUncompiled State = iota
	StateCompiling
	StateReady
	StateRunningCycle
	StateTerminated
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateUncompiled:
		return "UNCOMPILED"
	case StateCompiling:
		return "COMPILING"
	case StateReady:
		return "READY"
	case StateRunningCycle:
		return "RUNNING_CYCLE"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// ViewProcess runs cycles of one view definition over one portfolio
type ViewProcess struct {
	id         string
	view       *compile.ViewDefinition
	portfolio  *compile.Portfolio
	compiler   *compile.Cache
	provider   marketdata.Provider
	dispatcher *dispatch.Dispatcher
	listeners  *ListenerRegistry
	caches     *cache.Manager
	logger     *zap.Logger

	scenario       *scenario.Definition
	maxDeltaCycles int
	fragments      bool
	live           bool
	maxCycles      int
	clock          func() time.Time

	// cycleMu serialises cycles and recompilation
	cycleMu sync.Mutex

	mu           sync.Mutex
	state        State
	base         *compile.CompiledView
	compiled     *compile.CompiledView
	subscribed   []value.ValueSpecification
	latest       *ResultModel
	lastSnapshot marketdata.Snapshot
	sinceFull    int
	cycles       int
	pending      int
	interrupted  bool

	trigger chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	running bool
}

// Option configures a ViewProcess
type Option func(*ViewProcess)

// WithScenario decorates the compiled view with a scenario
func WithScenario(def *scenario.Definition) Option {
	return func(p *ViewProcess) { p.scenario = def }
}

// WithMaxDeltaCycles bounds consecutive delta cycles; zero makes every cycle full
func WithMaxDeltaCycles(n int) Option {
	return func(p *ViewProcess) { p.maxDeltaCycles = n }
}

// WithFragments enables per-wave fragment callbacks. Fragments of a cycle are
// delivered in wave order after the cycle commits and before its completion
// callback; a failed or cancelled cycle delivers none.
func WithFragments(on bool) Option {
	return func(p *ViewProcess) { p.fragments = on }
}

// WithLive runs a cycle for every market data tick
func WithLive(on bool) Option {
	return func(p *ViewProcess) { p.live = on }
}

// WithMaxCycles completes the process after n cycles; zero is unbounded
func WithMaxCycles(n int) Option {
	return func(p *ViewProcess) { p.maxCycles = n }
}

// WithClock sets the valuation clock
func WithClock(now func() time.Time) Option {
	return func(p *ViewProcess) { p.clock = now }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(p *ViewProcess) { p.logger = l }
}

// WithListener registers a listener
func WithListener(l Listener) Option {
	return func(p *ViewProcess) { p.listeners.Add(l) }
}

// NewViewProcess creates a process in the UNCOMPILED state
func NewViewProcess(view *compile.ViewDefinition, portfolio *compile.Portfolio, compiler *compile.Cache,
	provider marketdata.Provider, dispatcher *dispatch.Dispatcher, opts ...Option) *ViewProcess {
	p := &ViewProcess{
		id:             uuid.NewString(),
		view:           view,
		portfolio:      portfolio,
		compiler:       compiler,
		provider:       provider,
		dispatcher:     dispatcher,
		listeners:      NewListenerRegistry(nil),
		caches:         cache.NewManager(),
		maxDeltaCycles: 10,
		clock:          time.Now,
		trigger:        make(chan struct{}, 1),
		stop:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrNamed(p.logger, "cycle").With(zap.String("process_id", p.id), zap.String("view", view.Name))
	p.listeners.logger = p.logger
	return p
}

// ID returns the process identifier
func (p *ViewProcess) ID() string { return p.id }

// View returns the view definition
func (p *ViewProcess) View() *compile.ViewDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view
}

// SetDefinition swaps the view definition and portfolio. The next cycle
// recompiles when either version changed.
func (p *ViewProcess) SetDefinition(view *compile.ViewDefinition, portfolio *compile.Portfolio) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.view = view
	p.portfolio = portfolio
}

// Listeners returns the listener registry
func (p *ViewProcess) Listeners() *ListenerRegistry { return p.listeners }

// State returns the current lifecycle state
func (p *ViewProcess) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Compiled returns the compiled view in use, if any
func (p *ViewProcess) Compiled() (*compile.CompiledView, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.compiled, p.compiled != nil
}

// Latest returns the last published full result model
func (p *ViewProcess) Latest() (*ResultModel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.latest != nil
}

// Cycles returns the number of completed cycles
func (p *ViewProcess) Cycles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycles
}

func (p *ViewProcess) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateTerminated {
		p.state = s
	}
}

// RequestCycle asks the running process for one more cycle. Every request
// runs exactly one cycle.
func (p *ViewProcess) RequestCycle() {
	p.mu.Lock()
	p.pending++
	p.mu.Unlock()
	p.wake()
}

func (p *ViewProcess) wake() {
	select {
	case p.trigger <- struct{}{}:
	default:
		// Trigger already pending
	}
}

// Start runs the process loop in a goroutine
func (p *ViewProcess) Start(ctx context.Context) {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	go p.Run(ctx)
}

// Run is the process loop. It blocks until ctx is done, Stop is called or
// the maximum number of cycles completed.
func (p *ViewProcess) Run(ctx context.Context) {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	metrics.ActiveProcesses.Inc()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(p.stopped)
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	var ticks <-chan struct{}
	if p.live && p.provider != nil {
		ticks = p.provider.Ticks()
		// The first live cycle does not wait for a tick
		p.RequestCycle()
	}

	for {
		select {
		case <-ctx.Done():
			p.terminate()
			return
		case <-p.trigger:
			for p.takePending() {
				p.runLogged(ctx)
				if p.done() {
					p.complete()
					return
				}
				if ctx.Err() != nil {
					break
				}
			}
		case <-ticks:
			p.runLogged(ctx)
			if p.done() {
				p.complete()
				return
			}
		}
	}
}

func (p *ViewProcess) takePending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == 0 {
		return false
	}
	p.pending--
	return true
}

func (p *ViewProcess) done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxCycles > 0 && p.cycles >= p.maxCycles
}

func (p *ViewProcess) runLogged(ctx context.Context) {
	if _, err := p.RunCycle(ctx); err != nil {
		p.logger.Warn("cycle failed", zap.Error(err))
	}
}

// Stop terminates the process loop and waits for it to exit
func (p *ViewProcess) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if running {
		<-p.stopped
	}
}

// Done is closed when the process loop has exited
func (p *ViewProcess) Done() <-chan struct{} {
	return p.stopped
}

func (p *ViewProcess) complete() {
	p.shutdown()
	p.logger.Info("view process completed", zap.Int("cycles", p.Cycles()))
	p.listeners.processCompleted()
}

func (p *ViewProcess) terminate() {
	p.shutdown()
	p.mu.Lock()
	interrupted := p.interrupted
	p.mu.Unlock()
	p.logger.Info("view process terminated", zap.Bool("interrupted", interrupted))
	p.listeners.processTerminated(interrupted)
}

func (p *ViewProcess) shutdown() {
	p.mu.Lock()
	p.state = StateTerminated
	subscribed := p.subscribed
	p.subscribed = nil
	wasRunning := p.running
	p.mu.Unlock()
	if p.provider != nil && len(subscribed) > 0 {
		p.provider.Unsubscribe(subscribed...)
	}
	p.caches.Reset()
	if wasRunning {
		metrics.ActiveProcesses.Dec()
	}
}

// RunCycle compiles the view when needed and executes one cycle, publishing
// the results to listeners. It may be called directly when the loop is not running.
func (p *ViewProcess) RunCycle(ctx context.Context) (*ResultModel, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	if p.State() == StateTerminated {
		return nil, ErrTerminated
	}

	at := p.clock()
	cv, err := p.ensureCompiled(ctx, at)
	if err != nil {
		return nil, err
	}

	p.setState(StateRunningCycle)
	defer p.setState(StateReady)
	return p.execute(ctx, cv, at)
}

// ensureCompiled returns the compiled view valid at at, recompiling when the
// view, portfolio or registry changed or the previous compilation expired
func (p *ViewProcess) ensureCompiled(ctx context.Context, at time.Time) (*compile.CompiledView, error) {
	p.mu.Lock()
	base, compiled := p.base, p.compiled
	view, portfolio := p.view, p.portfolio
	p.mu.Unlock()
	if base == nil || !base.IsValidAt(at) {
		p.setState(StateCompiling)
	}

	cv, err := p.compiler.Get(ctx, portfolio, view, at)
	if err != nil {
		p.setState(StateUncompiled)
		p.logger.Warn("view compilation failed", zap.Error(err))
		p.listeners.compilationFailed(at, err)
		return nil, err
	}
	if cv == base {
		return compiled, nil
	}

	decorated := cv
	if p.scenario != nil {
		decorated, err = scenario.DecorateView(cv, p.scenario, p.compiler.Compiler().Registry())
		if err != nil {
			p.setState(StateUncompiled)
			p.listeners.compilationFailed(at, err)
			return nil, err
		}
	}

	specs := decorated.MarketDataSpecs()
	p.mu.Lock()
	old := p.subscribed
	p.base, p.compiled, p.subscribed = cv, decorated, specs
	p.lastSnapshot = nil
	p.sinceFull = 0
	p.mu.Unlock()

	if p.provider != nil {
		if len(old) > 0 {
			p.provider.Unsubscribe(old...)
		}
		p.provider.Subscribe(specs...)
	}
	// A new graph invalidates every cached value
	p.caches.Reset()

	p.setState(StateReady)
	p.logger.Info("view compiled",
		zap.String("compilation_id", decorated.ID),
		zap.Time("valid_to", decorated.ValidTo),
		zap.Int("market_data", len(specs)))
	p.listeners.compiled(decorated)
	return decorated, nil
}

func (p *ViewProcess) execute(ctx context.Context, cv *compile.CompiledView, at time.Time) (*ResultModel, error) {
	start := time.Now()

	var snapshot marketdata.Snapshot = marketdata.NewSnapshot(at, nil)
	if p.provider != nil {
		s, err := p.provider.Snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(errors.TypeCancelled, ErrCycleCancelled.Error(), err)
			}
			return nil, errors.Wrap(errors.TypeExecution, "market data snapshot", err)
		}
		snapshot = s
	}

	p.mu.Lock()
	prevSnapshot, latest := p.lastSnapshot, p.latest
	delta := prevSnapshot != nil && p.maxDeltaCycles > 0 && p.sinceFull < p.maxDeltaCycles
	p.mu.Unlock()

	changed := make(map[string]bool)
	if delta {
		for _, spec := range marketdata.Changed(prevSnapshot, snapshot, cv.MarketDataSpecs()) {
			changed[marketdata.SpecKey(spec)] = true
		}
	}

	info := Info{
		ProcessID:     p.id,
		CycleID:       uuid.NewString(),
		Type:          TypeFull,
		ValuationTime: at,
		SnapshotID:    snapshot.ID(),
	}
	if delta {
		info.Type = TypeDelta
	}

	ctx, span := tracer.Start(ctx, "cycle.Run",
		trace.WithAttributes(
			attribute.String("cycle.id", info.CycleID),
			attribute.String("cycle.type", string(info.Type)),
			attribute.String("view.name", cv.View.Name),
			attribute.Int("market_data.changed", len(changed)),
		),
	)
	defer span.End()

	logger := p.logger.With(zap.String("cycle_id", info.CycleID))
	logger.Debug("cycle started", zap.String("type", string(info.Type)))
	p.listeners.started(info)

	names := cv.Configurations()
	p.caches.Begin(info.CycleID, names)
	full := &ResultModel{Info: info, CompilationID: cv.ID, Start: start}
	var fragments []*Fragment

	for _, name := range names {
		g, ok := cv.Graph(name)
		if !ok {
			continue
		}
		current, _ := p.caches.Current(name)
		previous, _ := p.caches.Previous(name)
		r := &run{
			info:       info,
			name:       name,
			graph:      g,
			snapshot:   snapshot,
			changed:    changed,
			delta:      delta,
			current:    current,
			previous:   previous,
			dispatcher: p.dispatcher,
			listeners:  p.listeners,
			fragments:  p.fragments,
			logger:     logger,
		}
		err := r.execute(ctx)
		var res ConfigurationResult
		if err == nil {
			res, err = r.result(cv)
		}
		if err != nil {
			return nil, p.fail(span, info, err, time.Since(start))
		}
		full.Configurations = append(full.Configurations, res)
		fragments = append(fragments, r.pending...)
	}

	full.Duration = time.Since(start)
	deltaModel := Delta(latest, full)
	p.caches.Commit()

	p.mu.Lock()
	p.latest = full
	p.lastSnapshot = snapshot
	p.cycles++
	p.interrupted = false
	if delta {
		p.sinceFull++
	} else {
		p.sinceFull = 0
	}
	p.mu.Unlock()

	metrics.CyclesTotal.WithLabelValues(string(info.Type), "ok").Inc()
	metrics.CycleDuration.WithLabelValues(string(info.Type)).Observe(full.Duration.Seconds())
	span.SetAttributes(attribute.Int("cycle.values", full.Len()), attribute.Int("cycle.changed_values", deltaModel.Len()))
	logger.Info("cycle completed",
		zap.String("type", string(info.Type)),
		zap.Int("values", full.Len()),
		zap.Int("changed", deltaModel.Len()),
		zap.Duration("duration", full.Duration))

	for _, f := range fragments {
		p.listeners.fragment(f)
	}
	p.listeners.completed(full, deltaModel)
	return full, nil
}

// fail discards the cycle. A cache miss also drops the previous cycle's caches
// so the next cycle is full.
func (p *ViewProcess) fail(span trace.Span, info Info, err error, elapsed time.Duration) error {
	if stderrors.Is(err, cache.ErrMiss) {
		p.caches.Reset()
		p.mu.Lock()
		p.lastSnapshot = nil
		p.mu.Unlock()
	} else {
		p.caches.Discard()
	}

	outcome := "failed"
	if errors.IsType(err, errors.TypeCancelled) {
		outcome = "cancelled"
		p.mu.Lock()
		p.interrupted = true
		p.mu.Unlock()
	}
	metrics.CyclesTotal.WithLabelValues(string(info.Type), outcome).Inc()
	metrics.CycleDuration.WithLabelValues(string(info.Type)).Observe(elapsed.Seconds())
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)

	p.logger.Warn("cycle execution failed",
		zap.String("cycle_id", info.CycleID),
		zap.String("outcome", outcome),
		zap.Error(err))
	p.listeners.failed(info, err)
	return err
}
