package cycle

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"riskengine/core/compile"
)

// Listener receives view process events. Callbacks run on the process
// goroutine and should return promptly.
type Listener interface {
	ViewDefinitionCompiled(cv *compile.CompiledView)
	ViewDefinitionCompilationFailed(at time.Time, err error)
	CycleStarted(info Info)
	CycleFragmentCompleted(fragment *Fragment)
	CycleCompleted(full, delta *ResultModel)
	CycleExecutionFailed(info Info, err error)
	ProcessCompleted()
	ProcessTerminated(interrupted bool)
}

// BaseListener implements Listener with no-ops for embedding
type BaseListener struct{}

func (BaseListener) ViewDefinitionCompiled(*compile.CompiledView) {}
func (BaseListener) ViewDefinitionCompilationFailed(time.Time, error) {}
func (BaseListener) CycleStarted(Info) {}
func (BaseListener) CycleFragmentCompleted(*Fragment) {}
func (BaseListener) CycleCompleted(*ResultModel, *ResultModel) {}
func (BaseListener) CycleExecutionFailed(Info, error) {}
func (BaseListener) ProcessCompleted() {}
func (BaseListener) ProcessTerminated(bool) {}

// ListenerRegistry notifies listeners in registration order. A panicking
// listener is logged and skipped.
type ListenerRegistry struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *zap.Logger
}

// NewListenerRegistry creates an empty registry
func NewListenerRegistry(logger *zap.Logger) *ListenerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListenerRegistry{logger: logger}
}

// Add registers a listener
func (r *ListenerRegistry) Add(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Remove unregisters a listener
func (r *ListenerRegistry) Remove(l Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of listeners
func (r *ListenerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

func (r *ListenerRegistry) each(event string, fn func(Listener)) {
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("listener panicked",
						zap.String("event", event),
						zap.String("listener", fmt.Sprintf("%T", l)),
						zap.Any("panic", rec))
				}
			}()
			fn(l)
		}()
	}
}

func (r *ListenerRegistry) compiled(cv *compile.CompiledView) {
	r.each("view_compiled", func(l Listener) { l.ViewDefinitionCompiled(cv) })
}

func (r *ListenerRegistry) compilationFailed(at time.Time, err error) {
	r.each("view_compilation_failed", func(l Listener) { l.ViewDefinitionCompilationFailed(at, err) })
}

func (r *ListenerRegistry) started(info Info) {
	r.each("cycle_started", func(l Listener) { l.CycleStarted(info) })
}

func (r *ListenerRegistry) fragment(f *Fragment) {
	r.each("cycle_fragment", func(l Listener) { l.CycleFragmentCompleted(f) })
}

func (r *ListenerRegistry) completed(full, delta *ResultModel) {
	r.each("cycle_completed", func(l Listener) { l.CycleCompleted(full, delta) })
}

func (r *ListenerRegistry) failed(info Info, err error) {
	r.each("cycle_failed", func(l Listener) { l.CycleExecutionFailed(info, err) })
}

func (r *ListenerRegistry) processCompleted() {
	r.each("process_completed", func(l Listener) { l.ProcessCompleted() })
}

func (r *ListenerRegistry) processTerminated(interrupted bool) {
	r.each("process_terminated", func(l Listener) { l.ProcessTerminated(interrupted) })
}
