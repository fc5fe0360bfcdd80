package geofence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/example/attendance-verifier/internal/attendance"
)

// ErrUnknownTask is returned when dispatching to a task that was never registered.
var ErrUnknownTask = errors.New("geofence: unknown background task")

// TransitionHandler consumes boundary callbacks for a registered task.
type TransitionHandler interface {
	HandleTransition(ctx context.Context, transition attendance.Transition) (Result, error)
}

// Registry maps background task names to their handlers. Registering an
// existing name is a no-op so repeated wiring cannot install a second handler.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]TransitionHandler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]TransitionHandler)}
}

// Register installs handler under name unless the name is taken. It reports
// whether the handler was installed.
func (r *Registry) Register(name string, handler TransitionHandler) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("geofence: task name is required")
	}
	if handler == nil {
		return false, fmt.Errorf("geofence: handler for %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return false, nil
	}
	r.handlers[name] = handler
	return true, nil
}

// Registered reports whether name has a handler.
func (r *Registry) Registered(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[name]
	return ok
}

// Names lists registered tasks in lexical order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch routes transition to the handler registered under name.
func (r *Registry) Dispatch(ctx context.Context, name string, transition attendance.Transition) (Result, error) {
	r.mu.Lock()
	handler, ok := r.handlers[name]
	r.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return handler.HandleTransition(ctx, transition)
}
