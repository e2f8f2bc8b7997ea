// ABOUTME: Process-wide registry of background tasks
// ABOUTME: Registration happens once at process start, independent of any UI surface

package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// TaskDeviceAction is the task name for notification action buttons.
const TaskDeviceAction = "device-approval-action"

// ErrNotRegistered is returned when dispatching to an unknown task.
var ErrNotRegistered = errors.New("background task not registered")

// TaskFunc runs a background task with its payload.
type TaskFunc func(ctx context.Context, payload map[string]string) error

// Registry maps task names to handlers.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]TaskFunc
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]TaskFunc)}
}

// Register adds fn under name unless something is already registered there.
// It reports whether fn was added; repeated registration is a no-op.
func (r *Registry) Register(name string, fn TaskFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		return false
	}
	r.tasks[name] = fn
	return true
}

// Registered reports whether name has a handler.
func (r *Registry) Registered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[name]
	return ok
}

// Dispatch runs the task registered under name.
func (r *Registry) Dispatch(ctx context.Context, name string, payload map[string]string) error {
	r.mu.RLock()
	fn, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return fn(ctx, payload)
}
