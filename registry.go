// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cassq

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hemant/cassq/internal/errors"
)

// Registry routes tasks to handlers by task type name.
//
// It implements Handler, so it can be passed directly to Server.Run or
// Server.Start. A task whose name has no registered handler is failed
// permanently; rerunning it cannot succeed until a handler appears, and
// retry loops on misrouted tasks hide deployment mistakes.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates the handler with the given task type name.
// Registering the same name twice returns ErrDuplicateHandler.
func (r *Registry) Register(name string, h Handler) error {
	const op = errors.Op("registry.Register")
	if name == "" {
		return errors.E(op, errors.FailedPrecondition, "task type name must not be empty")
	}
	if h == nil {
		return errors.E(op, errors.FailedPrecondition, "handler must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return errors.E(op, errors.FailedPrecondition, errors.ErrDuplicateHandler)
	}
	r.handlers[name] = h
	return nil
}

// RegisterFunc associates the function with the given task type name.
func (r *Registry) RegisterFunc(name string, fn func(context.Context, *Task) HandleResult) error {
	return r.Register(name, HandlerFunc(fn))
}

// Names returns the registered task type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProcessTask dispatches the task to the handler registered for its name.
func (r *Registry) ProcessTask(ctx context.Context, task *Task) HandleResult {
	r.mu.RLock()
	h, ok := r.handlers[task.Name()]
	r.mu.RUnlock()
	if !ok {
		return Fatal(fmt.Errorf("cassq: no handler registered for task type %q", task.Name()))
	}
	return h.ProcessTask(ctx, task)
}
