package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	injector "github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/execution"
)

// Executor runs one executable inject, appending traces to exec.
type Executor interface {
	Process(ctx context.Context, exec *execution.Execution, ei *execution.ExecutableInject) (execution.Process, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, exec *execution.Execution, ei *execution.ExecutableInject) (execution.Process, error)

// Process implements Executor.
func (f Func) Process(ctx context.Context, exec *execution.Execution, ei *execution.ExecutableInject) (execution.Process, error) {
	return f(ctx, exec, ei)
}

// Registry maps injector types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an injector type to an executor, replacing any previous one.
func (r *Registry) Register(injectorType string, x Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[injectorType] = x
}

// Lookup returns the executor for an injector type.
func (r *Registry) Lookup(injectorType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	x, ok := r.executors[injectorType]
	if !ok {
		return nil, injector.NewConfigurationError("Registry.Lookup", injector.ErrExecutorNotFound).
			WithContext(map[string]any{"injector_type": injectorType})
	}
	return x, nil
}

// Types lists the registered injector types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// DecodeContent unmarshals the inject content into T. Empty content decodes
// to the zero value.
func DecodeContent[T any](ei *execution.ExecutableInject) (T, error) {
	var out T
	if len(ei.Inject.Content) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(ei.Inject.Content, &out); err != nil {
		return out, injector.NewValidationError("DecodeContent", fmt.Errorf("%w: %v", injector.ErrInvalidContent, err)).
			WithContext(map[string]any{"inject_id": ei.ID()})
	}
	return out, nil
}
