package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// WorkflowFunc is a workflow body. It must be deterministic: all
// nondeterminism (I/O, randomness, wall-clock reads) goes through the
// Context so that replay against the recorded history yields the same
// sequence of suspension points.
type WorkflowFunc func(ctx *Context, input json.RawMessage) (interface{}, error)

// ActivityFunc is a unit of side-effecting work executed outside the replay
// boundary. Activities may block on I/O and are retried on transient errors.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (interface{}, error)

// Registry maps workflow and activity names to their functions.
type Registry struct {
	mu         sync.RWMutex
	workflows  map[string]WorkflowFunc
	activities map[string]ActivityFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]WorkflowFunc),
		activities: make(map[string]ActivityFunc),
	}
}

// RegisterWorkflow registers a workflow function under a name.
func (r *Registry) RegisterWorkflow(name string, fn WorkflowFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[name] = fn
}

// RegisterActivity registers an activity function under a name.
func (r *Registry) RegisterActivity(name string, fn ActivityFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[name] = fn
}

func (r *Registry) workflow(name string) (WorkflowFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotRegistered, name)
	}
	return fn, nil
}

func (r *Registry) activity(name string) (ActivityFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.activities[name]
	if !ok {
		return nil, fmt.Errorf("activity not registered: %s", name)
	}
	return fn, nil
}
