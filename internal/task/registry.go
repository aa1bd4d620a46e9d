package task

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HandlerFunc executes one attempt of a task. The context carries the task's
// execution deadline; handlers must return promptly once it is cancelled.
type HandlerFunc func(ctx context.Context, t *Task) error

// Descriptor defines a type of task: which queue it runs on, how often, with
// what priority and deadline, and the handler that executes it.
type Descriptor struct {
	// Type is the unique identifier for this task type.
	Type Type

	// Queue names the execution queue. Tasks in the same queue never overlap.
	Queue string

	// Priority determines ordering against other eligible tasks in the queue.
	Priority Priority

	// Interval is the recurrence period. Zero means the task runs on demand.
	Interval time.Duration

	// CronSpec holds a cron expression for fixed-time schedules (e.g. nightly
	// maintenance). Empty for interval-driven and on-demand tasks.
	CronSpec string

	// Timeout is the per-attempt execution deadline. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxAttempts is the retry budget per execution cycle. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int

	// Description is a short human-readable summary shown in status output.
	Description string

	// Handler executes the task.
	Handler HandlerFunc
}

// ExecutionTimeout returns the per-attempt deadline for this task type.
func (d *Descriptor) ExecutionTimeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultTimeout
}

// Registry holds all registered task types and provides lookup by type and
// priority ordering.
type Registry struct {
	descriptors map[Type]*Descriptor
	ordered     []*Descriptor // Ordered by priority (highest first)
	mu          sync.RWMutex
	reorder     bool // Flag to indicate ordering needs refresh
}

// NewRegistry creates a new task type registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[Type]*Descriptor),
		ordered:     make([]*Descriptor, 0),
	}
}

// Register adds a task type to the registry.
// If a descriptor with the same type already exists, it will be replaced.
func (r *Registry) Register(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.descriptors[d.Type] = d
	r.reorder = true
}

// Get returns a descriptor by type, or nil if not found.
func (r *Registry) Get(t Type) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.descriptors[t]
}

// Has returns true if a descriptor with the given type is registered.
func (r *Registry) Has(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.descriptors[t]
	return exists
}

// ByPriority returns all descriptors ordered by priority (highest first).
// Within the same priority, descriptors are ordered alphabetically by type.
func (r *Registry) ByPriority() []*Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reorder {
		r.refreshOrder()
		r.reorder = false
	}

	// Return a copy to prevent external modification
	result := make([]*Descriptor, len(r.ordered))
	copy(result, r.ordered)
	return result
}

// refreshOrder rebuilds the ordered slice based on priority.
// Must be called with lock held.
func (r *Registry) refreshOrder() {
	r.ordered = make([]*Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		r.ordered = append(r.ordered, d)
	}

	sort.Slice(r.ordered, func(i, j int) bool {
		if r.ordered[i].Priority != r.ordered[j].Priority {
			return r.ordered[i].Priority > r.ordered[j].Priority
		}
		return r.ordered[i].Type < r.ordered[j].Type
	})
}

// Recurring returns all descriptors with a recurrence interval.
func (r *Registry) Recurring() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Descriptor, 0)
	for _, d := range r.descriptors {
		if d.Interval > 0 {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// CronScheduled returns all descriptors driven by a cron expression.
func (r *Registry) CronScheduled() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Descriptor, 0)
	for _, d := range r.descriptors {
		if d.CronSpec != "" {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// Count returns the number of registered task types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.descriptors)
}

// Remove removes a task type from the registry.
func (r *Registry) Remove(t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.descriptors, t)
	r.reorder = true
}

// Types returns all registered task types, sorted.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]Type, 0, len(r.descriptors))
	for t := range r.descriptors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
