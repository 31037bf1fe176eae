// Package registry holds the bounded, in-memory set of job records. It is the
// only owner of job state: callers read snapshots and change records through
// Mutate.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sashelper/SDVBridge/internal/model"
)

// DefaultCapacity is the number of jobs retained before the oldest is evicted.
const DefaultCapacity = 200

var (
	// ErrNotFound is returned for ids that never existed or were evicted.
	ErrNotFound = errors.New("job not found")
	// ErrExists is returned by Create when the id is already registered.
	ErrExists = errors.New("job already exists")
	// ErrFrozen is returned by Mutate when the job already reached a terminal state.
	ErrFrozen = errors.New("job is terminal")
	// ErrInvalidTransition is returned when a mutation changes status illegally.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Registry is a mutex-guarded map of jobs plus their insertion order.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	jobs     map[string]model.Job
	order    []string
	capacity int
	onEvict  func(model.Job)
}

// Option configures a Registry.
type Option func(*Registry)

// WithOnEvict registers fn to be called, outside the lock, with the snapshot
// of every evicted job.
func WithOnEvict(fn func(model.Job)) Option {
	return func(r *Registry) { r.onEvict = fn }
}

// New creates a registry retaining at most capacity jobs. A non-positive
// capacity selects DefaultCapacity.
func New(capacity int, opts ...Option) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r := &Registry{
		jobs:     make(map[string]model.Job),
		capacity: capacity,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create inserts job and evicts the oldest records beyond capacity.
func (r *Registry) Create(job model.Job) error {
	r.mu.Lock()
	if _, ok := r.jobs[job.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	r.jobs[job.ID] = job.Clone()
	r.order = append(r.order, job.ID)

	var evicted []model.Job
	for len(r.order) > r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		if j, ok := r.jobs[oldest]; ok {
			evicted = append(evicted, j)
			delete(r.jobs, oldest)
		}
	}
	onEvict := r.onEvict
	r.mu.Unlock()

	if onEvict != nil {
		for _, j := range evicted {
			onEvict(j)
		}
	}
	return nil
}

// Get returns a snapshot copy of the job with the given id.
func (r *Registry) Get(id string) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

// Mutate applies fn to a copy of the job and stores the copy. fn must not
// block or perform I/O. The mutation is rejected if the job is already
// terminal or fn changes the status along an invalid transition. The
// resulting snapshot is returned.
func (r *Registry) Mutate(id string, fn func(*model.Job)) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[id]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	if model.IsTerminal(current.Status) {
		return current.Clone(), ErrFrozen
	}

	next := current.Clone()
	fn(&next)
	next.ID = current.ID

	if !model.ValidTransition(current.Status, next.Status) {
		return current.Clone(), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next.Status)
	}

	r.jobs[id] = next
	return next.Clone(), nil
}

// List returns snapshots of all retained jobs, newest first.
func (r *Registry) List() []model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Job, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		if j, ok := r.jobs[r.order[i]]; ok {
			out = append(out, j.Clone())
		}
	}
	return out
}

// Len returns the number of retained jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
