package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/metronome/errors"
)

// Registry routes tasks to backends by name.
// Image jobs go to the docker backend when one is registered and the
// default backend cannot run them itself; everything else goes to the default.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	mu          sync.RWMutex
	backends    map[string]Executor
	defaultName string
	owners      map[string]Executor // task id -> backend that launched it
}

// NewRegistry creates an empty registry with the named default backend
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		backends:    make(map[string]Executor),
		defaultName: defaultName,
		owners:      make(map[string]Executor),
	}
}

// Register adds a backend under its name.
// Panics if a backend is already registered with that name.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := e.Name()
	if _, exists := r.backends[name]; exists {
		panic(fmt.Sprintf("executor already registered for name: %s", name))
	}
	r.backends[name] = e
}

// Get returns the backend registered under name, or nil
func (r *Registry) Get(name string) Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[name]
}

// Names returns the registered backend names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Name implements Executor
func (r *Registry) Name() string { return r.defaultName }

// For picks the backend for a task
func (r *Registry) For(task *Task) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def := r.backends[r.defaultName]
	if task.Spec.Docker != nil && task.Spec.Docker.Image != "" && r.defaultName != "agent" && r.defaultName != "noop" {
		if d, ok := r.backends["docker"]; ok {
			return d, nil
		}
		return nil, Permanent(errors.Newf("job %s needs the docker executor, which is not configured", task.JobID))
	}
	if def == nil {
		return nil, errors.Newf("no executor registered for default backend: %s", r.defaultName)
	}
	return def, nil
}

// Launch implements Executor by dispatching to the routed backend
func (r *Registry) Launch(ctx context.Context, task *Task, report ReportFunc) error {
	e, err := r.For(task)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.owners[task.ID] = e
	r.mu.Unlock()

	wrapped := func(su StatusUpdate) {
		if su.State.IsTerminal() {
			r.mu.Lock()
			delete(r.owners, su.TaskID)
			r.mu.Unlock()
		}
		report(su)
	}
	if err := e.Launch(ctx, task, wrapped); err != nil {
		r.mu.Lock()
		delete(r.owners, task.ID)
		r.mu.Unlock()
		return err
	}
	return nil
}

// Kill implements Executor
func (r *Registry) Kill(ctx context.Context, taskID string) error {
	r.mu.RLock()
	e, ok := r.owners[taskID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.Kill(ctx, taskID)
}

// Reattach implements Reattacher when the default backend does
func (r *Registry) Reattach(task *Task, report ReportFunc) bool {
	e, err := r.For(task)
	if err != nil {
		return false
	}
	ra, ok := e.(Reattacher)
	if !ok {
		return false
	}

	r.mu.Lock()
	r.owners[task.ID] = e
	r.mu.Unlock()

	ok = ra.Reattach(task, func(su StatusUpdate) {
		if su.State.IsTerminal() {
			r.mu.Lock()
			delete(r.owners, su.TaskID)
			r.mu.Unlock()
		}
		report(su)
	})
	if !ok {
		r.mu.Lock()
		delete(r.owners, task.ID)
		r.mu.Unlock()
	}
	return ok
}
