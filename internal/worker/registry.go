package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/uws-engine/internal/job"
	"github.com/ChuLiYu/uws-engine/pkg/types"
)

// Registry maps task names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Lookup returns the factory registered under name.
func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return f, nil
}

// Names lists registered task names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Builtins returns a registry holding the demo tasks:
//
//	sleep  waits for the "duration" parameter (default 1s), then adds one result
//	fail   fails with the "message" parameter, "type" transient|fatal
func Builtins() *Registry {
	r := NewRegistry()
	r.Register("sleep", SleepTask)
	r.Register("fail", FailTask)
	return r
}

// SleepTask builds a task that waits and produces a single result.
func SleepTask(j *job.Job) (TaskFunc, error) {
	d := time.Second
	if p, ok := j.Param("duration"); ok && p.Value() != "" {
		parsed, err := time.ParseDuration(p.Value())
		if err != nil {
			return nil, fmt.Errorf("invalid duration parameter: %w", err)
		}
		d = parsed
	}

	return func(ctx context.Context, j *job.Job) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		return j.AddResult(types.Result{
			ID:       "result",
			Type:     "simple",
			Href:     "results/" + j.ID() + "/result",
			MIMEType: "text/plain",
		})
	}, nil
}

// FailTask builds a task that always fails with an expected error.
func FailTask(j *job.Job) (TaskFunc, error) {
	msg := "task failed"
	if p, ok := j.Param("message"); ok && p.Value() != "" {
		msg = p.Value()
	}
	errType := types.ErrorFatal
	if p, ok := j.Param("type"); ok && p.Value() == string(types.ErrorTransient) {
		errType = types.ErrorTransient
	}

	return func(ctx context.Context, j *job.Job) error {
		return &TaskError{Type: errType, Message: msg}
	}, nil
}
