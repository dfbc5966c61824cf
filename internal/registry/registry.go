// Package registry maps task names to the functions that implement them.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"wellflow/internal/domain"
)

// Func is a unit of work. It returns a statistics mapping or an error.
type Func func(ctx context.Context, params domain.Params) (domain.Result, error)

var (
	ErrEmptyName = errors.New("task name is required")
	ErrBadName   = errors.New("task name has surrounding whitespace")
	ErrNilFunc   = errors.New("task func is nil")
)

// Registry is safe for concurrent use. Writes happen at startup, reads on every execution.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Func
}

func New() *Registry {
	return &Registry{tasks: make(map[string]Func)}
}

// Register stores fn under name, replacing any earlier registration.
// Names are stored exactly as given.
func (r *Registry) Register(name string, fn Func) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if strings.TrimSpace(name) != name {
		return ErrBadName
	}
	if fn == nil {
		return ErrNilFunc
	}
	r.mu.Lock()
	r.tasks[name] = fn
	r.mu.Unlock()
	return nil
}

// MustRegister is Register for process wiring, where a bad name is a programming error.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic("registry: " + name + ": " + err.Error())
	}
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.tasks[name]
	r.mu.RUnlock()
	return fn, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns the registered names in lexical order.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ErrUnknownTask is reported when a name has no registration.
var ErrUnknownTask = errors.New("unknown task")
