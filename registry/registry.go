package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/JuliaPluto/malt/protocol"
)

// Func is a worker-registered function. args are the still-encoded call
// arguments; a Func decodes only the ones it expects, in the order they
// were passed to worker.Handle.Go/Fetch/Do. The returned value is encoded
// with protocol.EncodeBody and sent back as a ResultPayload; a non-nil
// error is sent back as a FailurePayload instead and the return value is
// ignored.
type Func func(ctx context.Context, args []protocol.RawValue) (any, error)

// Registry is a worker process's table of callable names. The zero value
// is not usable; use New.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name, replacing any existing registration. It is
// typically called during worker startup, before workerproc.Serve begins
// accepting calls, but is safe to call concurrently with lookups.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the function registered under name, or false if none is.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the currently registered function names, for diagnostics.
// The order of the names is not defined.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	return names
}

// ErrNotFound reports that a call named a function with no registration.
type ErrNotFound struct {
	Name string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("registry: no function registered as %q", e.Name)
}

// Invoke looks up name and calls it, translating a missing registration
// into *ErrNotFound so callers can distinguish "function panicked or
// errored" from "function does not exist" when building a FailurePayload.
func (r *Registry) Invoke(ctx context.Context, name string, args []protocol.RawValue) (any, error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return nil, &ErrNotFound{Name: name}
	}
	return fn(ctx, args)
}
