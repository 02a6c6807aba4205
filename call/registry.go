// Package call implements the Call Engine (spec.md §4.4): execution of
// inbound thunks, and the capture of failures into RemoteExceptions that
// cross the wire transparently.
package call

import "sync"

// Func is a registered callable. The public RPC verbs (remotecall,
// remotecall_fetch, ...) name one of these by string; this is the Go
// stand-in for "compile a @spawn/@distributed/pmap call site down to one
// of the five verbs" from spec.md §1 — there is no closure serialization
// in Go, so the thunk names a pre-registered function instead.
type Func func(args []interface{}) (interface{}, error)

// Registry maps function names to their implementations. Safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name, overwriting any previous registration.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the Func registered under name, if any.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}
