package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// Registry is the thread-safe set of invokable capabilities. Plugins may replace their
// entries at any time, so callers should resolve against a fresh List on every step.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Invoker
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		caps: make(map[string]Invoker),
	}
}

// Register adds a capability. Returns error on duplicate name.
func (r *Registry) Register(inv Invoker) error {
	if inv == nil {
		return schema.NewError(schema.ErrCodeValidation, "capability is nil")
	}
	name := inv.Capability().Name
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "capability name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "capability %q already registered", name)
	}
	r.caps[name] = inv
	return nil
}

// RegisterPlugin bulk-registers capabilities under a prefixed namespace.
// Each name becomes "prefix.originalName" (e.g. "eddo.createTodo").
func (r *Registry) RegisterPlugin(prefix string, invs []Invoker) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "plugin prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, inv := range invs {
		prefixed := fmt.Sprintf("%s.%s", prefix, inv.Capability().Name)
		if _, exists := r.caps[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "plugin capability %q already registered", prefixed)
		}
		r.caps[prefixed] = &prefixedInvoker{inner: inv, name: prefixed}
		registered++
	}
	return registered, nil
}

// ReplacePlugin atomically swaps every capability under prefix for invs.
// Used when a plugin's tool list is re-discovered.
func (r *Registry) ReplacePlugin(prefix string, invs []Invoker) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ns := prefix + "."
	for name := range r.caps {
		if strings.HasPrefix(name, ns) {
			delete(r.caps, name)
		}
	}
	for _, inv := range invs {
		prefixed := ns + inv.Capability().Name
		r.caps[prefixed] = &prefixedInvoker{inner: inv, name: prefixed}
	}
	return len(invs)
}

// RemovePlugin drops every capability under prefix. Returns the number removed.
func (r *Registry) RemovePlugin(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ns := prefix + "."
	n := 0
	for name := range r.caps {
		if strings.HasPrefix(name, ns) {
			delete(r.caps, name)
			n++
		}
	}
	return n
}

// Get retrieves a capability by its full name.
func (r *Registry) Get(name string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, ok := r.caps[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityUnavailable, "capability %q not registered", name)
	}
	return inv, nil
}

// List returns a snapshot of all capabilities, sorted by name.
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Capability, 0, len(r.caps))
	for name, inv := range r.caps {
		c := inv.Capability()
		c.Name = name
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// Has checks if a capability is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[name]
	return ok
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

// Resolve maps an action to a registered capability name against the current list.
func (r *Registry) Resolve(action string) (string, bool) {
	return Resolve(action, r.List())
}

// Invoke calls the named capability.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (*Result, error) {
	inv, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return inv.Invoke(ctx, params)
}

// prefixedInvoker wraps a plugin capability with a prefixed name.
type prefixedInvoker struct {
	inner Invoker
	name  string
}

func (p *prefixedInvoker) Capability() Capability {
	c := p.inner.Capability()
	c.Name = p.name
	return c
}

func (p *prefixedInvoker) Invoke(ctx context.Context, params map[string]any) (*Result, error) {
	return p.inner.Invoke(ctx, params)
}
