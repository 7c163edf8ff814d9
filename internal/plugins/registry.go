package plugins

import (
	"fmt"
	"sync"
)

// Registry is the live set of handshaked plugins, keyed by descriptor name.
// Registration order is preserved because the router resolves ties by it.
// The lock guards only the map and order slice; plugin I/O happens on the
// supervisors' own pipes, so a hung plugin can never stall a lookup.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Supervisor
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Supervisor)}
}

// Insert adds a handshaked plugin. The supervisor must carry a descriptor,
// and its name must be unique.
func (r *Registry) Insert(sup *Supervisor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(sup)
}

func (r *Registry) insertLocked(sup *Supervisor) error {
	desc := sup.Descriptor()
	if desc == nil {
		return fmt.Errorf("plugin %s has not completed its handshake", sup.Path())
	}
	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("plugin name %q already registered", desc.Name)
	}
	r.entries[desc.Name] = sup
	r.order = append(r.order, desc.Name)
	return nil
}

// Replace swaps the supervisor registered under oldName for a respawned
// one, keeping its position in registration order. A respawned binary may
// report a different name; the slot is re-keyed in place so the plugin's
// routing priority survives the restart.
func (r *Registry) Replace(oldName string, sup *Supervisor) error {
	desc := sup.Descriptor()
	if desc == nil {
		return fmt.Errorf("plugin %s has not completed its handshake", sup.Path())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[oldName]; !ok {
		return r.insertLocked(sup)
	}
	if desc.Name != oldName {
		if _, exists := r.entries[desc.Name]; exists {
			return fmt.Errorf("plugin name %q already registered", desc.Name)
		}
		delete(r.entries, oldName)
		for i, n := range r.order {
			if n == oldName {
				r.order[i] = desc.Name
				break
			}
		}
	}
	r.entries[desc.Name] = sup
	return nil
}

// Remove drops the named plugin. It reports whether the name was present.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the supervisor registered under name.
func (r *Registry) Get(name string) (*Supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sup, ok := r.entries[name]
	return sup, ok
}

// Names returns the registered plugin names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Snapshot returns the supervisors in registration order.
func (r *Registry) Snapshot() []*Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Supervisor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
