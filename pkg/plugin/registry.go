package plugin

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// Priority constants for factory registration.
// Higher priority values override lower priority factories for the same entry.
const (
	// PriorityDefault is the priority of the host's built-in factories.
	PriorityDefault = 0

	// PriorityOverride lets an embedding application replace a built-in
	// entry point with its own implementation.
	PriorityOverride = 100
)

// FactoryInfo describes a host-scope entry point.
type FactoryInfo struct {
	// Entry is the entry-point string bundles reference through Main-Entry
	// or main_class.
	Entry string

	// Description is a human-readable description of the entry point.
	Description string

	// Priority decides which factory wins when two register the same entry.
	Priority int

	// Factory constructs new instances.
	Factory Factory
}

// FactoryRegistry is the host's own symbol scope. Loaders consult it after a
// bundle's isolated scope fails to resolve an entry point.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]FactoryInfo
	order     []string
}

// NewFactoryRegistry creates an empty registry.
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{
		factories: make(map[string]FactoryInfo),
		order:     make([]string, 0),
	}
}

// Register adds a factory. If the entry is already registered, the one with
// higher priority wins; on equal priority the later registration wins.
func (r *FactoryRegistry) Register(info FactoryInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Entry == "" {
		return fmt.Errorf("entry point cannot be empty")
	}

	if info.Factory == nil {
		return fmt.Errorf("entry point %s: factory cannot be nil", info.Entry)
	}

	existing, exists := r.factories[info.Entry]
	if exists {
		if info.Priority < existing.Priority {
			log.Printf("Entry point %q registration skipped (priority %d < existing %d)",
				info.Entry, info.Priority, existing.Priority)
			return nil
		}
		log.Printf("Entry point %q being overridden (priority %d -> %d)",
			info.Entry, existing.Priority, info.Priority)
	}

	r.factories[info.Entry] = info

	if !exists {
		r.order = append(r.order, info.Entry)
	}

	return nil
}

// Lookup returns the factory registered for entry.
func (r *FactoryRegistry) Lookup(entry string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.factories[entry]
	if !ok {
		return nil, false
	}
	return info.Factory, true
}

// Create instantiates the plugin registered for entry. A factory that panics
// yields an error.
func (r *FactoryRegistry) Create(entry string) (p Plugin, err error) {
	factory, ok := r.Lookup(entry)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entry)
	}
	defer func() {
		if rec := recover(); rec != nil {
			p, err = nil, fmt.Errorf("failed to create %s: panic: %v", entry, rec)
		}
	}()
	p, err = factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", entry, err)
	}
	if p == nil {
		return nil, fmt.Errorf("failed to create %s: factory returned nil", entry)
	}
	return p, nil
}

// List returns all registered factories sorted by entry.
func (r *FactoryRegistry) List() []FactoryInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]FactoryInfo, 0, len(r.factories))
	for _, entry := range r.order {
		result = append(result, r.factories[entry])
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Entry < result[j].Entry
	})
	return result
}

// Entries returns the registered entry points in registration order.
func (r *FactoryRegistry) Entries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Clear removes all factories. Useful for testing.
func (r *FactoryRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories = make(map[string]FactoryInfo)
	r.order = make([]string, 0)
}

// Global registry instance
var globalFactories = NewFactoryRegistry()

// Register adds a factory to the global registry.
// This is typically called from init() functions of built-in plugin packages.
func Register(info FactoryInfo) error {
	return globalFactories.Register(info)
}

// Lookup resolves an entry point in the global registry.
func Lookup(entry string) (Factory, bool) {
	return globalFactories.Lookup(entry)
}

// Entries returns the entry points of the global registry.
func Entries() []string {
	return globalFactories.Entries()
}

// Global returns the global registry.
func Global() *FactoryRegistry {
	return globalFactories
}
