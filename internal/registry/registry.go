// Package registry tracks loaded plugins: their entries, categories, status
// history and the dependency graph between them.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"pluginhost/pkg/plugin"
)

var (
	// ErrAlreadyRegistered is returned when an id is registered twice.
	ErrAlreadyRegistered = errors.New("plugin already registered")

	// ErrNotRegistered is returned for operations on unknown ids.
	ErrNotRegistered = errors.New("plugin not registered")
)

// Status is the registry-level state of a loaded plugin.
type Status int

const (
	StatusLoaded Status = iota
	StatusEnabled
	StatusDisabled
	StatusError
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusLoaded:
		return "loaded"
	case StatusEnabled:
		return "enabled"
	case StatusDisabled:
		return "disabled"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for _, status := range []Status{StatusLoaded, StatusEnabled, StatusDisabled, StatusError} {
		if status.String() == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(text))
}

// Transition is one recorded status change.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Entry is the registry record of one loaded plugin.
type Entry struct {
	Descriptor   plugin.Descriptor
	Instance     plugin.Plugin
	RegisteredAt time.Time
	Priority     int
	Metadata     map[string]string
}

func (e *Entry) clone() Entry {
	c := *e
	c.Descriptor = e.Descriptor.Clone()
	c.Metadata = make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		c.Metadata[k] = v
	}
	return c
}

// DependencyEvent reports whether a declared dependency is registered.
type DependencyEvent struct {
	PluginID   string
	Dependency string
	Resolved   bool
}

// Registry is safe for concurrent use. Every mutation is applied under one
// lock, so readers never observe a partially registered plugin.
type Registry struct {
	logger *zap.Logger
	now    func() time.Time

	mu         sync.RWMutex
	entries    map[string]*Entry
	order      []string
	status     map[string]Status
	history    map[string][]Transition
	categories map[string]map[string]struct{}
	deps       map[string][]string
	dependents map[string]map[string]struct{}

	listenersMu sync.RWMutex
	listeners   []func(DependencyEvent)
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:     logger.Named("registry"),
		now:        time.Now,
		entries:    make(map[string]*Entry),
		status:     make(map[string]Status),
		history:    make(map[string][]Transition),
		categories: make(map[string]map[string]struct{}),
		deps:       make(map[string][]string),
		dependents: make(map[string]map[string]struct{}),
	}
}

// SetNow overrides the registry's time source.
func (r *Registry) SetNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// OnDependency adds a listener for dependency resolution events.
func (r *Registry) OnDependency(fn func(DependencyEvent)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Register stores a new entry, indexes it by category and records its
// dependency edges. One event is emitted per declared dependency, plus one
// for every registered plugin that was waiting on id.
func (r *Registry) Register(id string, instance plugin.Plugin, desc plugin.Descriptor) error {
	if id == "" {
		return fmt.Errorf("plugin id cannot be empty")
	}

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}

	now := r.now()
	r.entries[id] = &Entry{
		Descriptor:   desc.Clone(),
		Instance:     instance,
		RegisteredAt: now,
		Metadata:     make(map[string]string),
	}
	r.order = append(r.order, id)
	r.status[id] = StatusLoaded
	r.history[id] = append(r.history[id], Transition{From: StatusLoaded, To: StatusLoaded, At: now, Reason: "registered"})

	category := desc.Category
	if category == "" {
		category = "General"
	}
	if r.categories[category] == nil {
		r.categories[category] = make(map[string]struct{})
	}
	r.categories[category][id] = struct{}{}

	var events []DependencyEvent
	deps := uniq(desc.Dependencies)
	r.deps[id] = deps
	for _, dep := range deps {
		if r.dependents[dep] == nil {
			r.dependents[dep] = make(map[string]struct{})
		}
		r.dependents[dep][id] = struct{}{}
		_, resolved := r.entries[dep]
		events = append(events, DependencyEvent{PluginID: id, Dependency: dep, Resolved: resolved})
	}
	for waiting := range r.dependents[id] {
		events = append(events, DependencyEvent{PluginID: waiting, Dependency: id, Resolved: true})
	}
	r.mu.Unlock()

	r.logger.Info("Plugin registered",
		zap.String("plugin", id),
		zap.String("category", category),
		zap.Strings("dependencies", deps))

	sort.Slice(events, func(i, j int) bool {
		if events[i].PluginID != events[j].PluginID {
			return events[i].PluginID < events[j].PluginID
		}
		return events[i].Dependency < events[j].Dependency
	})
	r.dispatch(events)
	return nil
}

func (r *Registry) dispatch(events []DependencyEvent) {
	r.listenersMu.RLock()
	listeners := append([]func(DependencyEvent){}, r.listeners...)
	r.listenersMu.RUnlock()

	for _, e := range events {
		if e.Resolved {
			r.logger.Debug("Dependency resolved", zap.String("plugin", e.PluginID), zap.String("dependency", e.Dependency))
		} else {
			r.logger.Warn("Dependency not registered", zap.String("plugin", e.PluginID), zap.String("dependency", e.Dependency))
		}
		for _, fn := range listeners {
			fn(e)
		}
	}
}

// Unregister removes id, its category entry and its own dependency edges.
// Registered plugins that still depend on id keep their edges and are
// logged; unregistering does not block on them.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	entry, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}

	delete(r.entries, id)
	for i, other := range r.order {
		if other == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	// History outlives the entry so exports keep the full record.
	prev := r.status[id]
	r.history[id] = append(r.history[id], Transition{From: prev, To: prev, At: r.now(), Reason: "unregistered"})
	delete(r.status, id)

	category := entry.Descriptor.Category
	if category == "" {
		category = "General"
	}
	if set := r.categories[category]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.categories, category)
		}
	}

	for _, dep := range r.deps[id] {
		if set := r.dependents[dep]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.dependents, dep)
			}
		}
	}
	delete(r.deps, id)

	remaining := sortedKeys(r.dependents[id])
	r.mu.Unlock()

	if len(remaining) > 0 {
		r.logger.Warn("Unregistered plugin still has dependents",
			zap.String("plugin", id),
			zap.Strings("dependents", remaining))
	}
	r.logger.Info("Plugin unregistered", zap.String("plugin", id))
	return nil
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// IDs returns registered ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// List returns copies of all entries in registration order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].clone())
	}
	return out
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SetPriority sets the informational priority of an entry.
func (r *Registry) SetPriority(id string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	e.Priority = priority
	return nil
}

// SetMetadata annotates an entry.
func (r *Registry) SetMetadata(id, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	e.Metadata[key] = value
	return nil
}

// Categories returns the category names in use, sorted.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.categories)
}

// ByCategory returns the ids registered under category, sorted.
func (r *Registry) ByCategory(category string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.categories[category])
}

// SetStatus records a status transition.
func (r *Registry) SetStatus(id string, status Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.status[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	r.status[id] = status
	r.history[id] = append(r.history[id], Transition{From: prev, To: status, At: r.now(), Reason: reason})
	return nil
}

// Status returns the current status of id.
func (r *Registry) Status(id string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.status[id]
	return s, ok
}

// History returns the recorded transitions of id, oldest first.
func (r *Registry) History(id string) []Transition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Transition(nil), r.history[id]...)
}

// StatusCounts returns how many plugins are in each status.
func (r *Registry) StatusCounts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Status]int)
	for _, s := range r.status {
		counts[s]++
	}
	return counts
}

// Dependencies returns the declared dependencies of id.
func (r *Registry) Dependencies(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.deps[id]...)
}

// Dependents returns the registered ids that depend on id, sorted.
func (r *Registry) Dependents(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.dependents[id])
}

// AreDependenciesSatisfied reports whether every dependency of id is
// registered. Unknown ids are never satisfied.
func (r *Registry) AreDependenciesSatisfied(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	for _, dep := range r.deps[id] {
		if _, ok := r.entries[dep]; !ok {
			return false
		}
	}
	return true
}

// MissingDependencies returns the unregistered dependencies of id, sorted.
func (r *Registry) MissingDependencies(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, dep := range r.deps[id] {
		if _, ok := r.entries[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	sort.Strings(missing)
	return missing
}

func (r *Registry) graph() *Graph {
	g := NewGraph()
	for _, id := range r.order {
		g.AddNode(id, r.deps[id])
	}
	return g
}

// LoadOrder returns registered ids with dependencies first. When a cycle is
// found the order is still complete and a *CycleError is returned with it;
// callers should treat that as degraded rather than fatal.
func (r *Registry) LoadOrder() ([]string, error) {
	r.mu.RLock()
	g := r.graph()
	r.mu.RUnlock()

	order, err := g.TopoSort()
	if err != nil {
		r.logger.Warn("Load order degraded", zap.Error(err))
	}
	return order, err
}

// Levels groups registered ids into dependency levels.
func (r *Registry) Levels() ([][]string, error) {
	r.mu.RLock()
	g := r.graph()
	r.mu.RUnlock()
	return g.Levels()
}

// Clear removes everything. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Entry)
	r.order = nil
	r.status = make(map[string]Status)
	r.history = make(map[string][]Transition)
	r.categories = make(map[string]map[string]struct{})
	r.deps = make(map[string][]string)
	r.dependents = make(map[string]map[string]struct{})
}

func uniq(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
