// Package hook defines the public types of the plugin host's hook bus.
// Plugins import this package to subscribe to named extension points and to
// inspect or cancel the events delivered to them.
package hook

import (
	"strings"
	"sync"
)

// Priority orders listeners of a single hook. Higher priorities run first.
type Priority int

// The five fixed listener priorities.
const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
)

// String returns a string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLowest:
		return "lowest"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityHighest:
		return "highest"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the five fixed levels.
func (p Priority) Valid() bool {
	return p >= PriorityLowest && p <= PriorityHighest
}

// ParsePriority converts a level name into a Priority.
// Unknown names map to PriorityNormal.
func ParsePriority(name string) Priority {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "lowest":
		return PriorityLowest
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "highest":
		return PriorityHighest
	default:
		return PriorityNormal
	}
}

// Well-known hook names published by the host itself.
const (
	// Lifecycle is published for every plugin lifecycle transition with
	// data keys "id", "state" and "message".
	Lifecycle = "plugin.lifecycle"

	// ThemeApply and ThemeRevert are published by theme bundles.
	ThemeApply  = "theme.apply"
	ThemeRevert = "theme.revert"
)

// Event is created fresh for every publish and handed to each listener in
// priority order. Listeners may mutate Data and may cancel the event.
type Event struct {
	// Name is the hook the event was published on.
	Name string

	// Source is an opaque reference to the emitter.
	Source any

	mu        sync.RWMutex
	data      map[string]any
	cancelled bool
}

// NewEvent creates an event. The data map is copied.
func NewEvent(name string, source any, data map[string]any) *Event {
	e := &Event{
		Name:   name,
		Source: source,
		data:   make(map[string]any, len(data)),
	}
	for k, v := range data {
		e.data[k] = v
	}
	return e
}

// Get returns a data value.
func (e *Event) Get(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.data[key]
	return v, ok
}

// GetString returns a data value as a string, or "" if absent or not a string.
func (e *Event) GetString(key string) string {
	v, _ := e.Get(key)
	s, _ := v.(string)
	return s
}

// Set stores a data value.
func (e *Event) Set(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data[key] = value
}

// Data returns a copy of the event data.
func (e *Event) Data() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	data := make(map[string]any, len(e.data))
	for k, v := range e.data {
		data[k] = v
	}
	return data
}

// Cancel stops delivery to listeners that have not run yet.
func (e *Event) Cancel() {
	e.SetCancelled(true)
}

// SetCancelled sets the cancelled flag.
func (e *Event) SetCancelled(cancelled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = cancelled
}

// Cancelled reports whether a listener cancelled the event.
func (e *Event) Cancelled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cancelled
}

// Listener handles a hook event. A returned error is logged by the bus and
// does not stop delivery to the remaining listeners.
type Listener func(e *Event) error

// Subscription is a handle to one registered listener.
type Subscription interface {
	// ID returns the unique subscription identifier.
	ID() string

	// Hook returns the hook name the listener is registered on.
	Hook() string

	// Priority returns the listener priority.
	Priority() Priority

	// Unsubscribe removes the listener. Calling it twice is harmless.
	Unsubscribe()
}

// Bus is the contract the host's hook bus satisfies. Contexts and plugins
// depend on this interface rather than on a concrete bus.
type Bus interface {
	Subscribe(hookName string, listener Listener, priority Priority) (Subscription, error)
	Unsubscribe(sub Subscription) bool
	Publish(hookName string, source any, data map[string]any) *Event
}
