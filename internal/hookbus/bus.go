// Package hookbus implements the host's named publish/subscribe bus.
//
// A Bus is an ordinary value: the host constructs one and passes it to every
// plugin context, and tests build as many independent buses as they need.
package hookbus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pluginhost/internal/metrics"
	"pluginhost/pkg/hook"
)

// Bus delivers events to listeners in descending priority order.
type Bus struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	listeners map[string][]*subscription
	calls     map[string]uint64
}

type subscription struct {
	id       string
	hookName string
	priority hook.Priority
	listener hook.Listener
	bus      *Bus
}

func (s *subscription) ID() string              { return s.id }
func (s *subscription) Hook() string            { return s.hookName }
func (s *subscription) Priority() hook.Priority { return s.priority }
func (s *subscription) Unsubscribe()            { s.bus.Unsubscribe(s) }

// New creates a bus. m may be nil.
func New(logger *zap.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:    logger.Named("hookbus"),
		metrics:   m,
		listeners: make(map[string][]*subscription),
		calls:     make(map[string]uint64),
	}
}

// Subscribe registers listener on hookName.
func (b *Bus) Subscribe(hookName string, listener hook.Listener, priority hook.Priority) (hook.Subscription, error) {
	if hookName == "" {
		return nil, fmt.Errorf("hook name must not be empty")
	}
	if listener == nil {
		return nil, fmt.Errorf("listener for hook %s must not be nil", hookName)
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("invalid priority %d for hook %s", priority, hookName)
	}

	sub := &subscription{
		id:       uuid.NewString(),
		hookName: hookName,
		priority: priority,
		listener: listener,
		bus:      b,
	}

	b.mu.Lock()
	list := append(b.listeners[hookName], sub)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].priority > list[j].priority
	})
	b.listeners[hookName] = list
	b.mu.Unlock()

	b.logger.Debug("Listener subscribed",
		zap.String("hook", hookName),
		zap.String("subscription", sub.id),
		zap.Stringer("priority", priority))

	return sub, nil
}

// Unsubscribe removes sub and prunes the hook's list once it is empty.
// It reports whether the subscription was still registered.
func (b *Bus) Unsubscribe(sub hook.Subscription) bool {
	if sub == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.listeners[sub.Hook()]
	for i, s := range list {
		if s.id != sub.ID() {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(b.listeners, sub.Hook())
		} else {
			b.listeners[sub.Hook()] = list
		}
		b.logger.Debug("Listener unsubscribed",
			zap.String("hook", sub.Hook()),
			zap.String("subscription", sub.ID()))
		return true
	}
	return false
}

// Publish builds an event and runs every listener in priority order until one
// cancels it. Listener errors and panics are logged and do not count as a
// cancellation. The event is always returned with its accumulated mutations.
func (b *Bus) Publish(hookName string, source any, data map[string]any) *hook.Event {
	event := hook.NewEvent(hookName, source, data)

	b.mu.Lock()
	b.calls[hookName]++
	list := make([]*subscription, len(b.listeners[hookName]))
	copy(list, b.listeners[hookName])
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.HookPublishes.WithLabelValues(hookName).Inc()
	}

	for _, sub := range list {
		wasCancelled := event.Cancelled()
		if err := b.invoke(sub, event); err != nil {
			event.SetCancelled(wasCancelled)
			if b.metrics != nil {
				b.metrics.ListenerFailures.WithLabelValues(hookName).Inc()
			}
			b.logger.Warn("Hook listener failed",
				zap.String("hook", hookName),
				zap.String("subscription", sub.id),
				zap.Error(err))
			continue
		}
		if event.Cancelled() {
			b.logger.Debug("Event cancelled",
				zap.String("hook", hookName),
				zap.String("subscription", sub.id))
			break
		}
	}

	return event
}

func (b *Bus) invoke(sub *subscription, event *hook.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return sub.listener(event)
}

// Hooks returns the names of hooks with at least one listener, sorted.
func (b *Bus) Hooks() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.listeners))
	for name := range b.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListenerCount returns the number of listeners on hookName.
func (b *Bus) ListenerCount(hookName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[hookName])
}

// CallCount returns how many times hookName has been published.
func (b *Bus) CallCount(hookName string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.calls[hookName]
}

// Stats returns a snapshot of per-hook publish counts.
func (b *Bus) Stats() map[string]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]uint64, len(b.calls))
	for k, v := range b.calls {
		out[k] = v
	}
	return out
}

// Clear removes every listener and resets the counters.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[string][]*subscription)
	b.calls = make(map[string]uint64)
}

var _ hook.Bus = (*Bus)(nil)
