package manager

import (
	"time"

	"go.uber.org/zap"
)

// NotificationType classifies manager notifications.
type NotificationType string

const (
	NotifyDiscovered  NotificationType = "discovered"
	NotifyLoaded      NotificationType = "loaded"
	NotifyUnloaded    NotificationType = "unloaded"
	NotifyEnabled     NotificationType = "enabled"
	NotifyDisabled    NotificationType = "disabled"
	NotifyInstalled   NotificationType = "installed"
	NotifyUninstalled NotificationType = "uninstalled"
	NotifyError       NotificationType = "error"
)

// Notification is delivered to observers for every externally visible change.
type Notification struct {
	Type     NotificationType `json:"type"`
	PluginID string           `json:"plugin_id"`
	Message  string           `json:"message"`
	Time     time.Time        `json:"time"`
}

// Subscribe registers fn for every notification. The returned function
// removes it. Observers run synchronously and must not block.
func (m *Manager) Subscribe(fn func(Notification)) (unsubscribe func()) {
	m.notifyMu.Lock()
	m.notifyID++
	id := m.notifyID
	m.observers[id] = fn
	m.notifyMu.Unlock()

	return func() {
		m.notifyMu.Lock()
		delete(m.observers, id)
		m.notifyMu.Unlock()
	}
}

func (m *Manager) notify(typ NotificationType, id, message string) {
	n := Notification{Type: typ, PluginID: id, Message: message, Time: m.clock.Now()}

	m.notifyMu.RLock()
	observers := make([]func(Notification), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.notifyMu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Notification observer panicked", zap.Any("panic", r))
				}
			}()
			fn(n)
		}()
	}
}
