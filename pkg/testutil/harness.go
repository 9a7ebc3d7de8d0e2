package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pluginhost/internal/clock"
	"pluginhost/internal/manager"
	"pluginhost/internal/metrics"
	"pluginhost/pkg/plugin"
)

// Harness is a Manager over temp directories with a private factory
// registry, metrics and a mock clock. Notifications are recorded.
//
// Example usage:
//
//	h := testutil.NewHarness(t)
//	testutil.WriteDeclarative(t, h.PluginsDir, "foo", map[string]string{"name": "Foo"})
//	_, err := h.Manager.Discover(ctx)
type Harness struct {
	Manager    *manager.Manager
	PluginsDir string
	DataDir    string
	BackupDir  string
	StagingDir string
	Factories  *plugin.FactoryRegistry
	Metrics    *metrics.Metrics
	Clock      *clock.Mock

	mu    sync.Mutex
	notes []manager.Notification
}

// NewHarness builds the manager. configure may adjust the options before
// construction. The manager is shut down when the test ends.
func NewHarness(t testing.TB, configure ...func(*manager.Options)) *Harness {
	t.Helper()
	root := t.TempDir()
	h := &Harness{
		PluginsDir: filepath.Join(root, "plugins"),
		DataDir:    filepath.Join(root, "data"),
		BackupDir:  filepath.Join(root, "backups"),
		StagingDir: filepath.Join(root, "staging"),
		Factories:  plugin.NewFactoryRegistry(),
		Metrics:    metrics.New(),
		Clock:      clock.NewMock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
	}

	opts := manager.Options{
		PluginsDir:       h.PluginsDir,
		DataDir:          h.DataDir,
		BackupDir:        h.BackupDir,
		Workers:          2,
		SubsystemEnabled: true,
		Logger:           zap.NewNop(),
		Clock:            h.Clock,
		Metrics:          h.Metrics,
		Factories:        h.Factories,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	m, err := manager.New(opts)
	require.NoError(t, err)
	h.Manager = m
	m.Subscribe(func(n manager.Notification) {
		h.mu.Lock()
		h.notes = append(h.notes, n)
		h.mu.Unlock()
	})
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return h
}

// Notifications returns every notification seen so far.
func (h *Harness) Notifications() []manager.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]manager.Notification(nil), h.notes...)
}

// NotificationsOf returns the notifications of one type.
func (h *Harness) NotificationsOf(typ manager.NotificationType) []manager.Notification {
	var out []manager.Notification
	for _, n := range h.Notifications() {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

// Reset forgets recorded notifications.
func (h *Harness) Reset() {
	h.mu.Lock()
	h.notes = nil
	h.mu.Unlock()
}

// RegisterFactory adds a host entry point to the harness registry.
func (h *Harness) RegisterFactory(t testing.TB, entry string, factory plugin.Factory) {
	t.Helper()
	require.NoError(t, h.Factories.Register(plugin.FactoryInfo{Entry: entry, Factory: factory}))
}
