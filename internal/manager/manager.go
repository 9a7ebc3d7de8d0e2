// Package manager is the façade of the plugin host. It owns discovery, the
// set of available and loaded plugins, persisted enable preferences, and the
// install/uninstall workflow, and it wires the loader, registry, hook bus and
// storage together.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"pluginhost/internal/clock"
	"pluginhost/internal/hookbus"
	"pluginhost/internal/loader"
	"pluginhost/internal/metrics"
	"pluginhost/internal/registry"
	"pluginhost/internal/storage"
	"pluginhost/pkg/plugin"
)

const (
	tracerName = "pluginhost/manager"

	// DefaultWorkers is the bulk-load pool size when none is configured.
	DefaultWorkers = 4

	hostStoreID      = "pluginhost"
	hostStoreDir     = ".pluginhost"
	subsystemPrefKey = "subsystem.enabled"
	enabledPrefKey   = "enabled:"
)

// ErrInsufficientSpace is returned by InstallPlugin when the plugins
// directory lacks room for the bundle.
var ErrInsufficientSpace = errors.New("insufficient disk space")

// Options configures a Manager.
type Options struct {
	// PluginsDir is scanned by Discover and receives installed bundles.
	PluginsDir string

	// DataDir is the managed root holding <id>/{data,config,cache,logs,storage}.
	DataDir string

	// BackupDir receives the previous bundle when an install replaces it.
	// Defaults to PluginsDir/.backups.
	BackupDir string

	// Workers bounds LoadEnabledPlugins parallelism.
	Workers int

	// MinFreeDisk is the free space, in bytes, that must remain after an
	// install. Zero skips the check.
	MinFreeDisk uint64

	// SubsystemEnabled is the initial global switch when no preference has
	// been persisted yet.
	SubsystemEnabled bool

	// AutoLoad loads installed plugins right away when the subsystem is on.
	AutoLoad bool

	// FlushInterval is the storage debounce interval.
	FlushInterval time.Duration

	// KeepBackups bounds the bundle backups kept per plugin. Zero keeps all.
	KeepBackups int

	Logger    *zap.Logger
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Bus       *hookbus.Bus
	Loader    *loader.Loader
	Factories *plugin.FactoryRegistry
}

// loadedPlugin is the manager's record of a live instance.
type loadedPlugin struct {
	desc     plugin.Descriptor
	ctx      *plugin.Context
	instance plugin.Plugin
	loadedAt time.Time
}

// Manager is safe for concurrent use. Single-plugin operations run on the
// caller's goroutine; LoadEnabledPlugins fans out onto a bounded pool.
type Manager struct {
	opts     Options
	logger   *zap.Logger
	clock    clock.Clock
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	bus      *hookbus.Bus
	loader   *loader.Loader
	registry *registry.Registry
	stores   *storage.Provider
	prefs    *storage.Store
	pool     *ants.Pool

	available cmap.ConcurrentMap[string, plugin.Descriptor]
	loaded    cmap.ConcurrentMap[string, *loadedPlugin]
	failed    cmap.ConcurrentMap[string, error]
	inflight  cmap.ConcurrentMap[string, struct{}]

	subsystem atomic.Bool
	stopped   atomic.Bool

	notifyMu  sync.RWMutex
	notifyID  int
	observers map[int]func(Notification)
}

// New creates the manager and its directories and reads the persisted
// global switch.
func New(opts Options) (*Manager, error) {
	if opts.PluginsDir == "" {
		return nil, fmt.Errorf("plugins directory cannot be empty")
	}
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}
	if opts.BackupDir == "" {
		opts.BackupDir = filepath.Join(opts.PluginsDir, ".backups")
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewReal()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Bus == nil {
		opts.Bus = hookbus.New(opts.Logger, opts.Metrics)
	}
	if opts.Loader == nil {
		var loaderOpts []loader.Option
		if opts.Factories != nil {
			loaderOpts = append(loaderOpts, loader.WithFactories(opts.Factories))
		}
		opts.Loader = loader.New(opts.Logger, loaderOpts...)
	}

	for _, dir := range []string{opts.PluginsDir, opts.DataDir, opts.BackupDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	storeOpts := storage.Options{
		Logger:        opts.Logger,
		Clock:         opts.Clock,
		Metrics:       opts.Metrics,
		FlushInterval: opts.FlushInterval,
	}
	logger := opts.Logger.Named("manager")

	m := &Manager{
		opts:      opts,
		logger:    logger,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		bus:       opts.Bus,
		loader:    opts.Loader,
		registry:  registry.New(opts.Logger),
		stores:    storage.NewProvider(opts.DataDir, storeOpts),
		prefs:     storage.NewStore(hostStoreID, filepath.Join(opts.DataDir, hostStoreDir), storeOpts),
		pool:      pool,
		available: cmap.New[plugin.Descriptor](),
		loaded:    cmap.New[*loadedPlugin](),
		failed:    cmap.New[error](),
		inflight:  cmap.New[struct{}](),
		observers: make(map[int]func(Notification)),
	}
	m.registry.SetNow(m.clock.Now)
	m.registry.OnDependency(m.onDependency)
	m.subsystem.Store(m.prefs.GetBool(subsystemPrefKey, opts.SubsystemEnabled))

	logger.Info("Plugin manager created",
		zap.String("plugins_dir", opts.PluginsDir),
		zap.String("data_dir", opts.DataDir),
		zap.Int("workers", opts.Workers),
		zap.Bool("subsystem_enabled", m.subsystem.Load()))
	return m, nil
}

// Bus returns the hook bus shared by all plugins.
func (m *Manager) Bus() *hookbus.Bus { return m.bus }

// Registry returns the registry of loaded plugins.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// Loader returns the bundle loader.
func (m *Manager) Loader() *loader.Loader { return m.loader }

// PluginsDir returns the discovery directory.
func (m *Manager) PluginsDir() string { return m.opts.PluginsDir }

// BackupDir returns the directory holding replaced bundles.
func (m *Manager) BackupDir() string { return m.opts.BackupDir }

// Storage returns the store of plugin id.
func (m *Manager) Storage(id string) *storage.Store { return m.stores.Open(id) }

// IsSubsystemEnabled reports the global switch.
func (m *Manager) IsSubsystemEnabled() bool {
	return m.subsystem.Load()
}

// SetSubsystemEnabled flips and persists the global switch. Turning it off
// unloads every plugin; turning it on loads every enabled plugin.
func (m *Manager) SetSubsystemEnabled(ctx context.Context, enabled bool) error {
	if err := m.putPref(subsystemPrefKey, enabled); err != nil {
		return fmt.Errorf("failed to persist subsystem switch: %w", err)
	}
	if m.subsystem.Swap(enabled) == enabled {
		return nil
	}

	m.logger.Info("Plugin subsystem switched", zap.Bool("enabled", enabled))
	if !enabled {
		return m.unloadAll(ctx)
	}
	_, err := m.LoadEnabledPlugins(ctx)
	return err
}

// putPref writes a preference through to disk.
func (m *Manager) putPref(key string, value bool) error {
	if err := m.prefs.Put(key, value); err != nil {
		return err
	}
	return m.prefs.Save()
}

// IsPluginEnabled reports the persisted preference of id. Bundles discovered
// with a ".disabled" suffix default to disabled, everything else to enabled.
func (m *Manager) IsPluginEnabled(id string) bool {
	def := true
	if desc, ok := m.available.Get(id); ok {
		def = !desc.Disabled
	}
	return m.prefs.GetBool(enabledPrefKey+id, def)
}

// Available returns every discovered or installed descriptor sorted by id.
func (m *Manager) Available() []plugin.Descriptor {
	out := make([]plugin.Descriptor, 0, m.available.Count())
	for _, desc := range m.available.Items() {
		out = append(out, desc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Descriptor returns the available descriptor of id.
func (m *Manager) Descriptor(id string) (plugin.Descriptor, bool) {
	desc, ok := m.available.Get(id)
	if !ok {
		return plugin.Descriptor{}, false
	}
	return desc.Clone(), true
}

// Loaded returns the ids of loaded plugins, sorted.
func (m *Manager) Loaded() []string {
	ids := m.loaded.Keys()
	sort.Strings(ids)
	return ids
}

// IsLoaded reports whether id has a live instance.
func (m *Manager) IsLoaded(id string) bool {
	return m.loaded.Has(id)
}

// Context returns the runtime context of a loaded plugin.
func (m *Manager) Context(id string) (*plugin.Context, bool) {
	lp, ok := m.loaded.Get(id)
	if !ok {
		return nil, false
	}
	return lp.ctx, true
}

// Failure returns the last load error recorded for id.
func (m *Manager) Failure(id string) error {
	err, _ := m.failed.Get(id)
	return err
}

// Failures returns every recorded load error message keyed by id.
func (m *Manager) Failures() map[string]string {
	out := make(map[string]string, m.failed.Count())
	for id, err := range m.failed.Items() {
		out[id] = err.Error()
	}
	return out
}

// Info is a read-only summary of one plugin.
type Info struct {
	Descriptor plugin.Descriptor `json:"descriptor"`
	Loaded     bool              `json:"loaded"`
	Enabled    bool              `json:"enabled"`
	Active     bool              `json:"active"`
	Status     string            `json:"status,omitempty"`
	Error      string            `json:"error,omitempty"`
	Hooks      []string          `json:"hooks,omitempty"`
}

// Info describes id whether or not it is loaded.
func (m *Manager) Info(id string) (Info, bool) {
	desc, ok := m.available.Get(id)
	lp, loaded := m.loaded.Get(id)
	if !ok && !loaded {
		return Info{}, false
	}
	if !ok {
		desc = lp.desc
	}

	info := Info{
		Descriptor: desc.Clone(),
		Loaded:     loaded,
		Enabled:    m.IsPluginEnabled(id),
	}
	if loaded {
		info.Active = lp.ctx.IsEnabled()
		info.Hooks = lp.ctx.SubscribedHooks()
	}
	if status, ok := m.registry.Status(id); ok {
		info.Status = status.String()
	}
	if err := m.Failure(id); err != nil {
		info.Error = err.Error()
	}
	return info, true
}

// Discover scans the plugins directory and records every analyzable bundle
// as available. Bundles that fail analysis are logged and reported through
// an error notification; they do not abort the scan. Available entries whose
// file disappeared are dropped unless loaded.
func (m *Manager) Discover(ctx context.Context) ([]plugin.Descriptor, error) {
	_, span := m.tracer.Start(ctx, "manager.Discover")
	defer span.End()

	entries, err := os.ReadDir(m.opts.PluginsDir)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	seen := make(map[string]string)
	var found []plugin.Descriptor
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(m.opts.PluginsDir, entry.Name())
		if _, _, ok := loader.KindForPath(path); !ok {
			continue
		}

		desc, err := m.loader.Analyze(path)
		if err != nil {
			m.logger.Warn("Failed to analyze bundle", zap.String("path", path), zap.Error(err))
			m.notify(NotifyError, entry.Name(), plugin.NewError(entry.Name(), plugin.PhaseAnalyze, err).Error())
			continue
		}
		if other, dup := seen[desc.ID]; dup {
			m.logger.Warn("Duplicate plugin id; keeping first bundle",
				zap.String("plugin", desc.ID),
				zap.String("kept", other),
				zap.String("skipped", path))
			continue
		}
		seen[desc.ID] = path

		_, known := m.available.Get(desc.ID)
		m.available.Set(desc.ID, desc)
		found = append(found, desc)
		if !known {
			m.notify(NotifyDiscovered, desc.ID, fmt.Sprintf("discovered %s %s (%s)", desc.Name, desc.Version, desc.Kind))
		}
	}

	for _, id := range m.available.Keys() {
		if _, ok := seen[id]; !ok && !m.loaded.Has(id) {
			m.available.Remove(id)
			m.logger.Info("Bundle no longer present", zap.String("plugin", id))
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	m.logger.Info("Discovery complete", zap.Int("found", len(found)))
	return found, nil
}

// SearchPlugins returns available plugins whose id, name, description,
// author or category contains query, ignoring case.
func (m *Manager) SearchPlugins(query string) []plugin.Descriptor {
	var out []plugin.Descriptor
	for _, desc := range m.Available() {
		if desc.Matches(query) {
			out = append(out, desc)
		}
	}
	return out
}

func (m *Manager) onDependency(e registry.DependencyEvent) {
	if e.Resolved {
		return
	}
	m.notify(NotifyError, e.PluginID, fmt.Sprintf("dependency %s is not loaded", e.Dependency))
}

// onLifecycle mirrors context transitions into the registry status.
func (m *Manager) onLifecycle(e plugin.LifecycleEvent) {
	var status registry.Status
	switch e.State {
	case plugin.StateEnabled:
		status = registry.StatusEnabled
	case plugin.StateDisabled:
		status = registry.StatusDisabled
	case plugin.StateError:
		status = registry.StatusError
	default:
		return
	}
	// Transitions before registration have no entry yet.
	_ = m.registry.SetStatus(e.PluginID, status, e.Message)
}

func (m *Manager) updateLoadedGauge() {
	if m.metrics != nil {
		m.metrics.PluginsLoaded.Set(float64(m.loaded.Count()))
	}
}
