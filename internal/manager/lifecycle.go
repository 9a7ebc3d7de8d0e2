package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pluginhost/internal/registry"
	"pluginhost/pkg/plugin"
)

// LoadPlugin validates, instantiates, initializes and registers an available
// plugin. Any failure marks id as failed, notifies observers and is returned
// as a *plugin.Error naming the phase. A plugin whose preference is enabled
// is enabled right after it loads.
func (m *Manager) LoadPlugin(ctx context.Context, id string) error {
	_, span := m.tracer.Start(ctx, "manager.LoadPlugin", trace.WithAttributes(attribute.String("plugin.id", id)))
	defer span.End()

	if !m.subsystem.Load() {
		return plugin.NewError(id, plugin.PhaseLoad, plugin.ErrSubsystemDisabled)
	}
	desc, ok := m.available.Get(id)
	if !ok {
		return plugin.NewError(id, plugin.PhaseLoad, plugin.ErrPluginNotFound)
	}
	if m.loaded.Has(id) {
		return plugin.NewError(id, plugin.PhaseLoad, plugin.ErrAlreadyLoaded)
	}
	if !m.inflight.SetIfAbsent(id, struct{}{}) {
		return plugin.NewError(id, plugin.PhaseLoad, plugin.ErrLoadInProgress)
	}
	defer m.inflight.Remove(id)
	if m.loaded.Has(id) {
		return plugin.NewError(id, plugin.PhaseLoad, plugin.ErrAlreadyLoaded)
	}

	fail := func(phase plugin.Phase, err error) error {
		perr := m.recordFailure(id, phase, err)
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		return perr
	}

	if result := m.loader.Validate(desc.SourcePath); !result.Valid {
		return fail(plugin.PhaseValidate, errors.New(result.Message))
	}
	if missing := m.missingDependencies(desc); len(missing) > 0 {
		return fail(plugin.PhaseLoad, fmt.Errorf("%w: %s", plugin.ErrDependencyMissing, strings.Join(missing, ", ")))
	}

	pctx, err := plugin.NewContext(plugin.ContextConfig{
		Descriptor:  desc,
		Root:        m.opts.DataDir,
		Bus:         m.bus,
		Store:       m.stores.Open(id),
		Logger:      m.opts.Logger,
		OnLifecycle: m.onLifecycle,
		Now:         m.clock.Now,
	})
	if err != nil {
		return fail(plugin.PhaseLoad, err)
	}

	instance, err := m.loader.Load(desc, pctx)
	if err != nil {
		m.discard(pctx)
		return fail(plugin.PhaseLoad, err)
	}
	if err := pctx.Initialize(instance); err != nil {
		m.discard(pctx)
		return fail(plugin.PhaseInitialize, err)
	}
	if err := m.registry.Register(id, instance, desc); err != nil {
		m.discard(pctx)
		return fail(plugin.PhaseRegister, err)
	}

	m.loaded.Set(id, &loadedPlugin{desc: desc, ctx: pctx, instance: instance, loadedAt: m.clock.Now()})
	m.failed.Remove(id)
	m.updateLoadedGauge()
	if m.metrics != nil {
		m.metrics.PluginLoads.WithLabelValues("success").Inc()
	}
	m.logger.Info("Plugin loaded", zap.String("plugin", id), zap.Stringer("kind", desc.Kind))
	m.notify(NotifyLoaded, id, fmt.Sprintf("loaded %s %s", desc.Name, desc.Version))

	if m.IsPluginEnabled(id) {
		if err := pctx.Enable(); err != nil {
			m.logger.Warn("Plugin loaded but failed to enable", zap.String("plugin", id), zap.Error(err))
			m.notify(NotifyError, id, err.Error())
		} else {
			m.notify(NotifyEnabled, id, "enabled on load")
		}
	}
	return nil
}

func (m *Manager) missingDependencies(desc plugin.Descriptor) []string {
	var missing []string
	for _, dep := range desc.Dependencies {
		if !m.loaded.Has(dep) {
			missing = append(missing, dep)
		}
	}
	return missing
}

// discard unloads a context whose plugin never made it into the registry.
func (m *Manager) discard(pctx *plugin.Context) {
	if err := pctx.Unload(); err != nil {
		m.logger.Debug("Cleanup after failed load reported errors", zap.String("plugin", pctx.ID()), zap.Error(err))
	}
	if err := m.stores.Release(pctx.ID()); err != nil {
		m.logger.Warn("Failed to release storage", zap.String("plugin", pctx.ID()), zap.Error(err))
	}
}

func (m *Manager) recordFailure(id string, phase plugin.Phase, err error) error {
	var perr *plugin.Error
	if !errors.As(err, &perr) {
		perr = plugin.NewError(id, phase, err)
	}
	m.failed.Set(id, perr)
	if m.metrics != nil {
		m.metrics.PluginLoads.WithLabelValues("failure").Inc()
	}
	m.logger.Error("Plugin failed to load", zap.String("plugin", id), zap.String("phase", string(perr.Phase)), zap.Error(perr.Err))
	m.notify(NotifyError, id, perr.Error())
	return perr
}

// UnloadPlugin tears down a loaded plugin: disable, hook and resource
// cleanup, Teardown, then removal from the registry. Every step runs even if
// an earlier one failed.
func (m *Manager) UnloadPlugin(ctx context.Context, id string) error {
	_, span := m.tracer.Start(ctx, "manager.UnloadPlugin", trace.WithAttributes(attribute.String("plugin.id", id)))
	defer span.End()

	lp, ok := m.loaded.Pop(id)
	if !ok {
		return plugin.NewError(id, plugin.PhaseUnload, plugin.ErrNotLoaded)
	}

	if dependents := m.loadedDependents(id); len(dependents) > 0 {
		m.logger.Warn("Unloading plugin that others depend on",
			zap.String("plugin", id),
			zap.Strings("dependents", dependents))
	}

	err := lp.ctx.Unload()
	if regErr := m.registry.Unregister(id); regErr != nil && !errors.Is(regErr, registry.ErrNotRegistered) {
		err = multierr.Append(err, regErr)
	}
	if storeErr := m.stores.Release(id); storeErr != nil {
		err = multierr.Append(err, fmt.Errorf("release storage: %w", storeErr))
	}
	m.updateLoadedGauge()

	message := "unloaded"
	if err != nil {
		span.RecordError(err)
		message = fmt.Sprintf("unloaded with errors: %v", err)
	}
	m.logger.Info("Plugin unloaded", zap.String("plugin", id), zap.Error(err))
	m.notify(NotifyUnloaded, id, message)
	return err
}

func (m *Manager) loadedDependents(id string) []string {
	var out []string
	for _, dep := range m.registry.Dependents(id) {
		if m.loaded.Has(dep) {
			out = append(out, dep)
		}
	}
	return out
}

// EnablePlugin persists the enabled preference of id and, if it is loaded,
// enables it through its context.
func (m *Manager) EnablePlugin(ctx context.Context, id string) error {
	return m.setPluginEnabled(ctx, id, true)
}

// DisablePlugin persists the disabled preference of id and, if it is loaded,
// disables it. Disabling an unloaded plugin only flips the preference.
func (m *Manager) DisablePlugin(ctx context.Context, id string) error {
	return m.setPluginEnabled(ctx, id, false)
}

func (m *Manager) setPluginEnabled(ctx context.Context, id string, enabled bool) error {
	phase, typ, spanName := plugin.PhaseEnable, NotifyEnabled, "manager.EnablePlugin"
	if !enabled {
		phase, typ, spanName = plugin.PhaseDisable, NotifyDisabled, "manager.DisablePlugin"
	}
	_, span := m.tracer.Start(ctx, spanName, trace.WithAttributes(attribute.String("plugin.id", id)))
	defer span.End()

	_, known := m.available.Get(id)
	lp, loaded := m.loaded.Get(id)
	if !known && !loaded {
		return plugin.NewError(id, phase, plugin.ErrPluginNotFound)
	}

	if err := m.putPref(enabledPrefKey+id, enabled); err != nil {
		return plugin.NewError(id, phase, fmt.Errorf("persist preference: %w", err))
	}

	if !loaded {
		m.notify(typ, id, fmt.Sprintf("preference set to %s; plugin not loaded", typ))
		return nil
	}

	var err error
	if enabled {
		err = lp.ctx.Enable()
	} else {
		err = lp.ctx.Disable()
	}
	if err != nil {
		span.RecordError(err)
		m.notify(NotifyError, id, err.Error())
		return err
	}
	m.notify(typ, id, string(typ))
	return nil
}

// ReloadPlugin unloads id if loaded and loads it again from its bundle.
func (m *Manager) ReloadPlugin(ctx context.Context, id string) error {
	var err error
	if m.loaded.Has(id) {
		err = m.UnloadPlugin(ctx, id)
	}
	if desc, ok := m.available.Get(id); ok {
		if fresh, aErr := m.loader.Analyze(desc.SourcePath); aErr == nil {
			m.available.Set(id, fresh)
		}
	}
	return multierr.Append(err, m.LoadPlugin(ctx, id))
}

// LoadReport summarizes a bulk load.
type LoadReport struct {
	Attempted int               `json:"attempted"`
	Loaded    int               `json:"loaded"`
	Failed    int               `json:"failed"`
	Failures  map[string]string `json:"failures,omitempty"`
}

// LoadEnabledPlugins loads every enabled, not yet loaded plugin. Plugins are
// grouped into dependency levels; each level is submitted to the worker pool
// and fully awaited before the next starts.
func (m *Manager) LoadEnabledPlugins(ctx context.Context) (LoadReport, error) {
	ctx, span := m.tracer.Start(ctx, "manager.LoadEnabledPlugins")
	defer span.End()

	report := LoadReport{Failures: make(map[string]string)}
	if !m.subsystem.Load() {
		return report, plugin.ErrSubsystemDisabled
	}

	graph := registry.NewGraph()
	for _, desc := range m.Available() {
		if m.loaded.Has(desc.ID) || !m.IsPluginEnabled(desc.ID) {
			continue
		}
		graph.AddNode(desc.ID, desc.Dependencies)
	}
	levels, cycleErr := graph.Levels()
	if cycleErr != nil {
		m.logger.Warn("Dependency cycle among enabled plugins; loading in degraded order", zap.Error(cycleErr))
	}

	var mu sync.Mutex
	record := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Attempted++
		if err != nil {
			report.Failed++
			report.Failures[id] = err.Error()
			return
		}
		report.Loaded++
	}

	for _, level := range levels {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var wg sync.WaitGroup
		for _, id := range level {
			id := id
			wg.Add(1)
			if err := m.pool.Submit(func() {
				defer wg.Done()
				record(id, m.LoadPlugin(ctx, id))
			}); err != nil {
				wg.Done()
				record(id, fmt.Errorf("submit: %w", err))
			}
		}
		wg.Wait()
	}

	span.SetAttributes(
		attribute.Int("plugins.attempted", report.Attempted),
		attribute.Int("plugins.loaded", report.Loaded),
		attribute.Int("plugins.failed", report.Failed))
	m.logger.Info("Enabled plugins loaded",
		zap.Int("attempted", report.Attempted),
		zap.Int("loaded", report.Loaded),
		zap.Int("failed", report.Failed))
	return report, nil
}

// unloadAll unloads every loaded plugin, dependents first.
func (m *Manager) unloadAll(ctx context.Context) error {
	order, _ := m.registry.LoadOrder()
	var err error
	for i := len(order) - 1; i >= 0; i-- {
		if m.loaded.Has(order[i]) {
			err = multierr.Append(err, m.UnloadPlugin(ctx, order[i]))
		}
	}
	for _, id := range m.loaded.Keys() {
		err = multierr.Append(err, m.UnloadPlugin(ctx, id))
	}
	return err
}

// Shutdown unloads every plugin in reverse load order, flushes all storage
// and stops the worker pool. Only the first call has an effect.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.stopped.Swap(true) {
		return nil
	}
	err := m.unloadAll(ctx)
	err = multierr.Append(err, m.stores.CloseAll())
	err = multierr.Append(err, m.prefs.Close())
	m.pool.Release()
	m.logger.Info("Plugin manager stopped", zap.Error(err))
	return err
}
