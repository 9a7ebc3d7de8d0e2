package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/disk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pluginhost/pkg/plugin"
)

const backupTimeFormat = "20060102T150405.000000000"

// InstallPlugin validates and analyzes the bundle at path, backs up the
// bundle of any available plugin with the same id, copies the new bundle
// into the plugins directory and records it as available. When the
// subsystem is on and AutoLoad is set, the plugin is loaded; a load failure
// is reported through notifications and does not fail the install.
func (m *Manager) InstallPlugin(ctx context.Context, path string) (plugin.Descriptor, error) {
	ctx, span := m.tracer.Start(ctx, "manager.InstallPlugin", trace.WithAttributes(attribute.String("bundle.path", path)))
	defer span.End()

	fail := func(id string, phase plugin.Phase, err error) (plugin.Descriptor, error) {
		if id == "" {
			id = filepath.Base(path)
		}
		perr := plugin.NewError(id, phase, err)
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		if m.metrics != nil {
			m.metrics.Installs.WithLabelValues("failure").Inc()
		}
		m.logger.Error("Install failed", zap.String("path", path), zap.Error(perr))
		m.notify(NotifyError, id, perr.Error())
		return plugin.Descriptor{}, perr
	}

	if result := m.loader.Validate(path); !result.Valid {
		return fail("", plugin.PhaseValidate, errors.New(result.Message))
	}
	desc, err := m.loader.Analyze(path)
	if err != nil {
		return fail("", plugin.PhaseAnalyze, err)
	}
	id := desc.ID
	span.SetAttributes(attribute.String("plugin.id", id))

	if err := m.checkFreeSpace(desc.SizeBytes); err != nil {
		return fail(id, plugin.PhaseInstall, err)
	}

	target := filepath.Join(m.opts.PluginsDir, filepath.Base(path))
	if existing, ok := m.available.Get(id); ok {
		if m.loaded.Has(id) {
			if err := m.UnloadPlugin(ctx, id); err != nil {
				m.logger.Warn("Previous version unloaded with errors", zap.String("plugin", id), zap.Error(err))
			}
		}
		backup, err := m.backupBundle(id, existing.SourcePath)
		if err != nil {
			return fail(id, plugin.PhaseInstall, err)
		}
		m.logger.Info("Previous bundle backed up", zap.String("plugin", id), zap.String("backup", backup))
		m.pruneBackups(id)
		m.snapshotStorage(id)
		if existing.SourcePath != target {
			if err := os.Remove(existing.SourcePath); err != nil && !os.IsNotExist(err) {
				return fail(id, plugin.PhaseInstall, fmt.Errorf("remove previous bundle: %w", err))
			}
		}
	}

	if !samePath(path, target) {
		if err := m.copyWithRetry(ctx, path, target); err != nil {
			return fail(id, plugin.PhaseInstall, err)
		}
	}

	installed, err := m.loader.Analyze(target)
	if err != nil {
		return fail(id, plugin.PhaseAnalyze, err)
	}
	m.available.Set(installed.ID, installed)
	m.failed.Remove(installed.ID)
	if m.metrics != nil {
		m.metrics.Installs.WithLabelValues("success").Inc()
	}
	m.logger.Info("Plugin installed", zap.String("plugin", installed.ID), zap.String("path", target))
	m.notify(NotifyInstalled, installed.ID, fmt.Sprintf("installed %s %s", installed.Name, installed.Version))

	if m.opts.AutoLoad && m.subsystem.Load() && m.IsPluginEnabled(installed.ID) {
		if err := m.LoadPlugin(ctx, installed.ID); err != nil {
			m.logger.Warn("Installed plugin failed to load", zap.String("plugin", installed.ID), zap.Error(err))
		}
	}
	return installed.Clone(), nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

func (m *Manager) checkFreeSpace(size int64) error {
	if m.opts.MinFreeDisk == 0 {
		return nil
	}
	usage, err := disk.Usage(m.opts.PluginsDir)
	if err != nil {
		m.logger.Warn("Disk usage unavailable; skipping space check", zap.Error(err))
		return nil
	}
	need := uint64(size) + m.opts.MinFreeDisk
	if usage.Free < need {
		return fmt.Errorf("%w: %d bytes free, %d needed", ErrInsufficientSpace, usage.Free, need)
	}
	return nil
}

// backupBundle copies src to <BackupDir>/<id>/<file>.<timestamp>.bak.
func (m *Manager) backupBundle(id, src string) (string, error) {
	dir := filepath.Join(m.opts.BackupDir, plugin.SanitizeID(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.bak", filepath.Base(src), m.clock.Now().UTC().Format(backupTimeFormat))
	dst := filepath.Join(dir, name)
	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("backup %s: %w", filepath.Base(src), err)
	}
	return dst, nil
}

// Backups lists the bundle backups of id, newest first.
func (m *Manager) Backups(id string) ([]string, error) {
	dir := filepath.Join(m.opts.BackupDir, plugin.SanitizeID(id))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".bak") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

func (m *Manager) pruneBackups(id string) {
	if m.opts.KeepBackups <= 0 {
		return
	}
	backups, err := m.Backups(id)
	if err != nil || len(backups) <= m.opts.KeepBackups {
		return
	}
	for _, old := range backups[m.opts.KeepBackups:] {
		if err := os.Remove(old); err != nil {
			m.logger.Warn("Failed to remove old backup", zap.String("path", old), zap.Error(err))
		}
	}
}

// snapshotStorage backs up the storage record of a plugin about to be
// replaced, so a new version that mangles its settings can be rolled back.
func (m *Manager) snapshotStorage(id string) {
	st := m.stores.Open(id)
	if _, err := os.Stat(st.Path()); err != nil {
		return
	}
	if _, err := st.Backup(); err != nil {
		m.logger.Warn("Failed to back up plugin storage", zap.String("plugin", id), zap.Error(err))
		return
	}
	if m.opts.KeepBackups > 0 {
		if _, err := st.CleanupOldBackups(m.opts.KeepBackups); err != nil {
			m.logger.Warn("Failed to prune storage backups", zap.String("plugin", id), zap.Error(err))
		}
	}
}

func (m *Manager) copyWithRetry(ctx context.Context, src, dst string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	op := func() error {
		err := copyFile(src, dst)
		if os.IsNotExist(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Warn("Bundle copy failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, 3), ctx), notify); err != nil {
		return fmt.Errorf("copy bundle: %w", err)
	}
	return nil
}

// copyFile writes src to a temp file next to dst and renames it into place.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// UninstallPlugin unloads id if loaded, deletes its bundle and removes its
// data, config, cache and storage directories. The logs directory is kept.
// Every step is attempted; errors are returned combined.
func (m *Manager) UninstallPlugin(ctx context.Context, id string) error {
	ctx, span := m.tracer.Start(ctx, "manager.UninstallPlugin", trace.WithAttributes(attribute.String("plugin.id", id)))
	defer span.End()

	desc, known := m.available.Get(id)
	lp, loaded := m.loaded.Get(id)
	if !known && !loaded {
		return plugin.NewError(id, plugin.PhaseUninstall, plugin.ErrPluginNotFound)
	}
	if !known {
		desc = lp.desc
	}

	var err error
	if loaded {
		err = multierr.Append(err, m.UnloadPlugin(ctx, id))
	}
	if desc.SourcePath != "" {
		if rmErr := os.Remove(desc.SourcePath); rmErr != nil && !os.IsNotExist(rmErr) {
			err = multierr.Append(err, fmt.Errorf("remove bundle: %w", rmErr))
		}
	}

	base := filepath.Join(m.opts.DataDir, plugin.SanitizeID(id))
	for _, name := range []string{plugin.DataDirName, plugin.ConfigDirName, plugin.CacheDirName} {
		if rmErr := os.RemoveAll(filepath.Join(base, name)); rmErr != nil {
			err = multierr.Append(err, fmt.Errorf("remove %s dir: %w", name, rmErr))
		}
	}
	err = multierr.Append(err, m.stores.Destroy(id))

	m.available.Remove(id)
	m.failed.Remove(id)
	if rmErr := m.prefs.Remove(enabledPrefKey + id); rmErr != nil {
		err = multierr.Append(err, rmErr)
	}

	if err != nil {
		span.RecordError(err)
		m.notify(NotifyError, id, plugin.NewError(id, plugin.PhaseUninstall, err).Error())
	}
	m.logger.Info("Plugin uninstalled", zap.String("plugin", id), zap.Error(err))
	m.notify(NotifyUninstalled, id, "uninstalled")
	return err
}
