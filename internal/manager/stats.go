package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"pluginhost/internal/registry"
	"pluginhost/pkg/plugin"
)

// Statistics is a point-in-time summary of the host.
type Statistics struct {
	SubsystemEnabled bool              `json:"subsystem_enabled"`
	Available        int               `json:"available"`
	Loaded           int               `json:"loaded"`
	Active           int               `json:"active"`
	Enabled          int               `json:"enabled"`
	Failed           int               `json:"failed"`
	ByKind           map[string]int    `json:"by_kind"`
	ByCategory       map[string]int    `json:"by_category"`
	ByStatus         map[string]int    `json:"by_status"`
	HookCalls        map[string]uint64 `json:"hook_calls"`
	TotalHookCalls   uint64            `json:"total_hook_calls"`
	Hooks            int               `json:"hooks"`
}

// GetStatistics counts available, loaded, enabled and failed plugins and
// reports hook bus activity.
func (m *Manager) GetStatistics() Statistics {
	stats := Statistics{
		SubsystemEnabled: m.subsystem.Load(),
		ByKind:           make(map[string]int),
		ByCategory:       make(map[string]int),
		ByStatus:         make(map[string]int),
		HookCalls:        m.bus.Stats(),
		Hooks:            len(m.bus.Hooks()),
		Failed:           m.failed.Count(),
		Loaded:           m.loaded.Count(),
	}

	for _, desc := range m.Available() {
		stats.Available++
		stats.ByKind[desc.Kind.String()]++
		stats.ByCategory[desc.Category]++
		if m.IsPluginEnabled(desc.ID) {
			stats.Enabled++
		}
	}
	for _, lp := range m.loaded.Items() {
		if lp.ctx.IsEnabled() {
			stats.Active++
		}
	}
	for status, n := range m.registry.StatusCounts() {
		stats.ByStatus[status.String()] = n
	}
	for _, n := range stats.HookCalls {
		stats.TotalHookCalls += n
	}
	return stats
}

// ExportedPlugin is one record of an exported plugin list.
type ExportedPlugin struct {
	plugin.Descriptor
	Loaded   bool                  `json:"loaded"`
	Enabled  bool                  `json:"enabled"`
	Active   bool                  `json:"active"`
	Status   string                `json:"status,omitempty"`
	Error    string                `json:"error,omitempty"`
	LoadedAt *time.Time            `json:"loaded_at,omitempty"`
	History  []registry.Transition `json:"history,omitempty"`
}

// Export is the document written by ExportPluginList.
type Export struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Statistics  Statistics       `json:"statistics"`
	Plugins     []ExportedPlugin `json:"plugins"`
}

// BuildExport assembles the export document.
func (m *Manager) BuildExport() Export {
	doc := Export{
		GeneratedAt: m.clock.Now().UTC(),
		Statistics:  m.GetStatistics(),
	}
	for _, desc := range m.Available() {
		rec := ExportedPlugin{
			Descriptor: desc,
			Enabled:    m.IsPluginEnabled(desc.ID),
			History:    m.registry.History(desc.ID),
		}
		if lp, ok := m.loaded.Get(desc.ID); ok {
			at := lp.loadedAt
			rec.Loaded = true
			rec.Active = lp.ctx.IsEnabled()
			rec.LoadedAt = &at
		}
		if status, ok := m.registry.Status(desc.ID); ok {
			rec.Status = status.String()
		}
		if err := m.Failure(desc.ID); err != nil {
			rec.Error = err.Error()
		}
		doc.Plugins = append(doc.Plugins, rec)
	}
	return doc
}

// WriteExport encodes the export document as indented JSON.
func (m *Manager) WriteExport(w io.Writer) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m.BuildExport()); err != nil {
		return fmt.Errorf("failed to encode plugin list: %w", err)
	}
	_, err := buf.WriteTo(w)
	return err
}

// ExportPluginList writes the export document to path.
func (m *Manager) ExportPluginList(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := m.WriteExport(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}
	m.logger.Info("Plugin list exported", zap.String("path", path))
	return nil
}
