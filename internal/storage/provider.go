package storage

import (
	"fmt"
	"os"
	"path/filepath"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pluginhost/pkg/plugin"
)

// StorageDirName is the per-plugin subdirectory holding the record.
const StorageDirName = "storage"

// Provider hands out one Store per plugin id under
// <root>/<sanitized-id>/storage.
type Provider struct {
	root   string
	opts   Options
	logger *zap.Logger
	stores cmap.ConcurrentMap[string, *Store]
}

// NewProvider creates a provider rooted at root.
func NewProvider(root string, opts Options) *Provider {
	opts = opts.withDefaults()
	return &Provider{
		root:   root,
		opts:   opts,
		logger: opts.Logger.Named("storage"),
		stores: cmap.New[*Store](),
	}
}

// Dir returns the storage directory for id.
func (p *Provider) Dir(id string) string {
	return filepath.Join(p.root, plugin.SanitizeID(id), StorageDirName)
}

// Open returns the store for id, creating the handle on first use. Stores are
// private to their id: two ids never share a record.
func (p *Provider) Open(id string) *Store {
	if s, ok := p.stores.Get(id); ok {
		return s
	}
	p.stores.SetIfAbsent(id, NewStore(id, p.Dir(id), p.opts))
	s, _ := p.stores.Get(id)
	return s
}

// Has reports whether a handle for id is open.
func (p *Provider) Has(id string) bool {
	return p.stores.Has(id)
}

// Release flushes and forgets the handle for id. Files stay on disk.
func (p *Provider) Release(id string) error {
	s, ok := p.stores.Pop(id)
	if !ok {
		return nil
	}
	return s.Close()
}

// Destroy forgets the handle for id without flushing and deletes its files.
func (p *Provider) Destroy(id string) error {
	p.stores.Remove(id)
	if err := os.RemoveAll(p.Dir(id)); err != nil {
		return fmt.Errorf("failed to remove storage for %s: %w", id, err)
	}
	p.logger.Info("Storage destroyed", zap.String("plugin", id))
	return nil
}

// FlushAll saves every open store.
func (p *Provider) FlushAll() error {
	var err error
	for id, s := range p.stores.Items() {
		if saveErr := s.Save(); saveErr != nil {
			err = multierr.Append(err, fmt.Errorf("flush %s: %w", id, saveErr))
		}
	}
	return err
}

// CloseAll flushes and releases every open store.
func (p *Provider) CloseAll() error {
	var err error
	for _, id := range p.stores.Keys() {
		err = multierr.Append(err, p.Release(id))
	}
	return err
}
