package loader

import (
	"errors"
	"fmt"
	goplugin "plugin"

	"go.uber.org/zap"

	"pluginhost/pkg/plugin"
)

// loadNative opens a shared object and resolves its entry symbol. The symbol
// may be a constructor or a plugin value. If the bundle cannot be opened or
// does not export the symbol, the host factory registry is consulted.
//
// Go cannot unload shared objects, so native bundles have no arena to dispose.
func (l *Loader) loadNative(desc plugin.Descriptor) (plugin.Plugin, error) {
	entry := desc.MainEntry
	if entry == "" {
		entry = DefaultNativeSymbol
	}

	p, err := openNative(desc.SourcePath, entry)
	if err == nil {
		return p, nil
	}

	hostPlugin, hostErr := l.fromHost(entry)
	if hostErr != nil {
		return nil, fmt.Errorf("failed to load native bundle %s: %w", desc.ID, err)
	}
	l.logger.Warn("Native bundle unavailable, using host entry point",
		zap.String("plugin", desc.ID),
		zap.String("entry", entry),
		zap.Error(err))
	return hostPlugin, nil
}

func openNative(path, symbol string) (p plugin.Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("symbol %s panicked: %v", symbol, r)
		}
	}()
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := so.Lookup(symbol)
	if err != nil {
		return nil, err
	}

	switch v := sym.(type) {
	case func() (plugin.Plugin, error):
		return v()
	case *func() (plugin.Plugin, error):
		return (*v)()
	case func() plugin.Plugin:
		return v(), nil
	case *plugin.Plugin:
		if v == nil || *v == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *v, nil
	case plugin.Plugin:
		return v, nil
	default:
		return nil, fmt.Errorf("symbol %s has unsupported type %T", symbol, sym)
	}
}
