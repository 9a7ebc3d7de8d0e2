// Package plugin defines the contract between the host and its plugins: the
// lifecycle interface every plugin instance implements, the descriptor the
// host extracts from a bundle, the per-plugin Context, and the host-scope
// factory registry that entry points resolve against.
package plugin

// Plugin is the lifecycle interface of a running plugin instance. The host
// drives it through its Context; each callback receives that Context.
type Plugin interface {
	// Initialize is called once after the instance is created.
	// - Subscribes to hooks
	// - Opens resources it wants released on unload
	Initialize(ctx *Context) error

	// Enable activates the plugin. Called only after Initialize succeeded.
	Enable(ctx *Context) error

	// Disable deactivates the plugin. It may be enabled again later.
	Disable(ctx *Context) error

	// Teardown is the final callback before the instance is dropped.
	Teardown(ctx *Context) error
}

// Disposable is implemented by instances that own an isolation arena. The
// Context calls Dispose after Teardown so the arena's symbols are released.
type Disposable interface {
	Dispose() error
}

// Factory is a zero-argument constructor for a plugin instance.
// Factories are registered under an entry-point string and resolved when a
// bundle names that entry point.
type Factory func() (Plugin, error)

// Base is an embeddable no-op implementation of Plugin.
type Base struct{}

func (Base) Initialize(*Context) error { return nil }
func (Base) Enable(*Context) error     { return nil }
func (Base) Disable(*Context) error    { return nil }
func (Base) Teardown(*Context) error   { return nil }
