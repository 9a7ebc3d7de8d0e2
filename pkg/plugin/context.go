package plugin

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pluginhost/pkg/hook"
)

// Directory names created under <root>/<sanitized-id>/ for every context.
const (
	DataDirName   = "data"
	ConfigDirName = "config"
	CacheDirName  = "cache"
	LogsDirName   = "logs"
)

// LifecycleState is a lifecycle transition reported by a Context.
type LifecycleState string

const (
	StateLoaded    LifecycleState = "LOADED"
	StateEnabling  LifecycleState = "ENABLING"
	StateEnabled   LifecycleState = "ENABLED"
	StateDisabling LifecycleState = "DISABLING"
	StateDisabled  LifecycleState = "DISABLED"
	StateError     LifecycleState = "ERROR"
	StateUnloaded  LifecycleState = "UNLOADED"
)

// LifecycleEvent is delivered to the context's sink and published on the
// hook bus as hook.Lifecycle.
type LifecycleEvent struct {
	PluginID string
	State    LifecycleState
	Message  string
	Err      error
	Time     time.Time
}

// PropertiesKey is the context data key under which declarative bundles
// expose their raw key=value properties as a map[string]string.
const PropertiesKey = "properties"

// Store is the plugin's durable typed key-value record.
type Store interface {
	Get(key string) (any, bool)
	GetString(key, def string) string
	GetBool(key string, def bool) bool
	GetInt(key string, def int64) int64
	GetFloat(key string, def float64) float64
	Put(key string, value any) error
	Remove(key string) error
	Contains(key string) bool
	Keys() []string
	Save() error
}

// ContextConfig carries the dependencies of a Context.
type ContextConfig struct {
	// Descriptor of the plugin the context belongs to.
	Descriptor Descriptor

	// Root is the managed directory; the context owns
	// Root/<sanitized-id>/{data,config,cache,logs}.
	Root string

	// Bus is the host hook bus. May be nil in tests.
	Bus hook.Bus

	// Store is the plugin's durable record. May be nil.
	Store Store

	// Logger is the host logger; the context derives a named child.
	Logger *zap.Logger

	// OnLifecycle receives every lifecycle event. May be nil.
	OnLifecycle func(LifecycleEvent)

	// Now overrides the time source.
	Now func() time.Time
}

// Context is the per-plugin runtime: directories, scoped data, tracked
// resources, hook subscriptions and the lifecycle state machine.
type Context struct {
	desc   Descriptor
	dirs   map[string]string
	bus    hook.Bus
	store  Store
	logger *zap.Logger
	sink   func(LifecycleEvent)
	now    func() time.Time

	// lifecycle serializes Initialize/Enable/Disable/Unload.
	lifecycle sync.Mutex

	mu          sync.RWMutex
	instance    Plugin
	initialized bool
	enabled     bool
	unloaded    bool
	loadTime    time.Time
	data        map[string]any
	resources   map[string]any
	subs        []hook.Subscription
	hooks       map[string]struct{}
}

// NewContext creates the context and its four directories. It fails if any
// directory cannot be created.
func NewContext(cfg ContextConfig) (*Context, error) {
	if cfg.Descriptor.ID == "" {
		return nil, fmt.Errorf("descriptor id cannot be empty")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("plugin %s: root directory cannot be empty", cfg.Descriptor.ID)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	base := filepath.Join(cfg.Root, SanitizeID(cfg.Descriptor.ID))
	dirs := map[string]string{}
	for _, name := range []string{DataDirName, ConfigDirName, CacheDirName, LogsDirName} {
		dir := filepath.Join(base, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("plugin %s: failed to create %s dir: %w", cfg.Descriptor.ID, name, err)
		}
		dirs[name] = dir
	}

	return &Context{
		desc:      cfg.Descriptor.Clone(),
		dirs:      dirs,
		bus:       cfg.Bus,
		store:     cfg.Store,
		logger:    logger.Named("plugin." + cfg.Descriptor.ID).With(zap.String("plugin", cfg.Descriptor.ID)),
		sink:      cfg.OnLifecycle,
		now:       now,
		data:      make(map[string]any),
		resources: make(map[string]any),
		hooks:     make(map[string]struct{}),
	}, nil
}

func (c *Context) ID() string             { return c.desc.ID }
func (c *Context) Descriptor() Descriptor { return c.desc.Clone() }
func (c *Context) Logger() *zap.Logger    { return c.logger }
func (c *Context) Storage() Store         { return c.store }
func (c *Context) DataDir() string        { return c.dirs[DataDirName] }
func (c *Context) ConfigDir() string      { return c.dirs[ConfigDirName] }
func (c *Context) CacheDir() string       { return c.dirs[CacheDirName] }
func (c *Context) LogsDir() string        { return c.dirs[LogsDirName] }

// Instance returns the plugin instance once initialized.
func (c *Context) Instance() Plugin {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instance
}

// IsInitialized reports whether Initialize succeeded and Unload has not run.
func (c *Context) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// IsEnabled reports whether the plugin is enabled.
func (c *Context) IsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// LoadTime returns when Initialize succeeded.
func (c *Context) LoadTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadTime
}

// Subscribe registers listener on the host bus and remembers the
// subscription so Unload can remove it.
func (c *Context) Subscribe(hookName string, listener hook.Listener, priority hook.Priority) (hook.Subscription, error) {
	if c.bus == nil {
		return nil, fmt.Errorf("plugin %s: no hook bus", c.desc.ID)
	}
	sub, err := c.bus.Subscribe(hookName, listener, priority)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.hooks[hookName] = struct{}{}
	c.mu.Unlock()

	c.logger.Debug("Subscribed to hook", zap.String("hook", hookName), zap.Stringer("priority", priority))
	return sub, nil
}

// Unsubscribe removes one of this context's subscriptions.
func (c *Context) Unsubscribe(sub hook.Subscription) bool {
	if c.bus == nil || sub == nil {
		return false
	}
	c.mu.Lock()
	for i, s := range c.subs {
		if s.ID() == sub.ID() {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	return c.bus.Unsubscribe(sub)
}

// Publish fires hookName with this plugin as the source.
func (c *Context) Publish(hookName string, data map[string]any) *hook.Event {
	if c.bus == nil {
		return hook.NewEvent(hookName, c.desc.ID, data)
	}
	return c.bus.Publish(hookName, c.desc.ID, data)
}

// SubscribedHooks returns every hook name this context ever subscribed to.
func (c *Context) SubscribedHooks() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.hooks))
	for name := range c.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetData stores a value scoped to the context's lifetime.
func (c *Context) SetData(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// GetData returns a scoped value.
func (c *Context) GetData(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// RemoveData deletes a scoped value.
func (c *Context) RemoveData(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// DataAs returns the scoped value for key if it holds a T.
func DataAs[T any](c *Context, key string) (T, bool) {
	var zero T
	v, ok := c.GetData(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// SetResource tracks a handle that must be released on unload. A previous
// resource under the same key is closed if it implements io.Closer.
func (c *Context) SetResource(key string, resource any) {
	c.mu.Lock()
	old, existed := c.resources[key]
	c.resources[key] = resource
	c.mu.Unlock()

	if existed && !sameResource(old, resource) {
		c.closeResource(key, old)
	}
}

func sameResource(a, b any) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	return ta == tb && ta != nil && ta.Comparable() && a == b
}

// Resource returns a tracked handle.
func (c *Context) Resource(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.resources[key]
	return r, ok
}

// RemoveResource stops tracking key and closes the handle if it implements
// io.Closer.
func (c *Context) RemoveResource(key string) error {
	c.mu.Lock()
	r, ok := c.resources[key]
	delete(c.resources, key)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if closer, ok := r.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// ResourceKeys returns the keys of tracked resources, sorted.
func (c *Context) ResourceKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.resources))
	for k := range c.resources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Context) closeResource(key string, r any) {
	closer, ok := r.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		c.logger.Warn("Failed to close resource", zap.String("resource", key), zap.Error(err))
	}
}

// Initialize runs the plugin's Initialize callback and marks the context
// initialized. Calling it again after success is a no-op.
func (c *Context) Initialize(p Plugin) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if p == nil {
		return NewError(c.desc.ID, PhaseInitialize, fmt.Errorf("nil plugin instance"))
	}
	if c.IsInitialized() {
		return nil
	}

	c.mu.Lock()
	c.instance = p
	c.unloaded = false
	c.mu.Unlock()

	if err := c.invoke(PhaseInitialize, p.Initialize); err != nil {
		return err
	}

	c.mu.Lock()
	c.initialized = true
	c.loadTime = c.now()
	c.mu.Unlock()

	c.emit(StateLoaded, "plugin initialized", nil)
	return nil
}

// Enable runs the Enable callback. Enabling an enabled plugin succeeds
// without calling it again.
func (c *Context) Enable() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.enableLocked()
}

func (c *Context) enableLocked() error {
	c.mu.RLock()
	initialized, enabled, p := c.initialized, c.enabled, c.instance
	c.mu.RUnlock()

	if !initialized {
		return NewError(c.desc.ID, PhaseEnable, ErrNotInitialized)
	}
	if enabled {
		return nil
	}

	c.emit(StateEnabling, "enabling plugin", nil)
	if err := c.invoke(PhaseEnable, p.Enable); err != nil {
		return err
	}

	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	c.emit(StateEnabled, "plugin enabled", nil)
	return nil
}

// Disable runs the Disable callback. Disabling a disabled plugin succeeds
// without calling it again.
func (c *Context) Disable() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.disableLocked()
}

func (c *Context) disableLocked() error {
	c.mu.RLock()
	initialized, enabled, p := c.initialized, c.enabled, c.instance
	c.mu.RUnlock()

	if !initialized {
		return NewError(c.desc.ID, PhaseDisable, ErrNotInitialized)
	}
	if !enabled {
		return nil
	}

	c.emit(StateDisabling, "disabling plugin", nil)
	err := c.invoke(PhaseDisable, p.Disable)

	// A failed disable still leaves the plugin inactive as far as the host is
	// concerned.
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()

	if err != nil {
		return err
	}
	c.emit(StateDisabled, "plugin disabled", nil)
	return nil
}

// Unload tears the context down: disable if enabled, drop every hook
// subscription, close every resource, then run Teardown and dispose the
// instance. Each step runs even if an earlier one failed; callback errors
// are returned combined. Calling Unload twice is harmless.
func (c *Context) Unload() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	already, initialized, enabled, p := c.unloaded, c.initialized, c.enabled, c.instance
	c.mu.RUnlock()
	if already {
		return nil
	}

	var err error
	if enabled {
		err = multierr.Append(err, c.disableLocked())
	}

	c.unsubscribeAll()
	c.releaseResources()

	if initialized && p != nil {
		err = multierr.Append(err, c.invoke(PhaseUnload, p.Teardown))
	}
	if d, ok := p.(Disposable); ok {
		if dErr := d.Dispose(); dErr != nil {
			c.logger.Warn("Failed to dispose plugin arena", zap.Error(dErr))
		}
	}

	c.mu.Lock()
	c.initialized = false
	c.enabled = false
	c.unloaded = true
	c.instance = nil
	c.data = make(map[string]any)
	c.mu.Unlock()

	c.emit(StateUnloaded, "plugin unloaded", nil)
	return err
}

func (c *Context) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		c.bus.Unsubscribe(sub)
	}
	if len(subs) > 0 {
		c.logger.Debug("Hook subscriptions removed", zap.Int("count", len(subs)))
	}
}

func (c *Context) releaseResources() {
	c.mu.Lock()
	resources := c.resources
	c.resources = make(map[string]any)
	c.mu.Unlock()

	for key, r := range resources {
		c.closeResource(key, r)
	}
}

// invoke runs a plugin callback, converting a returned error or a panic into
// an ERROR lifecycle event and a phase-tagged Error.
func (c *Context) invoke(phase Phase, fn func(*Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			err = NewError(c.desc.ID, phase, err)
			c.logger.Error("Plugin callback failed", zap.String("phase", string(phase)), zap.Error(err))
			c.emit(StateError, err.Error(), err)
		}
	}()
	return fn(c)
}

func (c *Context) emit(state LifecycleState, message string, err error) {
	event := LifecycleEvent{
		PluginID: c.desc.ID,
		State:    state,
		Message:  message,
		Err:      err,
		Time:     c.now(),
	}
	if c.sink != nil {
		c.sink(event)
	}
	if c.bus != nil {
		c.bus.Publish(hook.Lifecycle, c.desc.ID, map[string]any{
			"id":      c.desc.ID,
			"state":   string(state),
			"message": message,
		})
	}
}
