package plugin_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pluginhost/internal/hookbus"
	"pluginhost/pkg/hook"
	"pluginhost/pkg/plugin"
)

// scriptedPlugin records callbacks and fails or panics on request.
type scriptedPlugin struct {
	calls    []string
	failOn   map[string]error
	panicOn  string
	onInit   func(ctx *plugin.Context) error
	disposed bool
}

func (p *scriptedPlugin) step(name string) error {
	p.calls = append(p.calls, name)
	if p.panicOn == name {
		panic(name + " exploded")
	}
	return p.failOn[name]
}

func (p *scriptedPlugin) Initialize(ctx *plugin.Context) error {
	if err := p.step("initialize"); err != nil {
		return err
	}
	if p.onInit != nil {
		return p.onInit(ctx)
	}
	return nil
}
func (p *scriptedPlugin) Enable(*plugin.Context) error   { return p.step("enable") }
func (p *scriptedPlugin) Disable(*plugin.Context) error  { return p.step("disable") }
func (p *scriptedPlugin) Teardown(*plugin.Context) error { return p.step("teardown") }
func (p *scriptedPlugin) Dispose() error                 { p.disposed = true; return nil }

type closer struct {
	closed int
	err    error
}

func (c *closer) Close() error { c.closed++; return c.err }

type fixture struct {
	ctx    *plugin.Context
	bus    *hookbus.Bus
	events []plugin.LifecycleEvent
	mu     sync.Mutex
}

func (f *fixture) states() []plugin.LifecycleState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]plugin.LifecycleState, len(f.events))
	for i, e := range f.events {
		out[i] = e.State
	}
	return out
}

func newFixture(t *testing.T, id string) *fixture {
	t.Helper()
	f := &fixture{bus: hookbus.New(zap.NewNop(), nil)}
	ctx, err := plugin.NewContext(plugin.ContextConfig{
		Descriptor: plugin.Descriptor{ID: id, Name: id},
		Root:       t.TempDir(),
		Bus:        f.bus,
		Logger:     zap.NewNop(),
		OnLifecycle: func(e plugin.LifecycleEvent) {
			f.mu.Lock()
			f.events = append(f.events, e)
			f.mu.Unlock()
		},
	})
	require.NoError(t, err)
	f.ctx = ctx
	return f
}

func TestNewContextCreatesDirectories(t *testing.T) {
	root := t.TempDir()
	ctx, err := plugin.NewContext(plugin.ContextConfig{
		Descriptor: plugin.Descriptor{ID: "My Plugin"},
		Root:       root,
	})
	require.NoError(t, err)

	base := filepath.Join(root, "my_plugin")
	assert.Equal(t, filepath.Join(base, "data"), ctx.DataDir())
	for _, dir := range []string{ctx.DataDir(), ctx.ConfigDir(), ctx.CacheDir(), ctx.LogsDir()} {
		assert.DirExists(t, dir)
	}
}

func TestNewContextFailsLoudly(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("file, not dir"), 0o644))

	_, err := plugin.NewContext(plugin.ContextConfig{
		Descriptor: plugin.Descriptor{ID: "blocked"},
		Root:       root,
	})
	assert.Error(t, err)

	_, err = plugin.NewContext(plugin.ContextConfig{Root: root})
	assert.Error(t, err)
}

func TestLifecycleHappyPath(t *testing.T) {
	f := newFixture(t, "demo")
	p := &scriptedPlugin{}

	require.NoError(t, f.ctx.Initialize(p))
	assert.True(t, f.ctx.IsInitialized())
	assert.False(t, f.ctx.LoadTime().IsZero())

	require.NoError(t, f.ctx.Enable())
	require.NoError(t, f.ctx.Enable(), "enable while enabled is a no-op")
	assert.True(t, f.ctx.IsEnabled())

	require.NoError(t, f.ctx.Disable())
	require.NoError(t, f.ctx.Disable(), "disable while disabled is a no-op")
	assert.False(t, f.ctx.IsEnabled())

	require.NoError(t, f.ctx.Enable())
	require.NoError(t, f.ctx.Unload())

	assert.Equal(t, []string{"initialize", "enable", "disable", "enable", "disable", "teardown"}, p.calls)
	assert.True(t, p.disposed)
	assert.Equal(t, []plugin.LifecycleState{
		plugin.StateLoaded,
		plugin.StateEnabling, plugin.StateEnabled,
		plugin.StateDisabling, plugin.StateDisabled,
		plugin.StateEnabling, plugin.StateEnabled,
		plugin.StateDisabling, plugin.StateDisabled,
		plugin.StateUnloaded,
	}, f.states())
	assert.False(t, f.ctx.IsInitialized())
}

func TestEnableRequiresInitialize(t *testing.T) {
	f := newFixture(t, "demo")

	err := f.ctx.Enable()
	assert.ErrorIs(t, err, plugin.ErrNotInitialized)
	err = f.ctx.Disable()
	assert.ErrorIs(t, err, plugin.ErrNotInitialized)
	assert.Empty(t, f.states())
}

func TestCallbackErrorsBecomeLifecycleErrors(t *testing.T) {
	f := newFixture(t, "demo")
	p := &scriptedPlugin{failOn: map[string]error{"enable": errors.New("refused")}}

	require.NoError(t, f.ctx.Initialize(p))
	err := f.ctx.Enable()

	require.Error(t, err)
	assert.True(t, plugin.IsLifecycleError(err))
	var pe *plugin.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "demo", pe.PluginID)
	assert.Equal(t, plugin.PhaseEnable, pe.Phase)
	assert.False(t, f.ctx.IsEnabled())
	assert.Equal(t, []plugin.LifecycleState{plugin.StateLoaded, plugin.StateEnabling, plugin.StateError}, f.states())
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	f := newFixture(t, "demo")
	p := &scriptedPlugin{panicOn: "initialize"}

	var err error
	assert.NotPanics(t, func() { err = f.ctx.Initialize(p) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize exploded")
	assert.False(t, f.ctx.IsInitialized())
	assert.Equal(t, []plugin.LifecycleState{plugin.StateError}, f.states())
}

func TestLifecycleEventsArePublished(t *testing.T) {
	f := newFixture(t, "demo")
	var seen []string
	_, err := f.bus.Subscribe(hook.Lifecycle, func(e *hook.Event) error {
		seen = append(seen, e.GetString("id")+":"+e.GetString("state"))
		return nil
	}, hook.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, f.ctx.Initialize(&scriptedPlugin{}))
	require.NoError(t, f.ctx.Enable())

	assert.Equal(t, []string{"demo:LOADED", "demo:ENABLING", "demo:ENABLED"}, seen)
}

func TestUnloadRemovesSubscriptionsAndResources(t *testing.T) {
	f := newFixture(t, "demo")
	good := &closer{}
	bad := &closer{err: errors.New("already closed")}

	p := &scriptedPlugin{onInit: func(ctx *plugin.Context) error {
		noop := func(*hook.Event) error { return nil }
		if _, err := ctx.Subscribe("editor.save", noop, hook.PriorityHigh); err != nil {
			return err
		}
		if _, err := ctx.Subscribe("editor.open", noop, hook.PriorityLow); err != nil {
			return err
		}
		ctx.SetResource("bad", bad)
		ctx.SetResource("good", good)
		ctx.SetResource("plain", "not closable")
		return nil
	}}

	require.NoError(t, f.ctx.Initialize(p))
	require.NoError(t, f.ctx.Enable())
	assert.Equal(t, []string{"editor.open", "editor.save"}, f.ctx.SubscribedHooks())
	assert.Equal(t, 1, f.bus.ListenerCount("editor.save"))

	require.NoError(t, f.ctx.Unload(), "close errors are swallowed")

	assert.Equal(t, 0, f.bus.ListenerCount("editor.save"))
	assert.Equal(t, 0, f.bus.ListenerCount("editor.open"))
	assert.Equal(t, 1, good.closed)
	assert.Equal(t, 1, bad.closed)
	assert.Empty(t, f.ctx.ResourceKeys())
	assert.Equal(t, []string{"initialize", "enable", "disable", "teardown"}, p.calls)

	require.NoError(t, f.ctx.Unload(), "second unload is harmless")
	assert.Equal(t, 1, good.closed)
}

func TestUnloadContinuesAfterFailures(t *testing.T) {
	f := newFixture(t, "demo")
	p := &scriptedPlugin{failOn: map[string]error{
		"disable":  errors.New("disable failed"),
		"teardown": errors.New("teardown failed"),
	}}
	res := &closer{}

	require.NoError(t, f.ctx.Initialize(p))
	require.NoError(t, f.ctx.Enable())
	f.ctx.SetResource("r", res)

	err := f.ctx.Unload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disable failed")
	assert.Contains(t, err.Error(), "teardown failed")
	assert.Equal(t, 1, res.closed)
	assert.True(t, p.disposed)
	assert.Contains(t, f.states(), plugin.StateUnloaded)
}

func TestScopedDataAndResources(t *testing.T) {
	f := newFixture(t, "demo")

	f.ctx.SetData("count", 3)
	f.ctx.SetData("name", "widget")

	n, ok := plugin.DataAs[int](f.ctx, "count")
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = plugin.DataAs[string](f.ctx, "count")
	assert.False(t, ok, "type-checked access")

	f.ctx.RemoveData("name")
	_, ok = f.ctx.GetData("name")
	assert.False(t, ok)

	first, second := &closer{}, &closer{}
	f.ctx.SetResource("conn", first)
	f.ctx.SetResource("conn", first)
	assert.Equal(t, 0, first.closed, "re-setting the same handle keeps it open")
	f.ctx.SetResource("conn", second)
	assert.Equal(t, 1, first.closed, "replaced handle is closed")

	require.NoError(t, f.ctx.RemoveResource("conn"))
	assert.Equal(t, 1, second.closed)
	require.NoError(t, f.ctx.RemoveResource("conn"))
}
