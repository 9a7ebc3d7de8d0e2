package loader_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pluginhost/internal/hookbus"
	"pluginhost/internal/loader"
	"pluginhost/internal/storage"
	"pluginhost/pkg/hook"
	"pluginhost/pkg/plugin"
	"pluginhost/pkg/testutil"
)

type env struct {
	dir     string
	bus     *hookbus.Bus
	loader  *loader.Loader
	factory *plugin.FactoryRegistry
}

func newEnv(t *testing.T, opts ...loader.Option) *env {
	t.Helper()
	e := &env{
		dir:     t.TempDir(),
		bus:     hookbus.New(zap.NewNop(), nil),
		factory: plugin.NewFactoryRegistry(),
	}
	e.loader = loader.New(zap.NewNop(), append([]loader.Option{loader.WithFactories(e.factory)}, opts...)...)
	return e
}

func (e *env) context(t *testing.T, desc plugin.Descriptor) (*plugin.Context, *storage.Store) {
	t.Helper()
	root := t.TempDir()
	store := storage.NewStore(desc.ID, filepath.Join(root, desc.ID, "storage"), storage.Options{})
	ctx, err := plugin.NewContext(plugin.ContextConfig{
		Descriptor: desc,
		Root:       root,
		Bus:        e.bus,
		Store:      store,
	})
	require.NoError(t, err)
	return ctx, store
}

// load analyzes path and initializes the resulting instance.
func (e *env) load(t *testing.T, path string) (*plugin.Context, *storage.Store) {
	t.Helper()
	desc, err := e.loader.Analyze(path)
	require.NoError(t, err)
	ctx, store := e.context(t, desc)
	p, err := e.loader.Load(desc, ctx)
	require.NoError(t, err)
	require.NoError(t, ctx.Initialize(p))
	return ctx, store
}

// capture records every event published on hookName.
func (e *env) capture(t *testing.T, hookName string) func() []*hook.Event {
	t.Helper()
	var (
		mu     sync.Mutex
		events []*hook.Event
	)
	_, err := e.bus.Subscribe(hookName, func(ev *hook.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	}, hook.PriorityLowest)
	require.NoError(t, err)
	return func() []*hook.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]*hook.Event(nil), events...)
	}
}

type recorder struct {
	plugin.Base
	calls []string
}

func (r *recorder) Initialize(*plugin.Context) error {
	r.calls = append(r.calls, "initialize")
	return nil
}

func (r *recorder) Enable(*plugin.Context) error {
	r.calls = append(r.calls, "enable")
	return nil
}

func (e *env) registerRecorder(t *testing.T, entry string) *recorder {
	t.Helper()
	r := &recorder{}
	require.NoError(t, e.factory.Register(plugin.FactoryInfo{
		Entry:   entry,
		Factory: func() (plugin.Plugin, error) { return r, nil },
	}))
	return r
}

func TestAnalyzeDeclarativeDerivesID(t *testing.T) {
	e := newEnv(t)
	path := testutil.WriteDeclarative(t, e.dir, "foo-bundle", map[string]string{
		"name":    "Foo",
		"version": "2.0.0",
	})

	desc, err := e.loader.Analyze(path)
	require.NoError(t, err)
	assert.Equal(t, "foo", desc.ID)
	assert.Equal(t, "Foo", desc.Name)
	assert.Equal(t, "2.0.0", desc.Version)
	assert.Equal(t, plugin.KindDeclarative, desc.Kind)
	assert.Equal(t, "General", desc.Category)
	assert.Equal(t, path, desc.SourcePath)
	assert.Positive(t, desc.SizeBytes)
	assert.False(t, desc.Disabled)
}

func TestAnalyzeSanitizesDependencies(t *testing.T) {
	e := newEnv(t)
	path := testutil.WriteDeclarative(t, e.dir, "app", map[string]string{
		"name":         "App",
		"dependencies": "Core Lib, core_lib, UI.Kit",
		"permissions":  "Network, Storage",
	})

	desc, err := e.loader.Analyze(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"core_lib", "ui.kit"}, desc.Dependencies)
	assert.Equal(t, []string{"Network", "Storage"}, desc.Permissions)
}

func TestAnalyzeDefaults(t *testing.T) {
	e := newEnv(t)

	t.Run("file name and disabled suffix", func(t *testing.T) {
		path := testutil.WriteFile(t, e.dir, "My Theme.theme.disabled", "accent=#ff0000\n")
		desc, err := e.loader.Analyze(path)
		require.NoError(t, err)
		assert.Equal(t, "My Theme", desc.Name)
		assert.Equal(t, "my_theme", desc.ID)
		assert.Equal(t, "1.0.0", desc.Version)
		assert.Equal(t, plugin.KindTheme, desc.Kind)
		assert.True(t, desc.Disabled)
	})

	t.Run("script header", func(t *testing.T) {
		path := testutil.WriteScript(t, e.dir, "greeter", "-- @name Greeter\n-- @version 0.3.0\n-- @deps core, util\n-- @category Tools\nreturn {}\n")
		desc, err := e.loader.Analyze(path)
		require.NoError(t, err)
		assert.Equal(t, "greeter", desc.ID)
		assert.Equal(t, "0.3.0", desc.Version)
		assert.Equal(t, []string{"core", "util"}, desc.Dependencies)
		assert.Equal(t, "Tools", desc.Category)
		assert.Equal(t, plugin.KindUtility, desc.Kind)
	})

	t.Run("native manifest", func(t *testing.T) {
		path := testutil.WriteNative(t, e.dir, "libthing", map[string]string{"Name": "Native Thing", "Id": "Native.Thing"})
		desc, err := e.loader.Analyze(path)
		require.NoError(t, err)
		assert.Equal(t, "native.thing", desc.ID)
		assert.Equal(t, loader.DefaultNativeSymbol, desc.MainEntry)
	})

	t.Run("archive entry scan", func(t *testing.T) {
		path := testutil.WriteArchive(t, e.dir, "scanned", nil, map[string]string{
			"lib/json.lua":       "return {}",
			"scanned/plugin.lua": "local M = {}\nfunction M.enable() end\nreturn M\n",
		})
		desc, err := e.loader.Analyze(path)
		require.NoError(t, err)
		assert.Equal(t, "scanned.plugin", desc.MainEntry)
		assert.Equal(t, "scanned", desc.ID)
	})

	t.Run("archive without entry", func(t *testing.T) {
		path := testutil.WriteArchive(t, e.dir, "hollow", nil, map[string]string{"lib/util.lua": "return {}"})
		_, err := e.loader.Analyze(path)
		assert.ErrorIs(t, err, loader.ErrNoEntryPoint)
	})

	t.Run("unsupported", func(t *testing.T) {
		path := testutil.WriteFile(t, e.dir, "readme.txt", "hi")
		_, err := e.loader.Analyze(path)
		assert.ErrorIs(t, err, loader.ErrUnsupportedBundle)
	})
}

func TestValidate(t *testing.T) {
	e := newEnv(t, loader.WithMaxBundleSize(256))
	dir := e.dir

	tests := []struct {
		name    string
		path    string
		valid   bool
		message string
		warning string
	}{
		{
			name:    "missing",
			path:    filepath.Join(dir, "ghost.conf"),
			message: "does not exist",
		},
		{
			name:    "empty",
			path:    testutil.WriteFile(t, dir, "empty.conf", ""),
			message: "empty",
		},
		{
			name:    "too large",
			path:    testutil.WriteFile(t, dir, "big.conf", "name="+strings.Repeat("x", 300)),
			message: "too large",
		},
		{
			name:    "unsupported",
			path:    testutil.WriteFile(t, dir, "notes.md", "# hi"),
			message: "unsupported",
		},
		{
			name:    "bad archive signature",
			path:    testutil.WriteFile(t, dir, "bad.zip", "definitely not a zip"),
			message: "bad signature",
		},
		{
			name:    "empty archive",
			path:    testutil.WriteFile(t, dir, "hollow.zip", "PK\x05\x06"+strings.Repeat("\x00", 18)),
			message: "archive is empty",
		},
		{
			name:    "archive without manifest",
			path:    testutil.WriteArchive(t, dir, "bare", nil, map[string]string{"init.lua": "return {}"}),
			valid:   true,
			warning: "MANIFEST.MF",
		},
		{
			name:    "native bad magic",
			path:    testutil.WriteFile(t, dir, "win.so", "MZ\x90\x00payload"),
			message: "magic",
		},
		{
			name:  "native elf",
			path:  testutil.WriteNative(t, dir, "good", map[string]string{"Name": "Good"}),
			valid: true,
		},
		{
			name:    "declarative without keys",
			path:    testutil.WriteFile(t, dir, "junk.conf", "colour=blue\n"),
			message: "no recognized keys",
		},
		{
			name:    "declarative unknown key",
			path:    testutil.WriteFile(t, dir, "odd.conf", "name=Odd\ncolour=blue\n"),
			valid:   true,
			warning: "unrecognized key: colour",
		},
		{
			name:    "script syntax error",
			path:    testutil.WriteScript(t, dir, "broken", "function broken(\n"),
			message: "does not compile",
		},
		{
			name:    "script without header",
			path:    testutil.WriteScript(t, dir, "plain", "return {}\n"),
			valid:   true,
			warning: "@name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := e.loader.Validate(tt.path)
			assert.Equal(t, tt.valid, result.Valid, result.Message)
			if tt.message != "" {
				assert.Contains(t, result.Message, tt.message)
			}
			if tt.warning != "" {
				require.NotEmpty(t, result.Warnings)
				assert.Contains(t, strings.Join(result.Warnings, "\n"), tt.warning)
			}
		})
	}
}

const greeterScript = `-- @name Greeter
-- @version 0.3.0
local host = require("host")
local M = {}

function M.initialize(ctx)
  host.subscribe("greet", function(evt)
    evt.data.reply = "hello " .. evt.data.who
    evt.cancel()
  end, "high")
  host.set("greeted_by", ctx.id)
  host.log("debug", "greeter ready")
end

function M.enable(ctx)
  local cancelled = host.publish("greeter.enabled", { id = ctx.id })
  host.set("enable_cancelled", cancelled)
end

function M.disable(ctx)
  return false, "refusing to disable"
end

return M
`

func TestScriptLifecycle(t *testing.T) {
	e := newEnv(t)
	enabled := e.capture(t, "greeter.enabled")

	path := testutil.WriteScript(t, e.dir, "greeter", greeterScript)
	ctx, store := e.load(t, path)

	assert.Equal(t, "greeter", store.GetString("greeted_by", ""))
	assert.Equal(t, 1, e.bus.ListenerCount("greet"))
	assert.Equal(t, []string{"greet"}, ctx.SubscribedHooks())

	require.NoError(t, ctx.Enable())
	events := enabled()
	require.Len(t, events, 1)
	assert.Equal(t, "greeter", events[0].GetString("id"))
	assert.Equal(t, "greeter", events[0].Source)
	assert.False(t, store.GetBool("enable_cancelled", true))

	event := e.bus.Publish("greet", "test", map[string]any{"who": "bob"})
	assert.Equal(t, "hello bob", event.GetString("reply"))
	assert.True(t, event.Cancelled())

	err := ctx.Disable()
	require.Error(t, err)
	assert.True(t, plugin.IsLifecycleError(err))
	assert.Contains(t, err.Error(), "refusing to disable")
	assert.False(t, ctx.IsEnabled())

	require.NoError(t, ctx.Unload())
	assert.Equal(t, 0, e.bus.ListenerCount("greet"))
}

func TestScriptGlobalsAndErrors(t *testing.T) {
	e := newEnv(t)

	t.Run("global callbacks", func(t *testing.T) {
		seen := e.capture(t, "globals.loaded")
		path := testutil.WriteScript(t, e.dir, "globals", `
local host = require("host")
function on_load(ctx)
  host.publish("globals.loaded", { dir = host.data_dir(), id = host.id })
end
`)
		ctx, _ := e.load(t, path)
		events := seen()
		require.Len(t, events, 1)
		assert.Equal(t, ctx.DataDir(), events[0].GetString("dir"))
		assert.Equal(t, "globals", events[0].GetString("id"))
	})

	t.Run("runtime error surfaces", func(t *testing.T) {
		path := testutil.WriteScript(t, e.dir, "explodes", `function initialize() error("kaboom") end`)
		desc, err := e.loader.Analyze(path)
		require.NoError(t, err)
		ctx, _ := e.context(t, desc)
		p, err := e.loader.Load(desc, ctx)
		require.NoError(t, err)

		err = ctx.Initialize(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kaboom")
		assert.False(t, ctx.IsInitialized())
	})

	t.Run("sandbox has no filesystem loaders", func(t *testing.T) {
		path := testutil.WriteScript(t, e.dir, "escape", `
function initialize()
  if dofile ~= nil or loadfile ~= nil or io ~= nil or os ~= nil then
    error("filesystem reachable")
  end
  local ok = pcall(require, "socket")
  if ok then error("package path not cleared") end
end
`)
		e.load(t, path)
	})
}

func TestArchiveArena(t *testing.T) {
	e := newEnv(t)
	seen := e.capture(t, "archive.enabled")

	path := testutil.WriteArchive(t, e.dir, "shouter",
		map[string]string{"Name": "Shouter", "Main-Entry": "main"},
		map[string]string{
			"util/strings.lua": "local M = {}\nfunction M.shout(s) return string.upper(s) .. '!' end\nreturn M\n",
			"main.lua": `local util = require("util.strings")
local host = require("host")
local M = {}
function M.enable(ctx)
  host.publish("archive.enabled", { text = util.shout(ctx.name) })
end
return M
`,
		})

	ctx, _ := e.load(t, path)
	require.NoError(t, ctx.Enable())

	events := seen()
	require.Len(t, events, 1)
	assert.Equal(t, "SHOUTER!", events[0].GetString("text"))
	require.NoError(t, ctx.Unload())
}

func TestArchiveModulesShadowHost(t *testing.T) {
	e := newEnv(t)
	path := testutil.WriteArchive(t, e.dir, "shadow",
		map[string]string{"Name": "Shadow", "Main-Entry": "main"},
		map[string]string{
			"host.lua": "return { shadowed = true }",
			"main.lua": "local host = require('host')\nlocal M = {}\nfunction M.initialize() if not host.shadowed then error('host not shadowed') end end\nreturn M\n",
		})

	ctx, _ := e.load(t, path)
	assert.True(t, ctx.IsInitialized())
}

func TestSameArenaNestedDelivery(t *testing.T) {
	e := newEnv(t)
	path := testutil.WriteScript(t, e.dir, "relay", `
local host = require("host")
function initialize()
  host.subscribe("relay.in", function(evt)
    host.publish("relay.out", { n = evt.data.n })
  end)
  host.subscribe("relay.out", function(evt)
    host.set("received", evt.data.n)
  end)
end
`)
	_, store := e.load(t, path)

	e.bus.Publish("relay.in", "test", map[string]any{"n": 7})
	assert.Equal(t, int64(7), store.GetInt("received", 0))
}

func TestHostFallback(t *testing.T) {
	e := newEnv(t)

	t.Run("archive entry from host", func(t *testing.T) {
		rec := e.registerRecorder(t, "test.echo")
		path := testutil.WriteArchive(t, e.dir, "hosted",
			map[string]string{"Name": "Hosted", "Main-Entry": "test.echo"},
			map[string]string{"helper.lua": "return {}"})
		e.load(t, path)
		assert.Equal(t, []string{"initialize"}, rec.calls)
	})

	t.Run("native falls back to host", func(t *testing.T) {
		rec := e.registerRecorder(t, "test.native")
		path := testutil.WriteNative(t, e.dir, "libnative", map[string]string{"Name": "Nat", "Main-Entry": "test.native"})
		e.load(t, path)
		assert.Equal(t, []string{"initialize"}, rec.calls)
	})

	t.Run("unresolvable entry", func(t *testing.T) {
		path := testutil.WriteArchive(t, e.dir, "orphan",
			map[string]string{"Name": "Orphan", "Main-Entry": "nowhere"},
			map[string]string{"helper.lua": "return {}"})
		desc, err := e.loader.Analyze(path)
		require.NoError(t, err)
		ctx, _ := e.context(t, desc)
		_, err = e.loader.Load(desc, ctx)
		assert.ErrorIs(t, err, plugin.ErrEntryNotFound)
	})
}

func TestDeclarativeVerbs(t *testing.T) {
	e := newEnv(t)
	pings := e.capture(t, "ping")

	path := testutil.WriteDeclarative(t, e.dir, "scripted", map[string]string{
		"name":            "Scripted",
		"load_actions":    "log:hello;create-file:notes/a.txt=hi there;register-hook:x.changed@high;bogus:ignored",
		"enable_actions":  "publish:ping=ready",
		"disable_actions": "delete-file:notes/a.txt",
		"unload_actions":  "create-file:../escape.txt=bad",
	})
	ctx, _ := e.load(t, path)

	note := filepath.Join(ctx.DataDir(), "notes", "a.txt")
	content, err := os.ReadFile(note)
	require.NoError(t, err)
	assert.Equal(t, "hi there", string(content))
	assert.Equal(t, 1, e.bus.ListenerCount("x.changed"))

	props, ok := plugin.DataAs[map[string]string](ctx, plugin.PropertiesKey)
	require.True(t, ok)
	assert.Equal(t, "Scripted", props["name"])

	require.NoError(t, ctx.Enable())
	events := pings()
	require.Len(t, events, 1)
	assert.Equal(t, "ready", events[0].GetString("message"))

	require.NoError(t, ctx.Disable())
	assert.NoFileExists(t, note)

	err = ctx.Unload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the data directory")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(ctx.DataDir()), "escape.txt"))
	assert.Equal(t, 0, e.bus.ListenerCount("x.changed"))
}

func TestDeclarativeDelegatesToHost(t *testing.T) {
	e := newEnv(t)
	rec := e.registerRecorder(t, "builtin.recorder")

	path := testutil.WriteDeclarative(t, e.dir, "wrapped", map[string]string{
		"name":       "Wrapped",
		"main_class": "builtin.recorder",
	})
	ctx, _ := e.load(t, path)
	require.NoError(t, ctx.Enable())

	assert.Equal(t, []string{"initialize", "enable"}, rec.calls)
}

func TestDeclarativeMainClassFailures(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.factory.Register(plugin.FactoryInfo{
		Entry:   "builtin.panics",
		Factory: func() (plugin.Plugin, error) { panic("constructor exploded") },
	}))

	t.Run("panicking factory fails the load", func(t *testing.T) {
		path := testutil.WriteDeclarative(t, e.dir, "exploder", map[string]string{
			"name":       "Exploder",
			"main_class": "builtin.panics",
		})
		desc, err := e.loader.Analyze(path)
		require.NoError(t, err)
		ctx, _ := e.context(t, desc)
		_, err = e.loader.Load(desc, ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "constructor exploded")
	})

	t.Run("unknown entry runs actions only", func(t *testing.T) {
		path := testutil.WriteDeclarative(t, e.dir, "plain", map[string]string{
			"name":         "Plain",
			"main_class":   "builtin.missing",
			"load_actions": "register-hook:plain.tick",
		})
		e.load(t, path)
		assert.Equal(t, 1, e.bus.ListenerCount("plain.tick"))
	})
}

func TestThemePublishesOnEnable(t *testing.T) {
	e := newEnv(t)
	applied := e.capture(t, hook.ThemeApply)
	reverted := e.capture(t, hook.ThemeRevert)

	path := testutil.WriteTheme(t, e.dir, "dark", map[string]string{
		"name":       "Dark",
		"accent":     "#222222",
		"background": "#000000",
	})
	ctx, _ := e.load(t, path)
	require.NoError(t, ctx.Enable())

	events := applied()
	require.Len(t, events, 1)
	props, ok := events[0].Get("properties")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"accent": "#222222", "background": "#000000"}, props)
	assert.Equal(t, "dark", events[0].GetString("id"))

	require.NoError(t, ctx.Disable())
	events = reverted()
	require.Len(t, events, 1)
	keys, _ := events[0].Get("keys")
	assert.Equal(t, []string{"accent", "background"}, keys)
}

func TestLoadRequiresContext(t *testing.T) {
	e := newEnv(t)
	_, err := e.loader.Load(plugin.Descriptor{ID: "x", Kind: plugin.KindTheme}, nil)
	assert.Error(t, err)
}
