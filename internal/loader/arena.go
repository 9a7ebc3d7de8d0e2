package loader

import (
	"archive/zip"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"pluginhost/pkg/hook"
	"pluginhost/pkg/plugin"
)

// HostModule is the name scripts require to reach the host.
const HostModule = "host"

var errArenaClosed = errors.New("arena disposed")

// Arena is an isolated Lua state owned by one bundle. Modules shipped in the
// bundle are resolved first; the host module is only visible when the bundle
// does not define a module of the same name. Disposing the arena releases
// everything the bundle defined.
//
// Lua code only runs while mu is held. host.publish releases it for the
// duration of the publish so that listeners of the same arena can run.
type Arena struct {
	id     string
	bundle string
	logger *zap.Logger

	mu      sync.Mutex
	L       *lua.LState
	modules map[string]bool
	subs    map[string]hook.Subscription
	closed  bool
}

func newArena(bundle string, modules map[string]string, logger *zap.Logger) (*Arena, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open lua %s library: %w", lib.name, err)
		}
	}

	// No filesystem lookups: require only sees preloaded modules.
	if pkg, ok := L.GetGlobal("package").(*lua.LTable); ok {
		L.SetField(pkg, "path", lua.LString(""))
		L.SetField(pkg, "cpath", lua.LString(""))
	}
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)

	a := &Arena{
		id:      uuid.NewString(),
		bundle:  bundle,
		logger:  logger.With(zap.String("arena", bundle)),
		L:       L,
		modules: make(map[string]bool, len(modules)),
		subs:    make(map[string]hook.Subscription),
	}
	for name, src := range modules {
		L.PreloadModule(name, moduleLoader(name, src))
		a.modules[name] = true
	}
	return a, nil
}

func moduleLoader(name, src string) lua.LGFunction {
	return func(L *lua.LState) int {
		fn, err := L.Load(strings.NewReader(src), name)
		if err != nil {
			L.RaiseError("module %s: %v", name, err)
			return 0
		}
		L.Push(fn)
		L.Call(0, 1)
		return 1
	}
}

// ID returns the arena's unique id.
func (a *Arena) ID() string { return a.id }

// HasModule reports whether the bundle itself defines module name.
func (a *Arena) HasModule(name string) bool {
	return a.modules[name]
}

// Modules returns the bundle's module names, sorted.
func (a *Arena) Modules() []string {
	names := make([]string, 0, len(a.modules))
	for name := range a.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispose closes the Lua state.
func (a *Arena) Dispose() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.L.Close()
	a.closed = true
	a.subs = nil
	a.logger.Debug("Arena disposed", zap.String("id", a.id))
	return nil
}

// Closed reports whether Dispose ran.
func (a *Arena) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// require loads a module through the arena's own resolution chain.
func (a *Arena) require(name string) (*lua.LTable, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errArenaClosed
	}

	if err := a.L.CallByParam(lua.P{Fn: a.L.GetGlobal("require"), NRet: 1, Protect: true}, lua.LString(name)); err != nil {
		return nil, fmt.Errorf("require %s: %w", name, err)
	}
	ret := a.L.Get(-1)
	a.L.Pop(1)
	mod, _ := ret.(*lua.LTable)
	return mod, nil
}

// run executes a script chunk and returns the table it yields, if any.
func (a *Arena) run(name, src string) (*lua.LTable, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errArenaClosed
	}

	fn, err := a.L.Load(strings.NewReader(src), name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	if err := a.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return nil, fmt.Errorf("run %s: %w", name, err)
	}
	ret := a.L.Get(-1)
	a.L.Pop(1)
	mod, _ := ret.(*lua.LTable)
	return mod, nil
}

// bindHost preloads the host module for ctx unless the bundle shadows it.
func (a *Arena) bindHost(ctx *plugin.Context) {
	if a.HasModule(HostModule) {
		a.logger.Debug("Bundle defines its own host module; host bindings hidden")
		return
	}

	a.L.PreloadModule(HostModule, func(L *lua.LState) int {
		mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
			"log":         a.hostLog(ctx),
			"subscribe":   a.hostSubscribe(ctx),
			"unsubscribe": a.hostUnsubscribe(ctx),
			"publish":     a.hostPublish(ctx),
			"get":         a.hostGet(ctx),
			"set":         a.hostSet(ctx),
			"data_dir":    constString(ctx.DataDir()),
			"config_dir":  constString(ctx.ConfigDir()),
			"cache_dir":   constString(ctx.CacheDir()),
			"logs_dir":    constString(ctx.LogsDir()),
		})
		L.SetField(mod, "id", lua.LString(ctx.ID()))
		L.Push(mod)
		return 1
	})
}

func constString(s string) lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(lua.LString(s))
		return 1
	}
}

func (a *Arena) hostLog(ctx *plugin.Context) lua.LGFunction {
	return func(L *lua.LState) int {
		level, msg := "info", L.CheckString(1)
		if L.GetTop() >= 2 {
			level, msg = strings.ToLower(msg), L.CheckString(2)
		}
		logger := ctx.Logger()
		switch level {
		case "debug":
			logger.Debug(msg)
		case "warn", "warning":
			logger.Warn(msg)
		case "error":
			logger.Error(msg)
		default:
			logger.Info(msg)
		}
		return 0
	}
}

func (a *Arena) hostSubscribe(ctx *plugin.Context) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		fn := L.CheckFunction(2)
		priority := hook.ParsePriority(L.OptString(3, "normal"))

		sub, err := ctx.Subscribe(name, a.listener(fn), priority)
		if err != nil {
			L.RaiseError("subscribe %s: %v", name, err)
			return 0
		}
		a.subs[sub.ID()] = sub
		L.Push(lua.LString(sub.ID()))
		return 1
	}
}

func (a *Arena) hostUnsubscribe(ctx *plugin.Context) lua.LGFunction {
	return func(L *lua.LState) int {
		id := L.CheckString(1)
		sub, ok := a.subs[id]
		if ok {
			delete(a.subs, id)
			ok = ctx.Unsubscribe(sub)
		}
		L.Push(lua.LBool(ok))
		return 1
	}
}

func (a *Arena) hostPublish(ctx *plugin.Context) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		var data map[string]any
		if tbl, ok := L.Get(2).(*lua.LTable); ok {
			data, _ = fromLua(tbl).(map[string]any)
		}

		a.mu.Unlock()
		event := ctx.Publish(name, data)
		a.mu.Lock()

		if a.closed {
			return 0
		}
		L.Push(lua.LBool(event.Cancelled()))
		return 1
	}
}

func (a *Arena) hostGet(ctx *plugin.Context) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		store := ctx.Storage()
		if store == nil {
			L.Push(lua.LNil)
			return 1
		}
		v, _ := store.Get(key)
		L.Push(toLua(L, v))
		return 1
	}
}

func (a *Arena) hostSet(ctx *plugin.Context) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		store := ctx.Storage()
		if store == nil {
			L.RaiseError("plugin %s has no storage", ctx.ID())
			return 0
		}
		if err := store.Put(key, fromLua(L.Get(2))); err != nil {
			L.RaiseError("set %s: %v", key, err)
		}
		return 0
	}
}

// listener adapts a Lua function to a hook listener. The function receives an
// event table {name, source, data, cancel}; changes to data are copied back.
func (a *Arena) listener(fn *lua.LFunction) hook.Listener {
	return func(e *hook.Event) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.closed {
			return errArenaClosed
		}

		L := a.L
		data := toLua(L, e.Data()).(*lua.LTable)
		evt := L.NewTable()
		L.SetField(evt, "name", lua.LString(e.Name))
		L.SetField(evt, "source", lua.LString(fmt.Sprint(e.Source)))
		L.SetField(evt, "data", data)
		L.SetField(evt, "cancel", L.NewFunction(func(L *lua.LState) int {
			e.Cancel()
			return 0
		}))

		if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, evt); err != nil {
			return err
		}
		data.ForEach(func(k, v lua.LValue) {
			if key, ok := k.(lua.LString); ok {
				e.Set(string(key), fromLua(v))
			}
		})
		return nil
	}
}

// scriptPlugin drives a Lua module through the plugin lifecycle. Each
// callback is looked up on the module table first, then as a global.
type scriptPlugin struct {
	arena  *Arena
	module *lua.LTable
}

var callbackNames = map[plugin.Phase][]string{
	plugin.PhaseInitialize: {"initialize", "on_load"},
	plugin.PhaseEnable:     {"enable", "on_enable"},
	plugin.PhaseDisable:    {"disable", "on_disable"},
	plugin.PhaseUnload:     {"teardown", "on_unload"},
}

func (p *scriptPlugin) Initialize(ctx *plugin.Context) error {
	return p.call(ctx, plugin.PhaseInitialize)
}
func (p *scriptPlugin) Enable(ctx *plugin.Context) error   { return p.call(ctx, plugin.PhaseEnable) }
func (p *scriptPlugin) Disable(ctx *plugin.Context) error  { return p.call(ctx, plugin.PhaseDisable) }
func (p *scriptPlugin) Teardown(ctx *plugin.Context) error { return p.call(ctx, plugin.PhaseUnload) }
func (p *scriptPlugin) Dispose() error                     { return p.arena.Dispose() }

// Arena exposes the isolation scope.
func (p *scriptPlugin) Arena() *Arena { return p.arena }

func (p *scriptPlugin) lookup(names []string) *lua.LFunction {
	L := p.arena.L
	for _, name := range names {
		var v lua.LValue = lua.LNil
		if p.module != nil {
			v = L.GetField(p.module, name)
		}
		if v == lua.LNil {
			v = L.GetGlobal(name)
		}
		if fn, ok := v.(*lua.LFunction); ok {
			return fn
		}
	}
	return nil
}

func (p *scriptPlugin) call(ctx *plugin.Context, phase plugin.Phase) error {
	a := p.arena
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errArenaClosed
	}

	fn := p.lookup(callbackNames[phase])
	if fn == nil {
		return nil
	}

	L := a.L
	info := L.NewTable()
	L.SetField(info, "id", lua.LString(ctx.ID()))
	L.SetField(info, "name", lua.LString(ctx.Descriptor().Name))
	L.SetField(info, "version", lua.LString(ctx.Descriptor().Version))
	L.SetField(info, "data_dir", lua.LString(ctx.DataDir()))

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 2, Protect: true}, info); err != nil {
		return err
	}
	ok, msg := L.Get(-2), L.Get(-1)
	L.Pop(2)
	if ok == lua.LFalse {
		if msg == lua.LNil {
			return fmt.Errorf("%s returned false", phase)
		}
		return errors.New(msg.String())
	}
	return nil
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(val)
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(toLua(L, item))
		}
		return t
	case []string:
		t := L.NewTable()
		for _, item := range val {
			t.Append(lua.LString(item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			L.SetField(t, k, toLua(L, item))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, item := range val {
			L.SetField(t, k, lua.LString(item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

func fromLua(lv lua.LValue) any {
	switch v := lv.(type) {
	case lua.LString:
		return string(v)
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case *lua.LTable:
		if n := v.Len(); n > 0 {
			items := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				items = append(items, fromLua(v.RawGetInt(i)))
			}
			return items
		}
		m := make(map[string]any)
		v.ForEach(func(k, item lua.LValue) {
			m[k.String()] = fromLua(item)
		})
		return m
	default:
		return nil
	}
}

// loadArchive builds an arena from the archive's Lua sources and requires
// the entry module. Entries the archive does not define are resolved against
// the host factory registry, and the unused arena is disposed.
func (l *Loader) loadArchive(desc plugin.Descriptor, ctx *plugin.Context) (plugin.Plugin, error) {
	modules, err := readArchiveModules(desc.SourcePath)
	if err != nil {
		return nil, err
	}

	entry := desc.MainEntry
	if strings.HasSuffix(entry, ".lua") {
		entry = moduleName(entry)
	}

	arena, err := newArena(desc.ID, modules, l.logger)
	if err != nil {
		return nil, err
	}
	if !arena.HasModule(entry) {
		_ = arena.Dispose()
		p, hostErr := l.fromHost(entry)
		if hostErr != nil {
			return nil, fmt.Errorf("entry point %q not found in bundle %s: %w", entry, desc.ID, hostErr)
		}
		l.logger.Debug("Entry point resolved from host", zap.String("plugin", desc.ID), zap.String("entry", entry))
		return p, nil
	}

	arena.bindHost(ctx)
	mod, err := arena.require(entry)
	if err != nil {
		_ = arena.Dispose()
		return nil, err
	}
	l.logger.Debug("Archive arena ready",
		zap.String("plugin", desc.ID),
		zap.String("arena", arena.ID()),
		zap.Strings("modules", arena.Modules()))
	return &scriptPlugin{arena: arena, module: mod}, nil
}

func readArchiveModules(path string) (map[string]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	modules := make(map[string]string)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(f.Name), ".lua") {
			continue
		}
		src, err := readZipFile(f)
		if err != nil {
			return nil, err
		}
		modules[moduleName(f.Name)] = src
	}
	return modules, nil
}

// loadScript runs a single-file utility in its own arena. The script may
// return a table of callbacks or define them as globals.
func (l *Loader) loadScript(desc plugin.Descriptor, ctx *plugin.Context) (plugin.Plugin, error) {
	src, err := os.ReadFile(desc.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	arena, err := newArena(desc.ID, nil, l.logger)
	if err != nil {
		return nil, err
	}
	arena.bindHost(ctx)
	mod, err := arena.run(filepath.Base(desc.SourcePath), string(src))
	if err != nil {
		_ = arena.Dispose()
		return nil, err
	}
	return &scriptPlugin{arena: arena, module: mod}, nil
}
