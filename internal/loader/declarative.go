package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pluginhost/pkg/hook"
	"pluginhost/pkg/plugin"
)

// Action verbs understood by declarative bundles.
const (
	VerbLog          = "log"
	VerbRegisterHook = "register-hook"
	VerbCreateFile   = "create-file"
	VerbDeleteFile   = "delete-file"
	VerbPublish      = "publish"
)

var actionKeys = map[plugin.Phase]string{
	plugin.PhaseInitialize: "load_actions",
	plugin.PhaseEnable:     "enable_actions",
	plugin.PhaseDisable:    "disable_actions",
	plugin.PhaseUnload:     "unload_actions",
}

// Action is one "verb:payload" directive.
type Action struct {
	Verb    string
	Payload string
}

func (a Action) String() string { return a.Verb + ":" + a.Payload }

// ParseActions splits a ";"-separated action list. Entries without a verb
// are skipped.
func ParseActions(s string) []Action {
	var actions []Action
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		verb, payload, _ := strings.Cut(part, ":")
		verb = strings.ToLower(strings.TrimSpace(verb))
		if verb == "" {
			continue
		}
		actions = append(actions, Action{Verb: verb, Payload: strings.TrimSpace(payload)})
	}
	return actions
}

// DeclarativePlugin runs the action lists of a key=value bundle. When
// main_class names a host factory the created instance runs first.
type DeclarativePlugin struct {
	desc     plugin.Descriptor
	props    Attributes
	actions  map[plugin.Phase][]Action
	delegate plugin.Plugin
}

func readProperties(path string) (Attributes, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	defer f.Close()
	props, _ := parseProperties(f)
	return props, nil
}

func (l *Loader) loadDeclarative(desc plugin.Descriptor) (plugin.Plugin, error) {
	props, err := readProperties(desc.SourcePath)
	if err != nil {
		return nil, err
	}

	p := &DeclarativePlugin{
		desc:    desc,
		props:   props,
		actions: make(map[plugin.Phase][]Action, len(actionKeys)),
	}
	for phase, key := range actionKeys {
		p.actions[phase] = ParseActions(props.Get(key))
	}

	if entry := props.Get("main_class"); entry != "" {
		delegate, err := l.fromHost(entry)
		switch {
		case err != nil && !errors.Is(err, plugin.ErrEntryNotFound):
			return nil, err
		case err != nil:
			l.logger.Warn("Declarative main_class not available; running actions only",
				zap.String("plugin", desc.ID),
				zap.String("entry", entry),
				zap.Error(err))
		default:
			p.delegate = delegate
		}
	}
	return p, nil
}

// Actions returns the directives configured for phase.
func (p *DeclarativePlugin) Actions(phase plugin.Phase) []Action {
	return append([]Action(nil), p.actions[phase]...)
}

// Delegate returns the wrapped host instance, if any.
func (p *DeclarativePlugin) Delegate() plugin.Plugin { return p.delegate }

func (p *DeclarativePlugin) Initialize(ctx *plugin.Context) error {
	props := make(map[string]string, len(p.props))
	for k, v := range p.props {
		props[k] = v
	}
	ctx.SetData(plugin.PropertiesKey, props)

	if p.delegate != nil {
		if err := p.delegate.Initialize(ctx); err != nil {
			return err
		}
	}
	return p.run(ctx, plugin.PhaseInitialize)
}

func (p *DeclarativePlugin) Enable(ctx *plugin.Context) error {
	if p.delegate != nil {
		if err := p.delegate.Enable(ctx); err != nil {
			return err
		}
	}
	return p.run(ctx, plugin.PhaseEnable)
}

func (p *DeclarativePlugin) Disable(ctx *plugin.Context) error {
	err := p.run(ctx, plugin.PhaseDisable)
	if p.delegate != nil {
		err = multierr.Append(err, p.delegate.Disable(ctx))
	}
	return err
}

func (p *DeclarativePlugin) Teardown(ctx *plugin.Context) error {
	err := p.run(ctx, plugin.PhaseUnload)
	if p.delegate != nil {
		err = multierr.Append(err, p.delegate.Teardown(ctx))
	}
	return err
}

// Dispose forwards to the delegate when it holds resources.
func (p *DeclarativePlugin) Dispose() error {
	if d, ok := p.delegate.(plugin.Disposable); ok {
		return d.Dispose()
	}
	return nil
}

// run executes every action for phase. A failing action does not stop the
// ones after it.
func (p *DeclarativePlugin) run(ctx *plugin.Context, phase plugin.Phase) error {
	var errs error
	for _, action := range p.actions[phase] {
		if err := execute(ctx, action); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", action, err))
		}
	}
	return errs
}

func execute(ctx *plugin.Context, action Action) error {
	logger := ctx.Logger()
	switch action.Verb {
	case VerbLog:
		logger.Info(action.Payload)
		return nil

	case VerbRegisterHook:
		name, prio, _ := strings.Cut(action.Payload, "@")
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("hook name is required")
		}
		_, err := ctx.Subscribe(name, func(e *hook.Event) error {
			logger.Info("Hook received",
				zap.String("hook", e.Name),
				zap.Any("source", e.Source),
				zap.Any("data", e.Data()))
			return nil
		}, hook.ParsePriority(strings.TrimSpace(prio)))
		return err

	case VerbCreateFile:
		name, content, _ := strings.Cut(action.Payload, "=")
		path, err := dataPath(ctx, name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, []byte(content), 0o644)

	case VerbDeleteFile:
		path, err := dataPath(ctx, action.Payload)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil

	case VerbPublish:
		name, message, _ := strings.Cut(action.Payload, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("hook name is required")
		}
		ctx.Publish(name, map[string]any{"message": strings.TrimSpace(message)})
		return nil

	default:
		logger.Warn("Unknown declarative verb", zap.String("verb", action.Verb))
		return nil
	}
}

// dataPath resolves name inside the plugin data directory.
func dataPath(ctx *plugin.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("path %q escapes the data directory", name)
	}
	return filepath.Join(ctx.DataDir(), name), nil
}

// ThemePlugin publishes its properties on enable and asks listeners to revert
// on disable.
type ThemePlugin struct {
	plugin.Base
	desc       plugin.Descriptor
	properties map[string]string
}

func (l *Loader) loadTheme(desc plugin.Descriptor) (plugin.Plugin, error) {
	props, err := readProperties(desc.SourcePath)
	if err != nil {
		return nil, err
	}
	properties := make(map[string]string)
	for k, v := range props {
		if declarativeKeys[strings.ToLower(k)] {
			continue
		}
		properties[k] = v
	}
	return &ThemePlugin{desc: desc, properties: properties}, nil
}

// Properties returns a copy of the theme values.
func (t *ThemePlugin) Properties() map[string]string {
	out := make(map[string]string, len(t.properties))
	for k, v := range t.properties {
		out[k] = v
	}
	return out
}

func (t *ThemePlugin) Enable(ctx *plugin.Context) error {
	ctx.Publish(hook.ThemeApply, map[string]any{
		"id":         ctx.ID(),
		"name":       t.desc.Name,
		"properties": t.Properties(),
	})
	return nil
}

func (t *ThemePlugin) Disable(ctx *plugin.Context) error {
	keys := make([]string, 0, len(t.properties))
	for k := range t.properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ctx.Publish(hook.ThemeRevert, map[string]any{
		"id":   ctx.ID(),
		"keys": keys,
	})
	return nil
}
