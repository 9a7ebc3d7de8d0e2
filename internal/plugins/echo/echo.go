// Package echo provides the builtin.echo host entry point. It listens on
// one hook and republishes every event on another, counting what it relays.
//
// A declarative bundle configures it through its properties:
//
//	name=Relay
//	main_class=builtin.echo
//	echo.from=sensor.reading
//	echo.to=dashboard.update
//	echo.priority=low
package echo

import (
	"fmt"

	"go.uber.org/zap"

	"pluginhost/pkg/hook"
	"pluginhost/pkg/plugin"
)

// Entry is the factory name bundles reference.
const Entry = "builtin.echo"

// Property keys and defaults.
const (
	FromKey     = "echo.from"
	ToKey       = "echo.to"
	PriorityKey = "echo.priority"

	DefaultFrom = "echo.in"
	DefaultTo   = "echo.out"

	// CountKey is the storage key holding the number of relayed events.
	CountKey = "echo.count"

	// SourceKey is added to every republished event.
	SourceKey = "echoed_from"
)

func init() {
	if err := plugin.Register(plugin.FactoryInfo{
		Entry:       Entry,
		Description: "Republishes one hook's events on another",
		Factory:     New,
	}); err != nil {
		panic(err)
	}
}

// Plugin relays events from one hook to another while enabled
type Plugin struct {
	from     string
	to       string
	priority hook.Priority
	logger   *zap.Logger
	sub      hook.Subscription
}

// New creates an unconfigured relay.
func New() (plugin.Plugin, error) {
	return &Plugin{}, nil
}

// Initialize reads the relay configuration from the bundle properties.
func (p *Plugin) Initialize(ctx *plugin.Context) error {
	props, _ := plugin.DataAs[map[string]string](ctx, plugin.PropertiesKey)
	p.from = valueOr(props, FromKey, DefaultFrom)
	p.to = valueOr(props, ToKey, DefaultTo)
	p.priority = hook.ParsePriority(props[PriorityKey])
	p.logger = ctx.Logger().Named("echo")

	if p.from == p.to {
		return fmt.Errorf("%s and %s must differ, both are %q", FromKey, ToKey, p.from)
	}
	return nil
}

// Enable starts relaying
func (p *Plugin) Enable(ctx *plugin.Context) error {
	sub, err := ctx.Subscribe(p.from, func(e *hook.Event) error {
		return p.relay(ctx, e)
	}, p.priority)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.from, err)
	}
	p.sub = sub
	p.logger.Info("Echo relay enabled", zap.String("from", p.from), zap.String("to", p.to))
	return nil
}

// Disable stops relaying
func (p *Plugin) Disable(ctx *plugin.Context) error {
	if p.sub != nil {
		ctx.Unsubscribe(p.sub)
		p.sub = nil
	}
	return nil
}

// Teardown flushes the relay count.
func (p *Plugin) Teardown(ctx *plugin.Context) error {
	if store := ctx.Storage(); store != nil {
		return store.Save()
	}
	return nil
}

func (p *Plugin) relay(ctx *plugin.Context, e *hook.Event) error {
	data := e.Data()
	data[SourceKey] = p.from
	ctx.Publish(p.to, data)

	if store := ctx.Storage(); store != nil {
		if err := store.Put(CountKey, store.GetInt(CountKey, 0)+1); err != nil {
			return fmt.Errorf("failed to record relay count: %w", err)
		}
	}
	return nil
}

func valueOr(props map[string]string, key, def string) string {
	if v := props[key]; v != "" {
		return v
	}
	return def
}
