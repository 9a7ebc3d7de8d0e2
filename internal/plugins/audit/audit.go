// Package audit provides the builtin.audit host entry point. While enabled
// it appends every plugin lifecycle event, plus any extra hooks named in
// the "audit.hooks" property, as JSON lines to <logs>/audit.log.
package audit

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pluginhost/pkg/hook"
	"pluginhost/pkg/plugin"
)

const (
	// Entry is the factory name bundles reference.
	Entry = "builtin.audit"

	// FileName is created in the plugin's logs directory.
	FileName = "audit.log"

	// HooksKey lists extra hooks to record, comma separated.
	HooksKey = "audit.hooks"

	fileResource = "audit.file"
)

func init() {
	if err := plugin.Register(plugin.FactoryInfo{
		Entry:       Entry,
		Description: "Writes plugin lifecycle events to an audit log",
		Factory:     New,
	}); err != nil {
		panic(err)
	}
}

// Plugin records hook events to a JSON-lines file
type Plugin struct {
	hooks  []string
	path   string
	writer *zap.Logger
	subs   []hook.Subscription
}

// New creates an audit plugin.
func New() (plugin.Plugin, error) {
	return &Plugin{}, nil
}

// Path returns the audit file, once initialized.
func (p *Plugin) Path() string {
	return p.path
}

// Initialize opens the audit file as a context resource so it is closed
// when the plugin unloads.
func (p *Plugin) Initialize(ctx *plugin.Context) error {
	p.hooks = []string{hook.Lifecycle}
	if props, ok := plugin.DataAs[map[string]string](ctx, plugin.PropertiesKey); ok {
		p.hooks = append(p.hooks, plugin.SplitList(props[HooksKey])...)
	}

	p.path = filepath.Join(ctx.LogsDir(), FileName)
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	ctx.SetResource(fileResource, f)

	encoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "time",
		MessageKey:     "hook",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		LineEnding:     zapcore.DefaultLineEnding,
	})
	p.writer = zap.New(zapcore.NewCore(encoder, zapcore.AddSync(f), zapcore.InfoLevel))
	return nil
}

// Enable subscribes to the audited hooks at the lowest priority so every
// other listener has run first.
func (p *Plugin) Enable(ctx *plugin.Context) error {
	for _, name := range p.hooks {
		sub, err := ctx.Subscribe(name, p.record, hook.PriorityLowest)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", name, err)
		}
		p.subs = append(p.subs, sub)
	}
	ctx.Logger().Info("Audit log enabled", zap.String("path", p.path), zap.Strings("hooks", p.hooks))
	return nil
}

// Disable stops recording
func (p *Plugin) Disable(ctx *plugin.Context) error {
	for _, sub := range p.subs {
		ctx.Unsubscribe(sub)
	}
	p.subs = nil
	return nil
}

// Teardown flushes the writer; the file itself is a context resource.
func (p *Plugin) Teardown(ctx *plugin.Context) error {
	if p.writer != nil {
		_ = p.writer.Sync()
	}
	return nil
}

func (p *Plugin) record(e *hook.Event) error {
	fields := []zap.Field{zap.Bool("cancelled", e.Cancelled())}
	if src, ok := e.Source.(string); ok && src != "" {
		fields = append(fields, zap.String("source", src))
	}
	fields = append(fields, zap.Any("data", e.Data()))
	p.writer.Info(e.Name, fields...)
	return nil
}
