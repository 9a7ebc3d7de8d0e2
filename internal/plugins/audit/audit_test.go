package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pluginhost/pkg/plugin"
	"pluginhost/pkg/testutil"
)

type line struct {
	Time   string         `json:"time"`
	Hook   string         `json:"hook"`
	Source string         `json:"source"`
	Data   map[string]any `json:"data"`
}

func readLines(t *testing.T, path string) []line {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []line
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var l line
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &l), scanner.Text())
		out = append(out, l)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestRegisteredGlobally(t *testing.T) {
	_, ok := plugin.Lookup(Entry)
	assert.True(t, ok)
}

func TestAuditRecordsLifecycleAndExtraHooks(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t)
	h.RegisterFactory(t, Entry, New)

	testutil.WriteDeclarative(t, h.PluginsDir, "auditor", map[string]string{
		"name":       "auditor",
		"main_class": Entry,
		HooksKey:     "custom.hook, other.hook",
	})
	testutil.WriteDeclarative(t, h.PluginsDir, "alpha", map[string]string{"name": "alpha"})
	_, err := h.Manager.Discover(ctx)
	require.NoError(t, err)

	require.NoError(t, h.Manager.LoadPlugin(ctx, "auditor"))
	require.NoError(t, h.Manager.LoadPlugin(ctx, "alpha"))
	h.Manager.Bus().Publish("custom.hook", "test", map[string]any{"n": 1})
	require.NoError(t, h.Manager.UnloadPlugin(ctx, "alpha"))

	pctx, ok := h.Manager.Context("auditor")
	require.True(t, ok)
	path := filepath.Join(pctx.LogsDir(), FileName)
	assert.Contains(t, pctx.ResourceKeys(), fileResource)

	require.NoError(t, h.Manager.UnloadPlugin(ctx, "auditor"))

	var alphaStates []string
	var custom []line
	for _, l := range readLines(t, path) {
		assert.NotEmpty(t, l.Time)
		switch l.Hook {
		case "plugin.lifecycle":
			if l.Data["id"] == "alpha" {
				alphaStates = append(alphaStates, l.Data["state"].(string))
			}
		case "custom.hook":
			custom = append(custom, l)
		}
	}
	assert.Equal(t, []string{
		string(plugin.StateLoaded),
		string(plugin.StateEnabling),
		string(plugin.StateEnabled),
		string(plugin.StateDisabling),
		string(plugin.StateDisabled),
		string(plugin.StateUnloaded),
	}, alphaStates)
	require.Len(t, custom, 1)
	assert.Equal(t, "test", custom[0].Source)
	assert.EqualValues(t, 1, custom[0].Data["n"])

	// The log file outlives the plugin.
	assert.FileExists(t, path)
}

func TestAuditDisabledRecordsNothing(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t)
	h.RegisterFactory(t, Entry, New)

	testutil.WriteDeclarative(t, h.PluginsDir, "auditor", map[string]string{"name": "auditor", "main_class": Entry})
	_, err := h.Manager.Discover(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Manager.LoadPlugin(ctx, "auditor"))
	require.NoError(t, h.Manager.DisablePlugin(ctx, "auditor"))

	pctx, _ := h.Manager.Context("auditor")
	path := filepath.Join(pctx.LogsDir(), FileName)
	before := len(readLines(t, path))

	h.Manager.Bus().Publish("plugin.lifecycle", "x", map[string]any{"id": "x", "state": "LOADED"})
	assert.Len(t, readLines(t, path), before)
}
