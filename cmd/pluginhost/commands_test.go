package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pluginhost/internal/manager"
	"pluginhost/pkg/testutil"
)

type cli struct {
	root    string
	plugins string
	config  string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	root := t.TempDir()
	c := &cli{
		root:    root,
		plugins: filepath.Join(root, "plugins"),
		config:  filepath.Join(root, "pluginhost.yaml"),
	}
	testutil.WriteFile(t, root, "pluginhost.yaml",
		"plugins_dir: "+c.plugins+"\n"+
			"data_dir: "+filepath.Join(root, "data")+"\n"+
			"backup_dir: "+filepath.Join(root, "backups")+"\n"+
			"log:\n  level: error\n")
	return c
}

func (c *cli) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", c.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestInstallListAndToggle(t *testing.T) {
	c := newCLI(t)
	staged := testutil.WriteDeclarative(t, filepath.Join(c.root, "staging"), "weather", map[string]string{
		"name":        "weather",
		"version":     "1.2.0",
		"description": "Forecasts",
	})

	out, err := c.run(t, "install", staged)
	require.NoError(t, err)
	assert.Contains(t, out, "Installed weather 1.2.0 (declarative)")
	assert.FileExists(t, filepath.Join(c.plugins, "weather.conf"))

	out, err = c.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "weather")
	assert.Contains(t, out, "true")

	out, err = c.run(t, "disable", "weather")
	require.NoError(t, err)
	assert.Contains(t, out, "weather: enabled=false")

	// The preference persists into the next invocation.
	out, err = c.run(t, "search", "forecast")
	require.NoError(t, err)
	assert.Contains(t, out, "weather")
	assert.Contains(t, out, "false")

	out, err = c.run(t, "enable", "weather")
	require.NoError(t, err)
	assert.Contains(t, out, "weather: enabled=true")
}

func TestExportAndStats(t *testing.T) {
	c := newCLI(t)
	testutil.WriteDeclarative(t, c.plugins, "alpha", map[string]string{"name": "alpha"})
	testutil.WriteTheme(t, c.plugins, "dark", map[string]string{"name": "dark"})

	out, err := c.run(t, "export")
	require.NoError(t, err)
	var doc manager.Export
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Len(t, doc.Plugins, 2)

	path := filepath.Join(c.root, "out.json")
	out, err = c.run(t, "export", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 2 plugins")
	assert.FileExists(t, path)

	out, err = c.run(t, "stats")
	require.NoError(t, err)
	var stats manager.Statistics
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 2, stats.Available)
	assert.Equal(t, 1, stats.ByKind["theme"])
	assert.Zero(t, stats.Loaded)
}

func TestUninstall(t *testing.T) {
	c := newCLI(t)
	testutil.WriteDeclarative(t, c.plugins, "alpha", map[string]string{"name": "alpha"})

	out, err := c.run(t, "uninstall", "alpha")
	require.NoError(t, err)
	assert.Contains(t, out, "Uninstalled alpha")
	_, statErr := os.Stat(filepath.Join(c.plugins, "alpha.conf"))
	assert.True(t, os.IsNotExist(statErr))

	_, err = c.run(t, "uninstall", "alpha")
	assert.Error(t, err)
}

func TestCommandErrors(t *testing.T) {
	c := newCLI(t)

	_, err := c.run(t, "enable")
	assert.Error(t, err)

	_, err = c.run(t, "enable", "ghost")
	assert.Error(t, err)

	t.Setenv("PLUGINHOST_WORKERS", "0")
	_, err = c.run(t, "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")
}
