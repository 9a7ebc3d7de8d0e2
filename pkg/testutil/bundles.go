// Package testutil provides helpers for testing the plugin host: bundle
// writers for every bundle kind and a Manager harness over temp dirs.
package testutil

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Properties renders key=value lines in key order.
func Properties(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(props[k])
		b.WriteString("\n")
	}
	return b.String()
}

// Manifest renders "Key: value" lines in key order.
func Manifest(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k + ": " + attrs[k] + "\n")
	}
	return b.String()
}

// WriteFile writes content to dir/name and returns the path.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// WriteDeclarative writes a ".conf" bundle.
func WriteDeclarative(t testing.TB, dir, name string, props map[string]string) string {
	t.Helper()
	return WriteFile(t, dir, name+".conf", Properties(props))
}

// WriteTheme writes a ".theme" bundle.
func WriteTheme(t testing.TB, dir, name string, props map[string]string) string {
	t.Helper()
	return WriteFile(t, dir, name+".theme", Properties(props))
}

// WriteScript writes a ".lua" utility bundle.
func WriteScript(t testing.TB, dir, name, src string) string {
	t.Helper()
	return WriteFile(t, dir, name+".lua", src)
}

// WriteArchive writes a ".zip" bundle. A nil manifest omits
// META-INF/MANIFEST.MF.
func WriteArchive(t testing.TB, dir, name string, manifest map[string]string, files map[string]string) string {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if manifest != nil {
		w, err := zw.Create("META-INF/MANIFEST.MF")
		require.NoError(t, err)
		_, err = w.Write([]byte(Manifest(manifest)))
		require.NoError(t, err)
	}

	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[n]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return WriteFile(t, dir, name+".zip", buf.String())
}

// WriteNative writes a ".so" file with an ELF header and an embedded
// manifest block. It cannot be opened as a Go plugin; loading it exercises
// the host factory fallback.
func WriteNative(t testing.TB, dir, name string, manifest map[string]string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("\x7fELF\x02\x01\x01")
	b.WriteString(strings.Repeat("\x00", 57))
	b.WriteString("-----BEGIN PLUGIN MANIFEST-----\n")
	b.WriteString(Manifest(manifest))
	b.WriteString("-----END PLUGIN MANIFEST-----\n")
	return WriteFile(t, dir, name+".so", b.String())
}
