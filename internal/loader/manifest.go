package loader

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Manifest keys shared by archive, native and script bundles.
const (
	KeyID           = "Id"
	KeyName         = "Name"
	KeyVersion      = "Version"
	KeyMainEntry    = "Main-Entry"
	KeyAuthor       = "Author"
	KeyDescription  = "Description"
	KeyDependencies = "Dependencies"
	KeyPermissions  = "Permissions"
	KeyCategory     = "Category"
)

// Declarative and theme bundle keys.
var declarativeKeys = map[string]bool{
	"name":            true,
	"id":              true,
	"version":         true,
	"description":     true,
	"author":          true,
	"category":        true,
	"main_class":      true,
	"dependencies":    true,
	"permissions":     true,
	"load_actions":    true,
	"enable_actions":  true,
	"disable_actions": true,
	"unload_actions":  true,
}

const (
	archiveManifestPath = "META-INF/MANIFEST.MF"
	nativeManifestBegin = "-----BEGIN PLUGIN MANIFEST-----"
	nativeManifestEnd   = "-----END PLUGIN MANIFEST-----"
	scriptHeaderLines   = 20
)

// Attributes is a parsed manifest. Keys are matched case-insensitively.
type Attributes map[string]string

// Get returns the value of key, ignoring case.
func (a Attributes) Get(key string) string {
	if v, ok := a[key]; ok {
		return v
	}
	for k, v := range a {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// parseManifest reads "Key: value" lines. Lines starting with a single space
// continue the previous value, as in jar manifests.
func parseManifest(r io.Reader) Attributes {
	attrs := Attributes{}
	var last string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, " ") && last != "" {
			attrs[last] += strings.TrimPrefix(line, " ")
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		last = strings.TrimSpace(key)
		attrs[last] = strings.TrimSpace(value)
	}
	return attrs
}

// parseProperties reads flat key=value text. '#' and '!' start comments.
// Returns the attributes and the keys that were not recognized.
func parseProperties(r io.Reader) (Attributes, []string) {
	attrs := Attributes{}
	var unknown []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == '!' {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		attrs[key] = strings.TrimSpace(value)
		if !declarativeKeys[strings.ToLower(key)] {
			unknown = append(unknown, key)
		}
	}
	return attrs, unknown
}

// extractNativeManifest finds an embedded manifest block in a binary without
// loading it.
func extractNativeManifest(data []byte) (Attributes, bool) {
	start := bytes.Index(data, []byte(nativeManifestBegin))
	if start < 0 {
		return nil, false
	}
	rest := data[start+len(nativeManifestBegin):]
	end := bytes.Index(rest, []byte(nativeManifestEnd))
	if end < 0 {
		return nil, false
	}
	return parseManifest(bytes.NewReader(rest[:end])), true
}

// parseScriptHeader reads "-- @key value" comments from the first lines of a
// Lua script.
func parseScriptHeader(r io.Reader) Attributes {
	attrs := Attributes{}
	scanner := bufio.NewScanner(r)
	for n := 0; n < scriptHeaderLines && scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "--") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "--"))
		if !strings.HasPrefix(line, "@") {
			continue
		}
		key, value, _ := strings.Cut(line[1:], " ")
		if key == "" {
			continue
		}
		attrs[headerKey(key)] = strings.TrimSpace(value)
	}
	return attrs
}

// headerKey maps script header spellings like "main-entry" or "deps" onto
// manifest keys.
func headerKey(key string) string {
	switch strings.ToLower(key) {
	case "id":
		return KeyID
	case "name":
		return KeyName
	case "version":
		return KeyVersion
	case "main", "main-entry", "entry":
		return KeyMainEntry
	case "author":
		return KeyAuthor
	case "description", "desc":
		return KeyDescription
	case "dependencies", "deps", "depends":
		return KeyDependencies
	case "permissions":
		return KeyPermissions
	case "category":
		return KeyCategory
	default:
		return key
	}
}
