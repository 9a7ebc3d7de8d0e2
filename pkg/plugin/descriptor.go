package plugin

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// BundleKind identifies how a bundle is packaged and instantiated.
type BundleKind int

const (
	// KindNative is a shared object opened with the Go plugin loader (.so).
	KindNative BundleKind = iota
	// KindBytecode is an archive of Lua modules run in its own arena (.zip).
	KindBytecode
	// KindDeclarative is a key=value file driven by action verbs (.conf).
	KindDeclarative
	// KindTheme is a key=value property set published on enable (.theme).
	KindTheme
	// KindUtility is a single Lua script run in its own arena (.lua).
	KindUtility
)

var kindNames = map[BundleKind]string{
	KindNative:      "native",
	KindBytecode:    "bytecode",
	KindDeclarative: "declarative",
	KindTheme:       "theme",
	KindUtility:     "utility",
}

// String returns a string representation of the kind.
func (k BundleKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the kind by name.
func (k BundleKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *BundleKind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown bundle kind %q", string(text))
}

// Descriptor is the metadata extracted from a bundle without executing it.
type Descriptor struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Version      string     `json:"version"`
	Author       string     `json:"author,omitempty"`
	Description  string     `json:"description,omitempty"`
	Category     string     `json:"category"`
	MainEntry    string     `json:"main_entry,omitempty"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Permissions  []string   `json:"permissions,omitempty"`
	Kind         BundleKind `json:"kind"`
	SourcePath   string     `json:"source_path"`
	SizeBytes    int64      `json:"size_bytes"`
	LastModified time.Time  `json:"last_modified"`

	// Disabled is set for bundles discovered with a .disabled suffix.
	Disabled bool `json:"disabled,omitempty"`
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	d.Dependencies = append([]string(nil), d.Dependencies...)
	d.Permissions = append([]string(nil), d.Permissions...)
	return d
}

// Matches reports whether query appears, case-insensitively, in the id, name,
// description, author or category.
func (d Descriptor) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	for _, field := range []string{d.ID, d.Name, d.Description, d.Author, d.Category} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

var unsafeIDChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// SanitizeID lowercases s and replaces anything outside [a-z0-9._-] with '_'.
// The result is safe to use as a single path element.
func SanitizeID(s string) string {
	id := unsafeIDChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_")
	id = strings.Trim(id, "._")
	if id == "" {
		return "plugin"
	}
	return id
}

// SplitList parses a comma-separated attribute into trimmed, non-empty items.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
