// Package loader inspects plugin bundles and instantiates their entry points.
//
// Five bundle kinds are supported, one per file extension:
//
//	.so     native      Go plugin opened with the standard plugin package
//	.zip    bytecode    archive of Lua modules run in an isolated arena
//	.conf   declarative key=value file driven by action verbs
//	.theme  theme       key=value property set published on enable
//	.lua    utility     single Lua script run in an isolated arena
//
// Any of them may carry an extra ".disabled" suffix.
package loader

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"pluginhost/pkg/plugin"
)

// DefaultMaxBundleSize is the size ceiling applied by Validate.
const DefaultMaxBundleSize int64 = 50 * 1024 * 1024

// DisabledSuffix marks a bundle as inactive.
const DisabledSuffix = ".disabled"

const (
	defaultVersion  = "1.0.0"
	defaultCategory = "General"

	// DefaultNativeSymbol is looked up in native bundles without a Main-Entry.
	DefaultNativeSymbol = "NewPlugin"
)

var (
	// ErrUnsupportedBundle is returned for files with an unknown extension.
	ErrUnsupportedBundle = errors.New("unsupported bundle type")

	// ErrNoEntryPoint is returned when an archive has no module that looks
	// like a plugin entry point.
	ErrNoEntryPoint = errors.New("no entry point")
)

var extensionKinds = map[string]plugin.BundleKind{
	".so":    plugin.KindNative,
	".zip":   plugin.KindBytecode,
	".conf":  plugin.KindDeclarative,
	".theme": plugin.KindTheme,
	".lua":   plugin.KindUtility,
}

// Extensions returns the accepted bundle extensions.
func Extensions() []string {
	return []string{".so", ".zip", ".conf", ".theme", ".lua"}
}

// KindForPath maps a file name onto its bundle kind. disabled reports a
// trailing ".disabled" suffix.
func KindForPath(p string) (kind plugin.BundleKind, disabled bool, ok bool) {
	name := strings.ToLower(filepath.Base(p))
	if strings.HasSuffix(name, DisabledSuffix) {
		disabled = true
		name = strings.TrimSuffix(name, DisabledSuffix)
	}
	kind, ok = extensionKinds[filepath.Ext(name)]
	return kind, disabled, ok
}

// baseName strips the directory, the ".disabled" suffix and the extension.
func baseName(p string) string {
	name := filepath.Base(p)
	if strings.HasSuffix(strings.ToLower(name), DisabledSuffix) {
		name = name[:len(name)-len(DisabledSuffix)]
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// ValidationResult is the structured outcome of Validate. Validation
// problems are reported here rather than as errors.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Message  string   `json:"message"`
	Warnings []string `json:"warnings,omitempty"`
}

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{Valid: false, Message: fmt.Sprintf(format, args...)}
}

// Loader analyzes, validates and loads bundles.
type Loader struct {
	logger        *zap.Logger
	factories     *plugin.FactoryRegistry
	maxBundleSize int64
}

// Option configures a Loader.
type Option func(*Loader)

// WithMaxBundleSize overrides the size ceiling.
func WithMaxBundleSize(n int64) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxBundleSize = n
		}
	}
}

// WithFactories sets the host-scope factory registry used as the fallback
// for entry points. Defaults to the global registry.
func WithFactories(r *plugin.FactoryRegistry) Option {
	return func(l *Loader) {
		l.factories = r
	}
}

// New creates a Loader.
func New(logger *zap.Logger, opts ...Option) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{
		logger:        logger.Named("loader"),
		factories:     plugin.Global(),
		maxBundleSize: DefaultMaxBundleSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MaxBundleSize returns the configured ceiling.
func (l *Loader) MaxBundleSize() int64 {
	return l.maxBundleSize
}

// Analyze extracts a descriptor from a bundle without executing it.
func (l *Loader) Analyze(path string) (plugin.Descriptor, error) {
	kind, disabled, ok := KindForPath(path)
	if !ok {
		return plugin.Descriptor{}, fmt.Errorf("%w: %s", ErrUnsupportedBundle, filepath.Base(path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return plugin.Descriptor{}, fmt.Errorf("failed to stat bundle: %w", err)
	}

	var attrs Attributes
	switch kind {
	case plugin.KindNative:
		attrs, err = analyzeNative(path)
	case plugin.KindBytecode:
		attrs, err = analyzeArchive(path)
	case plugin.KindDeclarative, plugin.KindTheme:
		attrs, err = analyzeProperties(path)
	case plugin.KindUtility:
		attrs, err = analyzeScript(path)
	}
	if err != nil {
		return plugin.Descriptor{}, err
	}

	desc := plugin.Descriptor{
		Name:         attrs.Get(KeyName),
		ID:           attrs.Get(KeyID),
		Version:      attrs.Get(KeyVersion),
		Author:       attrs.Get(KeyAuthor),
		Description:  attrs.Get(KeyDescription),
		Category:     attrs.Get(KeyCategory),
		MainEntry:    attrs.Get(KeyMainEntry),
		Dependencies: dependencyIDs(attrs.Get(KeyDependencies)),
		Permissions:  plugin.SplitList(attrs.Get(KeyPermissions)),
		Kind:         kind,
		SourcePath:   path,
		SizeBytes:    info.Size(),
		LastModified: info.ModTime(),
		Disabled:     disabled,
	}
	if desc.Name == "" {
		desc.Name = baseName(path)
	}
	if desc.ID == "" {
		desc.ID = plugin.SanitizeID(desc.Name)
	} else {
		desc.ID = plugin.SanitizeID(desc.ID)
	}
	if desc.Version == "" {
		desc.Version = defaultVersion
	}
	if desc.Category == "" {
		desc.Category = defaultCategory
	}
	if kind == plugin.KindNative && desc.MainEntry == "" {
		desc.MainEntry = DefaultNativeSymbol
	}

	l.logger.Debug("Bundle analyzed",
		zap.String("path", path),
		zap.String("plugin", desc.ID),
		zap.Stringer("kind", kind),
		zap.String("entry", desc.MainEntry))
	return desc, nil
}

// dependencyIDs sanitizes each listed dependency the way ids are derived,
// so a dependency may be named by its plugin name.
func dependencyIDs(list string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, dep := range plugin.SplitList(list) {
		id := plugin.SanitizeID(dep)
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func analyzeNative(path string) (Attributes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	attrs, _ := extractNativeManifest(data)
	if attrs == nil {
		attrs = Attributes{}
	}
	return attrs, nil
}

func analyzeArchive(path string) (Attributes, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	attrs := Attributes{}
	sources := make(map[string]string)
	for _, f := range zr.File {
		switch {
		case strings.EqualFold(f.Name, archiveManifestPath):
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to read manifest: %w", err)
			}
			attrs = parseManifest(rc)
			rc.Close()
		case strings.HasSuffix(strings.ToLower(f.Name), ".lua") && !f.FileInfo().IsDir():
			src, err := readZipFile(f)
			if err != nil {
				return nil, err
			}
			sources[f.Name] = src
		}
	}

	if attrs.Get(KeyMainEntry) == "" {
		entry, ok := findEntryPoint(sources)
		if !ok {
			return nil, fmt.Errorf("%w in %s", ErrNoEntryPoint, filepath.Base(path))
		}
		attrs[KeyMainEntry] = entry
	}
	return attrs, nil
}

func analyzeProperties(path string) (Attributes, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	defer f.Close()

	props, _ := parseProperties(f)
	attrs := Attributes{
		KeyName:         props.Get("name"),
		KeyID:           props.Get("id"),
		KeyVersion:      props.Get("version"),
		KeyDescription:  props.Get("description"),
		KeyAuthor:       props.Get("author"),
		KeyCategory:     props.Get("category"),
		KeyMainEntry:    props.Get("main_class"),
		KeyDependencies: props.Get("dependencies"),
		KeyPermissions:  props.Get("permissions"),
	}
	return attrs, nil
}

func analyzeScript(path string) (Attributes, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	defer f.Close()
	return parseScriptHeader(f), nil
}

func readZipFile(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	return string(data), nil
}

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	elfMagic      = []byte("\x7fELF")
	machoMagics   = [][]byte{
		{0xfe, 0xed, 0xfa, 0xce},
		{0xfe, 0xed, 0xfa, 0xcf},
		{0xce, 0xfa, 0xed, 0xfe},
		{0xcf, 0xfa, 0xed, 0xfe},
	}
)

// Validate checks that a bundle exists, is non-empty, is under the size
// ceiling and is structurally sound for its kind.
func (l *Loader) Validate(path string) ValidationResult {
	kind, _, ok := KindForPath(path)
	if !ok {
		return invalid("unsupported bundle type: %s", filepath.Base(path))
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return invalid("bundle does not exist: %s", path)
		}
		return invalid("cannot stat bundle: %v", err)
	}
	if info.IsDir() {
		return invalid("bundle is a directory: %s", path)
	}
	if info.Size() == 0 {
		return invalid("bundle is empty: %s", filepath.Base(path))
	}
	if info.Size() > l.maxBundleSize {
		return invalid("bundle too large: %d bytes exceeds %d", info.Size(), l.maxBundleSize)
	}

	var result ValidationResult
	switch kind {
	case plugin.KindNative:
		result = validateNative(path)
	case plugin.KindBytecode:
		result = validateArchive(path)
	case plugin.KindDeclarative, plugin.KindTheme:
		result = validateProperties(path, kind)
	case plugin.KindUtility:
		result = validateScript(path)
	}

	if !result.Valid {
		l.logger.Warn("Bundle failed validation", zap.String("path", path), zap.String("reason", result.Message))
	}
	return result
}

func readHeader(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return buf[:read], nil
}

func validateNative(path string) ValidationResult {
	header, err := readHeader(path, 4)
	if err != nil {
		return invalid("cannot read bundle: %v", err)
	}
	if bytes.Equal(header, elfMagic) {
		return ValidationResult{Valid: true, Message: "native bundle (ELF)"}
	}
	for _, magic := range machoMagics {
		if bytes.Equal(header, magic) {
			return ValidationResult{Valid: true, Message: "native bundle (Mach-O)"}
		}
	}
	return invalid("not a native shared object: bad magic bytes")
}

func validateArchive(path string) ValidationResult {
	header, err := readHeader(path, 4)
	if err != nil {
		return invalid("cannot read bundle: %v", err)
	}
	if bytes.Equal(header, zipEmptyMagic) {
		return invalid("archive is empty")
	}
	if !bytes.Equal(header, zipMagic) {
		return invalid("not a valid archive: bad signature")
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return invalid("corrupt archive: %v", err)
	}
	defer zr.Close()

	result := ValidationResult{Valid: true, Message: "archive bundle"}
	hasManifest, hasSource := false, false
	for _, f := range zr.File {
		if strings.EqualFold(f.Name, archiveManifestPath) {
			hasManifest = true
		}
		if strings.HasSuffix(strings.ToLower(f.Name), ".lua") {
			hasSource = true
		}
	}
	if !hasManifest {
		result.Warnings = append(result.Warnings, "archive has no "+archiveManifestPath+"; defaults will be derived")
	}
	if !hasSource {
		result.Warnings = append(result.Warnings, "archive contains no Lua modules")
	}
	return result
}

func validateProperties(path string, kind plugin.BundleKind) ValidationResult {
	f, err := os.Open(path)
	if err != nil {
		return invalid("cannot read bundle: %v", err)
	}
	defer f.Close()

	attrs, unknown := parseProperties(f)
	recognized := 0
	for key := range attrs {
		if declarativeKeys[strings.ToLower(key)] {
			recognized++
		}
	}
	if recognized == 0 {
		return invalid("no recognized keys in %s bundle", kind)
	}

	result := ValidationResult{Valid: true, Message: kind.String() + " bundle"}
	if attrs.Get("name") == "" {
		result.Warnings = append(result.Warnings, "missing name; the file name will be used")
	}
	if kind == plugin.KindDeclarative {
		for _, key := range unknown {
			result.Warnings = append(result.Warnings, "unrecognized key: "+key)
		}
	}
	return result
}

func validateScript(path string) ValidationResult {
	f, err := os.Open(path)
	if err != nil {
		return invalid("cannot read bundle: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return invalid("cannot read bundle: %v", err)
	}
	if _, err := parse.Parse(bytes.NewReader(data), filepath.Base(path)); err != nil {
		return invalid("script does not compile: %v", err)
	}

	result := ValidationResult{Valid: true, Message: "utility script"}
	if len(parseScriptHeader(bytes.NewReader(data))) == 0 {
		result.Warnings = append(result.Warnings, "script has no @name header; defaults will be derived")
	}
	return result
}

// Load instantiates the plugin described by desc for ctx.
func (l *Loader) Load(desc plugin.Descriptor, ctx *plugin.Context) (plugin.Plugin, error) {
	if ctx == nil {
		return nil, fmt.Errorf("plugin %s: nil context", desc.ID)
	}

	var (
		p   plugin.Plugin
		err error
	)
	switch desc.Kind {
	case plugin.KindNative:
		p, err = l.loadNative(desc)
	case plugin.KindBytecode:
		p, err = l.loadArchive(desc, ctx)
	case plugin.KindDeclarative:
		p, err = l.loadDeclarative(desc)
	case plugin.KindTheme:
		p, err = l.loadTheme(desc)
	case plugin.KindUtility:
		p, err = l.loadScript(desc, ctx)
	default:
		err = fmt.Errorf("%w: kind %d", ErrUnsupportedBundle, desc.Kind)
	}
	if err != nil {
		return nil, err
	}

	l.logger.Info("Plugin instantiated",
		zap.String("plugin", desc.ID),
		zap.Stringer("kind", desc.Kind),
		zap.String("entry", desc.MainEntry))
	return p, nil
}

// fromHost resolves an entry point against the host factory registry.
func (l *Loader) fromHost(entry string) (plugin.Plugin, error) {
	if entry == "" || l.factories == nil {
		return nil, fmt.Errorf("%w: %q", plugin.ErrEntryNotFound, entry)
	}
	return l.factories.Create(entry)
}
