// Package storage persists each plugin's typed key-value record as one JSON
// file with timestamped backups.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"pluginhost/internal/clock"
	"pluginhost/internal/metrics"
)

// DefaultFlushInterval is the minimum spacing between automatic flushes.
const DefaultFlushInterval = time.Second

const (
	dataFileName  = "data.json"
	backupDirName = "backups"
	backupPrefix  = "backup_"
	backupTimeFmt = "20060102T150405.000000000"
	formatVersion = 1
)

var (
	// ErrUnsupportedType is returned by Put for values that are not a string,
	// bool, integer, float or nil.
	ErrUnsupportedType = errors.New("unsupported value type")

	// ErrBackupNotFound is returned when a restore names a missing backup.
	ErrBackupNotFound = errors.New("backup not found")
)

// Options configures stores created by a Provider.
type Options struct {
	Logger        *zap.Logger
	Clock         clock.Clock
	Metrics       *metrics.Metrics
	FlushInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.NewReal()
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	return o
}

// Store is one plugin's durable record. The file is read on first access and
// written back after mutations, at most once per flush interval. A mutation
// inside the interval marks the record dirty; it is written by the next
// mutation that falls outside the interval, or by Save or Close.
type Store struct {
	id     string
	dir    string
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	loaded    bool
	cache     map[string]any
	dirty     bool
	lastFlush time.Time
}

type record struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type document struct {
	Version int               `json:"version"`
	Plugin  string            `json:"plugin"`
	Records map[string]record `json:"records"`
}

// NewStore creates a store rooted at dir. Nothing is read until first use.
func NewStore(id, dir string, opts Options) *Store {
	opts = opts.withDefaults()
	return &Store{
		id:     id,
		dir:    dir,
		opts:   opts,
		logger: opts.Logger.Named("storage").With(zap.String("plugin", id)),
	}
}

// Path returns the record file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, dataFileName)
}

// BackupDir returns the directory holding backups.
func (s *Store) BackupDir() string {
	return filepath.Join(s.dir, backupDirName)
}

func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	values, err := readFile(s.Path())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if values == nil {
		values = make(map[string]any)
	}
	s.cache = values
	s.loaded = true
	return nil
}

// Get returns the raw value for key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		s.logger.Error("Failed to load storage", zap.Error(err))
		return nil, false
	}
	v, ok := s.cache[key]
	return v, ok
}

// GetString returns the string stored at key, or def.
func (s *Store) GetString(key, def string) string {
	if v, ok := s.Get(key); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return def
}

// GetBool returns the bool stored at key, or def.
func (s *Store) GetBool(key string, def bool) bool {
	if v, ok := s.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// GetInt returns the integer stored at key, or def.
func (s *Store) GetInt(key string, def int64) int64 {
	if v, ok := s.Get(key); ok {
		if i, ok := v.(int64); ok {
			return i
		}
	}
	return def
}

// GetFloat returns the number stored at key, or def. Integers are widened.
func (s *Store) GetFloat(key string, def float64) float64 {
	if v, ok := s.Get(key); ok {
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		}
	}
	return def
}

// Contains reports whether key is present. A stored null counts as present.
func (s *Store) Contains(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Keys returns all keys, sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil
	}
	keys := make([]string, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// All returns a copy of the record.
func (s *Store) All() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil
	}
	out := make(map[string]any, len(s.cache))
	for k, v := range s.cache {
		out[k] = v
	}
	return out
}

// Put stores a typed scalar under key.
func (s *Store) Put(key string, value any) error {
	normalized, err := normalize(value)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return s.mutate(func(cache map[string]any) {
		cache[key] = normalized
	})
}

// Remove deletes key.
func (s *Store) Remove(key string) error {
	return s.mutate(func(cache map[string]any) {
		delete(cache, key)
	})
}

// Clear deletes every key.
func (s *Store) Clear() error {
	return s.mutate(func(cache map[string]any) {
		for k := range cache {
			delete(cache, k)
		}
	})
}

func (s *Store) mutate(fn func(map[string]any)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	fn(s.cache)
	s.dirty = true

	if !s.lastFlush.IsZero() && s.opts.Clock.Since(s.lastFlush) < s.opts.FlushInterval {
		return nil
	}
	return s.flushLocked()
}

// Save writes pending changes immediately.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded || !s.dirty {
		return nil
	}
	return s.flushLocked()
}

// Dirty reports whether there are unwritten changes.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Close flushes pending changes and drops the in-memory cache. The next access
// reloads from disk.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded && s.dirty {
		if err := s.flushLocked(); err != nil {
			return err
		}
	}
	s.loaded = false
	s.cache = nil
	return nil
}

func (s *Store) flushLocked() error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := encode(buf, s.id, s.cache); err != nil {
		return fmt.Errorf("failed to encode storage for %s: %w", s.id, err)
	}

	write := func() error {
		return writeAtomic(s.Path(), buf.B)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	if err := backoff.Retry(write, backoff.WithMaxRetries(policy, 3)); err != nil {
		s.logger.Error("Failed to flush storage", zap.Error(err))
		return fmt.Errorf("failed to write storage for %s: %w", s.id, err)
	}

	s.dirty = false
	s.lastFlush = s.opts.Clock.Now()
	if s.opts.Metrics != nil {
		s.opts.Metrics.StorageFlushes.Inc()
	}
	s.logger.Debug("Storage flushed", zap.Int("keys", len(s.cache)))
	return nil
}

// Backup writes a timestamped copy of the current record and returns its path.
func (s *Store) Backup() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return "", err
	}
	if s.dirty || !fileExists(s.Path()) {
		if err := s.flushLocked(); err != nil {
			return "", err
		}
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		return "", fmt.Errorf("failed to read storage file: %w", err)
	}
	if err := os.MkdirAll(s.BackupDir(), 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}

	stamp := s.opts.Clock.Now().UTC().Format(backupTimeFmt)
	var path string
	for n := 0; ; n++ {
		path = filepath.Join(s.BackupDir(), fmt.Sprintf("%s%s-%03d.json", backupPrefix, stamp, n))
		if !fileExists(path) {
			break
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	s.logger.Info("Storage backup created", zap.String("path", path))
	return path, nil
}

// ListBackups returns backup file names, newest first.
func (s *Store) ListBackups() ([]string, error) {
	entries, err := os.ReadDir(s.BackupDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type backupFile struct {
		name string
		mod  time.Time
	}
	var files []backupFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, backupFile{name: e.Name(), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].name != files[j].name {
			return files[i].name > files[j].name
		}
		return files[i].mod.After(files[j].mod)
	})

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.name
	}
	return names, nil
}

// RestoreFromBackup replaces the record with a backup. name may be a bare
// file name inside the backup dir or a full path.
func (s *Store) RestoreFromBackup(name string) error {
	path := name
	if !filepath.IsAbs(name) && filepath.Base(name) == name {
		path = filepath.Join(s.BackupDir(), name)
	}
	if !fileExists(path) {
		return fmt.Errorf("%w: %s", ErrBackupNotFound, name)
	}

	values, err := readFile(path)
	if err != nil {
		return fmt.Errorf("failed to read backup %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = values
	s.loaded = true
	if err := s.flushLocked(); err != nil {
		return err
	}
	s.logger.Info("Storage restored from backup", zap.String("backup", name))
	return nil
}

// CleanupOldBackups keeps the newest keep backups and deletes the rest.
func (s *Store) CleanupOldBackups(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	names, err := s.ListBackups()
	if err != nil {
		return 0, err
	}
	if len(names) <= keep {
		return 0, nil
	}

	removed := 0
	var errs []error
	for _, name := range names[keep:] {
		if err := os.Remove(filepath.Join(s.BackupDir(), name)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func normalize(value any) (any, error) {
	switch v := value.(type) {
	case nil, string, bool, int64:
		return v, nil
	case float64:
		return finite(v, value)
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float32:
		return finite(float64(v), value)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, value)
	}
}

// finite rejects NaN and infinities, which the JSON record cannot hold.
func finite(f float64, value any) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, value)
	}
	return f, nil
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	default:
		return "null"
	}
}

func encode(buf *bytebufferpool.ByteBuffer, id string, values map[string]any) error {
	doc := document{
		Version: formatVersion,
		Plugin:  id,
		Records: make(map[string]record, len(values)),
	}
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		doc.Records[k] = record{Type: typeName(v), Value: raw}
	}
	enc := json.NewEncoder(buf)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func readFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	values := make(map[string]any, len(doc.Records))
	for k, r := range doc.Records {
		v, err := decodeRecord(r)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k, err)
		}
		values[k] = v
	}
	return values, nil
}

func decodeRecord(r record) (any, error) {
	switch r.Type {
	case "string":
		var s string
		err := json.Unmarshal(r.Value, &s)
		return s, err
	case "bool":
		var b bool
		err := json.Unmarshal(r.Value, &b)
		return b, err
	case "int":
		var i int64
		err := json.Unmarshal(r.Value, &i)
		return i, err
	case "float":
		var f float64
		err := json.Unmarshal(r.Value, &f)
		return f, err
	case "null":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown record type %q", r.Type)
	}
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
