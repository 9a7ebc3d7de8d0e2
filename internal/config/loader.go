package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"pluginhost/internal/storage"
)

// EnvPrefix prefixes every environment override, e.g. PLUGINHOST_WORKERS.
const EnvPrefix = "PLUGINHOST_"

// APIConfig represents the api section
type APIConfig struct {
	Port int `yaml:"port"`
}

// LogConfig represents the log section
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// StorageConfig represents the storage section
type StorageConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	KeepBackups   int           `yaml:"keep_backups"`
}

// Config represents the pluginhost.yaml structure
type Config struct {
	PluginsDir       string `yaml:"plugins_dir"`
	DataDir          string `yaml:"data_dir"`
	BackupDir        string `yaml:"backup_dir"`
	Workers          int    `yaml:"workers"`
	MaxBundleSize    int64  `yaml:"max_bundle_size"`
	MinFreeDisk      uint64 `yaml:"min_free_disk"`
	SubsystemEnabled bool   `yaml:"subsystem_enabled"`
	AutoLoad         bool   `yaml:"auto_load"`

	API     APIConfig     `yaml:"api"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
}

// Default returns a configuration that works out of the box in the current
// directory.
func Default() Config {
	return Config{
		PluginsDir:       "plugins",
		DataDir:          "data",
		Workers:          4,
		MaxBundleSize:    50 * 1024 * 1024,
		SubsystemEnabled: true,
		AutoLoad:         true,
		API:              APIConfig{Port: 8080},
		Log:              LogConfig{Level: "info"},
		Storage: StorageConfig{
			FlushInterval: storage.DefaultFlushInterval,
			KeepBackups:   5,
		},
	}
}

// Validate checks the configuration for values the host cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.PluginsDir) == "" {
		errs = append(errs, errors.New("plugins_dir cannot be empty"))
	}
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir cannot be empty"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.MaxBundleSize <= 0 {
		errs = append(errs, fmt.Errorf("max_bundle_size must be positive, got %d", c.MaxBundleSize))
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port out of range: %d", c.API.Port))
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Storage.FlushInterval < 0 {
		errs = append(errs, fmt.Errorf("storage.flush_interval cannot be negative"))
	}
	if c.Storage.KeepBackups < 0 {
		errs = append(errs, fmt.Errorf("storage.keep_backups cannot be negative"))
	}
	return errors.Join(errs...)
}

// Loader manages configuration file loading and reloading
type Loader struct {
	path   string
	logger *zap.Logger
	lookup func(string) (string, bool)

	mu     sync.RWMutex
	config *Config
}

// NewLoader creates a new configuration loader. An empty path skips the
// file and uses defaults plus environment overrides.
func NewLoader(path string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		path:   path,
		logger: logger.Named("config"),
		lookup: os.LookupEnv,
	}
}

// Load reads the file over the defaults, applies PLUGINHOST_* overrides and
// validates the result. A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		l.logger.Debug("Loading config", zap.String("path", l.path))
		data, err := os.ReadFile(l.path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
			l.logger.Warn("Config file not found, using defaults", zap.String("path", l.path))
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := l.applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	l.mu.Lock()
	l.config = &cfg
	l.mu.Unlock()

	l.logger.Info("Config loaded",
		zap.String("plugins_dir", cfg.PluginsDir),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("workers", cfg.Workers))
	return &cfg, nil
}

// Get returns the last successfully loaded configuration.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

func (l *Loader) applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := l.lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := l.lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := l.lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}

	str("PLUGINS_DIR", &cfg.PluginsDir)
	str("DATA_DIR", &cfg.DataDir)
	str("BACKUP_DIR", &cfg.BackupDir)
	str("LOG_LEVEL", &cfg.Log.Level)
	integer("WORKERS", &cfg.Workers)
	integer("API_PORT", &cfg.API.Port)
	integer("STORAGE_KEEP_BACKUPS", &cfg.Storage.KeepBackups)
	boolean("SUBSYSTEM_ENABLED", &cfg.SubsystemEnabled)
	boolean("AUTO_LOAD", &cfg.AutoLoad)
	boolean("LOG_DEVELOPMENT", &cfg.Log.Development)

	if v, ok := l.lookup(EnvPrefix + "MAX_BUNDLE_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMAX_BUNDLE_SIZE: %w", EnvPrefix, err))
		} else {
			cfg.MaxBundleSize = n
		}
	}
	if v, ok := l.lookup(EnvPrefix + "MIN_FREE_DISK"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMIN_FREE_DISK: %w", EnvPrefix, err))
		} else {
			cfg.MinFreeDisk = n
		}
	}
	if v, ok := l.lookup(EnvPrefix + "STORAGE_FLUSH_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSTORAGE_FLUSH_INTERVAL: %w", EnvPrefix, err))
		} else {
			cfg.Storage.FlushInterval = d
		}
	}
	return errors.Join(errs...)
}
