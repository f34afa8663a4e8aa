package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Store backend constants
const (
	BackendMemory = "memory" // In-process store, state lost on exit
	BackendNATS   = "nats"   // NATS JetStream KV (recommended for production)
)

// Config represents the complete motion runtime configuration.
type Config struct {
	Store   StoreConfig   `json:"store"`
	Engine  EngineConfig  `json:"engine"`
	HTTP    HTTPConfig    `json:"http"`
	Logging LoggingConfig `json:"logging"`
}

// StoreConfig selects and tunes the state store backend.
type StoreConfig struct {
	Backend       string        `json:"backend"`                  // "memory" or "nats"
	URL           string        `json:"url,omitempty"`            // NATS server URL
	BucketPrefix  string        `json:"bucket_prefix,omitempty"`  // KV bucket name prefix
	LockLease     time.Duration `json:"lock_lease,omitempty"`     // instance lock lease duration
	MaxReconnects int           `json:"max_reconnects,omitempty"` // -1 = retry forever
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
}

// EngineConfig tunes instance execution.
type EngineConfig struct {
	CacheTTL         time.Duration `json:"cache_ttl,omitempty"`  // default serve-result cache TTL
	LockWait         time.Duration `json:"lock_wait,omitempty"`  // max wait for an instance lock
	LocalCache       bool          `json:"local_cache"`          // in-process read-through cache layer
	MigrationWorkers int           `json:"migration_workers,omitempty"`
}

// HTTPConfig defines the service listener.
type HTTPConfig struct {
	ListenAddr        string        `json:"listen_addr"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout,omitempty"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout,omitempty"`
}

// LoggingConfig controls the slog handler built by cmd/motion.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or text
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.Store.URL == "" {
			return errors.New("store.url is required for the nats backend")
		}
		if c.Store.BucketPrefix == "" {
			return errors.New("store.bucket_prefix is required for the nats backend")
		}
		if !isValidBucketPrefix(c.Store.BucketPrefix) {
			return fmt.Errorf(
				"store.bucket_prefix %q is not a valid bucket name prefix (alphanumeric, dashes, underscores)",
				c.Store.BucketPrefix,
			)
		}
	case "":
		return errors.New("store.backend is required")
	default:
		return fmt.Errorf("unknown store.backend %q (must be %q or %q)", c.Store.Backend, BackendMemory, BackendNATS)
	}

	if c.Store.LockLease < 0 {
		return errors.New("store.lock_lease cannot be negative")
	}
	if c.Store.LockLease > 0 && c.Store.LockLease < time.Second {
		return errors.New("store.lock_lease must be at least 1s")
	}
	if c.Engine.CacheTTL < 0 {
		return errors.New("engine.cache_ttl cannot be negative")
	}
	if c.Engine.LockWait < 0 {
		return errors.New("engine.lock_wait cannot be negative")
	}
	if c.Engine.MigrationWorkers < 0 {
		return errors.New("engine.migration_workers cannot be negative")
	}

	if c.HTTP.ListenAddr == "" {
		return errors.New("http.listen_addr is required")
	}

	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format %q (must be \"json\" or \"text\")", c.Logging.Format)
	}

	return nil
}

// ParseLogLevel maps a config level string to a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid logging.level %q (must be debug, info, warn, or error)", level)
	}
}

// isValidBucketPrefix checks that a prefix is usable in a NATS KV bucket
// name. Valid characters are alphanumeric, dashes, and underscores.
func isValidBucketPrefix(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') &&
			r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// Loader handles configuration loading with layers and overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		layers:    []string{},
		envPrefix: "MOTION",
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers.
func (l *Loader) Load() (*Config, error) {
	cfg := l.getDefaults()

	for _, path := range l.layers {
		rawConfig, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = l.mergeFromMap(cfg, rawConfig)
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// getDefaults returns the default configuration.
func (l *Loader) getDefaults() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:       BackendMemory,
			URL:           "nats://localhost:4222",
			BucketPrefix:  "motion",
			LockLease:     10 * time.Second,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Engine: EngineConfig{
			CacheTTL:         24 * time.Hour,
			LockWait:         30 * time.Second,
			LocalCache:       true,
			MigrationWorkers: 4,
		},
		HTTP: HTTPConfig{
			ListenAddr:        ":8000",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadRawJSON loads configuration from a JSON file as a map.
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, err
	}

	l.parseDurations(rawConfig)

	return rawConfig, nil
}

// durationKeys lists the duration-valued fields per config section, so JSON
// files can carry "30s" instead of nanosecond integers.
var durationKeys = map[string][]string{
	"store":  {"lock_lease", "reconnect_wait"},
	"engine": {"cache_ttl", "lock_wait"},
	"http":   {"read_header_timeout", "shutdown_timeout"},
}

// parseDurations converts duration strings to nanoseconds for json
// unmarshaling.
func (l *Loader) parseDurations(data map[string]any) {
	for section, keys := range durationKeys {
		m, ok := data[section].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range keys {
			if s, ok := m[key].(string); ok {
				if d, err := parseDurationWithDays(s); err == nil {
					m[key] = d.Nanoseconds()
				}
			}
		}
	}
}

// parseDurationWithDays parses durations that may include days (e.g., "14d").
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days := strings.TrimSuffix(s, "d")
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map.
func (l *Loader) mergeFromMap(base *Config, override map[string]any) *Config {
	if override == nil {
		return base
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	mergedMap := l.deepMergeMaps(baseMap, override)

	mergedJSON, err := json.Marshal(mergedMap)
	if err != nil {
		return base
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return base
	}

	return &merged
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
func (l *Loader) deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any)

	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, baseOk := base[k].(map[string]any); baseOk {
			if overrideMap, overrideOk := v.(map[string]any); overrideOk {
				result[k] = l.deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}

	return result
}

// applyEnvOverrides applies environment variable overrides.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strVars := []struct {
		suffix string
		target *string
	}{
		{"_STORE_BACKEND", &cfg.Store.Backend},
		{"_STORE_URL", &cfg.Store.URL},
		{"_STORE_BUCKET_PREFIX", &cfg.Store.BucketPrefix},
		{"_HTTP_LISTEN_ADDR", &cfg.HTTP.ListenAddr},
		{"_LOG_LEVEL", &cfg.Logging.Level},
		{"_LOG_FORMAT", &cfg.Logging.Format},
	}
	for _, v := range strVars {
		key := l.envPrefix + v.suffix
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		if err := validateEnvVar(key, val); err != nil {
			return err
		}
		*v.target = val
	}

	durVars := []struct {
		suffix string
		target *time.Duration
	}{
		{"_STORE_LOCK_LEASE", &cfg.Store.LockLease},
		{"_ENGINE_CACHE_TTL", &cfg.Engine.CacheTTL},
		{"_ENGINE_LOCK_WAIT", &cfg.Engine.LockWait},
	}
	for _, v := range durVars {
		key := l.envPrefix + v.suffix
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		d, err := parseDurationWithDays(val)
		if err != nil {
			return fmt.Errorf("invalid duration in %s: %w", key, err)
		}
		*v.target = d
	}

	if val := os.Getenv(l.envPrefix + "_ENGINE_MIGRATION_WORKERS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid integer in %s_ENGINE_MIGRATION_WORKERS: %w", l.envPrefix, err)
		}
		cfg.Engine.MigrationWorkers = n
	}

	return nil
}

// SaveToFile saves the configuration to a JSON file.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// UnmarshalJSON implements custom unmarshaling so duration fields accept
// either nanosecond integers or Go duration strings.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		Store struct {
			Backend       string `json:"backend"`
			URL           string `json:"url,omitempty"`
			BucketPrefix  string `json:"bucket_prefix,omitempty"`
			LockLease     any    `json:"lock_lease,omitempty"`
			MaxReconnects int    `json:"max_reconnects,omitempty"`
			ReconnectWait any    `json:"reconnect_wait,omitempty"`
		} `json:"store"`
		Engine struct {
			CacheTTL         any  `json:"cache_ttl,omitempty"`
			LockWait         any  `json:"lock_wait,omitempty"`
			LocalCache       bool `json:"local_cache"`
			MigrationWorkers int  `json:"migration_workers,omitempty"`
		} `json:"engine"`
		HTTP struct {
			ListenAddr        string `json:"listen_addr"`
			ReadHeaderTimeout any    `json:"read_header_timeout,omitempty"`
			ShutdownTimeout   any    `json:"shutdown_timeout,omitempty"`
		} `json:"http"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	c.Store.Backend = aux.Store.Backend
	c.Store.URL = aux.Store.URL
	c.Store.BucketPrefix = aux.Store.BucketPrefix
	c.Store.MaxReconnects = aux.Store.MaxReconnects
	c.Engine.LocalCache = aux.Engine.LocalCache
	c.Engine.MigrationWorkers = aux.Engine.MigrationWorkers
	c.HTTP.ListenAddr = aux.HTTP.ListenAddr

	durations := []struct {
		raw    any
		target *time.Duration
		field  string
	}{
		{aux.Store.LockLease, &c.Store.LockLease, "store.lock_lease"},
		{aux.Store.ReconnectWait, &c.Store.ReconnectWait, "store.reconnect_wait"},
		{aux.Engine.CacheTTL, &c.Engine.CacheTTL, "engine.cache_ttl"},
		{aux.Engine.LockWait, &c.Engine.LockWait, "engine.lock_wait"},
		{aux.HTTP.ReadHeaderTimeout, &c.HTTP.ReadHeaderTimeout, "http.read_header_timeout"},
		{aux.HTTP.ShutdownTimeout, &c.HTTP.ShutdownTimeout, "http.shutdown_timeout"},
	}
	for _, d := range durations {
		switch v := d.raw.(type) {
		case nil:
		case string:
			parsed, err := parseDurationWithDays(v)
			if err != nil {
				return fmt.Errorf("%s: %w", d.field, err)
			}
			*d.target = parsed
		case float64:
			*d.target = time.Duration(v)
		default:
			return fmt.Errorf("%s: unsupported duration type %T", d.field, d.raw)
		}
	}

	return nil
}
