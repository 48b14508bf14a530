package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigName is the per-directory configuration file.
	ProjectConfigName = ".docindex.yaml"

	// DataDirName holds the database, lock file and other local state.
	DataDirName = ".docindex"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "DOCINDEX_"
)

// Config is the complete docindex configuration.
type Config struct {
	Version  int            `yaml:"version"`
	Watch    WatchConfig    `yaml:"watch"`
	Store    StoreConfig    `yaml:"store"`
	Ranking  RankingConfig  `yaml:"ranking"`
	Fallback FallbackConfig `yaml:"fallback"`
	Server   ServerConfig   `yaml:"server"`
}

// WatchConfig controls which files are indexed and how changes are observed.
type WatchConfig struct {
	// Extensions lists recognized file extensions, including the dot.
	Extensions []string `yaml:"extensions"`
	// TempSuffixes marks editor and download artifacts that are never indexed.
	TempSuffixes []string `yaml:"temp_suffixes"`
	// Debounce is the quiet window after the last event before indexing.
	Debounce string `yaml:"debounce"`
	// Workers bounds concurrent index and remove tasks.
	Workers int `yaml:"workers"`
	// PollInterval is used when fsnotify is unavailable.
	PollInterval string `yaml:"poll_interval"`
	// MaxFileSize in bytes; larger files are rejected at index time.
	MaxFileSize int64 `yaml:"max_file_size"`
}

// StoreConfig selects and tunes the term store.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file, relative to the indexed root.
	Path string `yaml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN   string      `yaml:"dsn"`
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig bounds the retry loop around storage mutations.
type RetryConfig struct {
	Attempts     int    `yaml:"attempts"`
	InitialDelay string `yaml:"initial_delay"`
	MaxDelay     string `yaml:"max_delay"`
}

// RankingConfig holds BM25 parameters and result shaping.
type RankingConfig struct {
	K1 float64 `yaml:"k1"`
	B  float64 `yaml:"b"`
	// IDF is "classic", "floored" or "smoothed".
	IDF           string  `yaml:"idf"`
	IDFFloor      float64 `yaml:"idf_floor"`
	TopK          int     `yaml:"top_k"`
	PreviewLength int     `yaml:"preview_length"`
}

// FallbackConfig configures the generative answer used when nothing matches.
type FallbackConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Host        string  `yaml:"host"`
	Model       string  `yaml:"model"`
	Timeout     string  `yaml:"timeout"`
	Temperature float64 `yaml:"temperature"`
	TopK        int     `yaml:"top_k"`
	TopP        float64 `yaml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens"`
	// CacheSize is the in-process answer cache capacity (0 disables it).
	CacheSize int `yaml:"cache_size"`
	// RedisAddr, when set, shares cached answers through Redis.
	RedisAddr string `yaml:"redis_addr"`
	RedisTTL  string `yaml:"redis_ttl"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	LogLevel string `yaml:"log_level"`
	// MetricsAddr exposes /metrics when non-empty (e.g. ":9464").
	MetricsAddr string `yaml:"metrics_addr"`
}

// NewConfig creates a new Config with defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Watch: WatchConfig{
			Extensions:   []string{".txt"},
			TempSuffixes: []string{"~", ".tmp", ".swp", ".swx", ".part", ".crdownload"},
			Debounce:     "2s",
			Workers:      4,
			PollInterval: "5s",
			MaxFileSize:  10 * 1024 * 1024,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(DataDirName, "index.db"),
			Retry: RetryConfig{
				Attempts:     3,
				InitialDelay: "50ms",
				MaxDelay:     "1s",
			},
		},
		Ranking: RankingConfig{
			K1:            2.0,
			B:             0.75,
			IDF:           "floored",
			IDFFloor:      0.001,
			TopK:          10,
			PreviewLength: 200,
		},
		Fallback: FallbackConfig{
			Enabled:     true,
			Host:        "http://localhost:11434",
			Model:       "llama3.2",
			Timeout:     "60s",
			Temperature: 0.3,
			TopK:        40,
			TopP:        0.9,
			MaxTokens:   500,
			CacheSize:   256,
			RedisTTL:    "1h",
		},
		Server: ServerConfig{
			LogLevel: "info",
		},
	}
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/docindex/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/docindex/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "docindex", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "docindex", "config.yaml")
	}
	return filepath.Join(home, ".config", "docindex", "config.yaml")
}

// Load loads configuration for the index rooted at dir.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/docindex/config.yaml)
//  3. Project config (.docindex.yaml in dir)
//  4. Environment variables (DOCINDEX_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("load user config: %w", err)
		}
	}

	if projectPath := filepath.Join(dir, ProjectConfigName); fileExists(projectPath) {
		if err := cfg.loadYAML(projectPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadYAML overlays the keys present in path onto c. Keys absent from the
// file keep their current values, so explicit zeros and false are honored.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	// Decode into a copy so a type error leaves c untouched
	parsed := *c
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	*c = parsed
	return nil
}

// applyEnvOverrides applies DOCINDEX_* environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("DB_PATH", &c.Store.Path)
	str("DEBOUNCE", &c.Watch.Debounce)
	str("IDF", &c.Ranking.IDF)
	str("OLLAMA_HOST", &c.Fallback.Host)
	str("FALLBACK_MODEL", &c.Fallback.Model)
	str("REDIS_ADDR", &c.Fallback.RedisAddr)
	str("LOG_LEVEL", &c.Server.LogLevel)
	str("METRICS_ADDR", &c.Server.MetricsAddr)

	if v := os.Getenv(EnvPrefix + "EXTENSIONS"); v != "" {
		var exts []string
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				exts = append(exts, e)
			}
		}
		c.Watch.Extensions = exts
	}

	if v := os.Getenv(EnvPrefix + "FALLBACK_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sFALLBACK_ENABLED: %w", EnvPrefix, err)
		}
		c.Fallback.Enabled = enabled
	}

	floats := map[string]*float64{
		"BM25_K1": &c.Ranking.K1,
		"BM25_B":  &c.Ranking.B,
	}
	for name, dst := range floats {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = f
		}
	}

	if v := os.Getenv(EnvPrefix + "WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sWORKERS: %w", EnvPrefix, err)
		}
		c.Watch.Workers = n
	}

	return nil
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if len(c.Watch.Extensions) == 0 {
		return fmt.Errorf("watch.extensions must not be empty")
	}
	for _, ext := range c.Watch.Extensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return fmt.Errorf("watch.extensions entries must look like \".txt\", got %q", ext)
		}
	}
	debounce, err := parsePositiveDuration("watch.debounce", c.Watch.Debounce)
	if err != nil {
		return err
	}
	if debounce > time.Minute {
		return fmt.Errorf("watch.debounce must be at most 1m, got %s", c.Watch.Debounce)
	}
	if _, err := parsePositiveDuration("watch.poll_interval", c.Watch.PollInterval); err != nil {
		return err
	}
	if c.Watch.Workers < 1 {
		return fmt.Errorf("watch.workers must be at least 1, got %d", c.Watch.Workers)
	}
	if c.Watch.MaxFileSize <= 0 {
		return fmt.Errorf("watch.max_file_size must be positive, got %d", c.Watch.MaxFileSize)
	}

	switch strings.ToLower(c.Store.Driver) {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be 'sqlite' or 'postgres', got %s", c.Store.Driver)
	}
	if c.Store.Retry.Attempts < 1 {
		return fmt.Errorf("store.retry.attempts must be at least 1, got %d", c.Store.Retry.Attempts)
	}
	if _, err := parsePositiveDuration("store.retry.initial_delay", c.Store.Retry.InitialDelay); err != nil {
		return err
	}
	if _, err := parsePositiveDuration("store.retry.max_delay", c.Store.Retry.MaxDelay); err != nil {
		return err
	}

	if c.Ranking.K1 < 0 {
		return fmt.Errorf("ranking.k1 must be non-negative, got %f", c.Ranking.K1)
	}
	if c.Ranking.B < 0 || c.Ranking.B > 1 {
		return fmt.Errorf("ranking.b must be between 0 and 1, got %f", c.Ranking.B)
	}
	switch c.Ranking.IDF {
	case "classic", "smoothed":
	case "floored":
		if c.Ranking.IDFFloor <= 0 {
			return fmt.Errorf("ranking.idf_floor must be positive when idf is 'floored', got %f", c.Ranking.IDFFloor)
		}
	default:
		return fmt.Errorf("ranking.idf must be 'classic', 'floored' or 'smoothed', got %s", c.Ranking.IDF)
	}
	if c.Ranking.TopK < 1 {
		return fmt.Errorf("ranking.top_k must be at least 1, got %d", c.Ranking.TopK)
	}
	if c.Ranking.PreviewLength < 0 {
		return fmt.Errorf("ranking.preview_length must be non-negative, got %d", c.Ranking.PreviewLength)
	}

	if c.Fallback.Enabled {
		if c.Fallback.Host == "" || c.Fallback.Model == "" {
			return fmt.Errorf("fallback.host and fallback.model are required when fallback is enabled")
		}
		if _, err := parsePositiveDuration("fallback.timeout", c.Fallback.Timeout); err != nil {
			return err
		}
		if c.Fallback.Temperature < 0 || c.Fallback.Temperature > 2 {
			return fmt.Errorf("fallback.temperature must be between 0 and 2, got %f", c.Fallback.Temperature)
		}
		if c.Fallback.TopP <= 0 || c.Fallback.TopP > 1 {
			return fmt.Errorf("fallback.top_p must be in (0, 1], got %f", c.Fallback.TopP)
		}
		if c.Fallback.CacheSize < 0 {
			return fmt.Errorf("fallback.cache_size must be non-negative, got %d", c.Fallback.CacheSize)
		}
		if c.Fallback.RedisAddr != "" {
			if _, err := parsePositiveDuration("fallback.redis_ttl", c.Fallback.RedisTTL); err != nil {
				return err
			}
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

// DebounceDuration returns the parsed watch.debounce.
func (c *Config) DebounceDuration() time.Duration {
	return mustDuration(c.Watch.Debounce, 2*time.Second)
}

// PollIntervalDuration returns the parsed watch.poll_interval.
func (c *Config) PollIntervalDuration() time.Duration {
	return mustDuration(c.Watch.PollInterval, 5*time.Second)
}

// FallbackTimeout returns the parsed fallback.timeout.
func (c *Config) FallbackTimeout() time.Duration {
	return mustDuration(c.Fallback.Timeout, 60*time.Second)
}

// RedisTTL returns the parsed fallback.redis_ttl.
func (c *Config) RedisTTL() time.Duration {
	return mustDuration(c.Fallback.RedisTTL, time.Hour)
}

// RetryDelays returns the parsed store retry delays.
func (c *Config) RetryDelays() (initial, max time.Duration) {
	return mustDuration(c.Store.Retry.InitialDelay, 50*time.Millisecond),
		mustDuration(c.Store.Retry.MaxDelay, time.Second)
}

// DatabasePath resolves store.path against the indexed root.
func (c *Config) DatabasePath(root string) string {
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(root, c.Store.Path)
}

// DataDir returns the directory holding local state for root.
func (c *Config) DataDir(root string) string {
	if c.Store.Driver == "sqlite" {
		return filepath.Dir(c.DatabasePath(root))
	}
	return filepath.Join(root, DataDirName)
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// FindIndexRoot walks up from startDir looking for a directory that holds a
// .docindex.yaml file or a .docindex data directory. It returns the absolute
// startDir when neither is found.
func FindIndexRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}

	current := absDir
	for {
		if fileExists(filepath.Join(current, ProjectConfigName)) ||
			dirExists(filepath.Join(current, DataDirName)) {
			return current, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return absDir, nil
		}
		current = parent
	}
}

func parsePositiveDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return d, nil
}

// mustDuration parses a duration already checked by Validate.
func mustDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
