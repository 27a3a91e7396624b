package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/storagehub/internal/circuit"
	"github.com/objectfs/storagehub/internal/pool"
	"github.com/objectfs/storagehub/internal/upload"
	"github.com/objectfs/storagehub/pkg/retry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STORAGEHUB_"

// maxLinkTTL is the longest lifetime an S3 presigned URL may have.
const maxLinkTTL = 7 * 24 * time.Hour

// Configuration represents the complete application configuration
type Configuration struct {
	Global   GlobalConfig   `yaml:"global"`
	Store    StoreConfig    `yaml:"store"`
	Local    LocalConfig    `yaml:"local"`
	Pool     PoolConfig     `yaml:"pool"`
	Upload   UploadConfig   `yaml:"upload"`
	Network  NetworkConfig  `yaml:"network"`
	Registry RegistryConfig `yaml:"registry"`
	Links    LinksConfig    `yaml:"links"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	LogFile        string `yaml:"log_file"`
	ListenAddr     string `yaml:"listen_addr"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr"`
}

// StoreConfig selects where backend configurations and the active pointer live.
type StoreConfig struct {
	Driver string      `yaml:"driver"` // sqlite or mysql
	DSN    string      `yaml:"dsn"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig moves the active pointer to redis when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// LocalConfig describes the built-in filesystem backend.
type LocalConfig struct {
	Root           string `yaml:"root"`
	PublicBucket   string `yaml:"public_bucket"`
	PrivateBucket  string `yaml:"private_bucket"`
	UserInfoBucket string `yaml:"user_info_bucket"`
	ReservedPrefix string `yaml:"reserved_prefix"`
	LinkBaseURL    string `yaml:"link_base_url"`
	Threshold      string `yaml:"threshold"`
}

// PoolConfig mirrors pool.Config for the YAML file.
type PoolConfig struct {
	MaxTotal           int           `yaml:"max_total"`
	MinIdle            int           `yaml:"min_idle"`
	MaxIdle            int           `yaml:"max_idle"`
	ValidateOnBorrow   bool          `yaml:"validate_on_borrow"`
	ValidateOnReturn   bool          `yaml:"validate_on_return"`
	BlockWhenExhausted bool          `yaml:"block_when_exhausted"`
	MaxWait            time.Duration `yaml:"max_wait"`
	EvictionInterval   time.Duration `yaml:"eviction_interval"`
	MaxClientAge       time.Duration `yaml:"max_client_age"`
}

// UploadConfig represents chunked upload settings
type UploadConfig struct {
	MinPartSize  string        `yaml:"min_part_size"`
	MaxPartSize  string        `yaml:"max_part_size"`
	MaxParts     int           `yaml:"max_parts"`
	Workers      int           `yaml:"workers"`
	PartTimeout  time.Duration `yaml:"part_timeout"`
	AbortTimeout time.Duration `yaml:"abort_timeout"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TimeoutConfig represents timeout settings
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Request time.Duration `yaml:"request"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RegistryConfig tunes backend switching.
type RegistryConfig struct {
	RetireAfter     time.Duration `yaml:"retire_after"`
	ValidateTimeout time.Duration `yaml:"validate_timeout"`
}

// LinksConfig controls generated download and preview links.
type LinksConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:       "INFO",
			LogFormat:      "json",
			ListenAddr:     ":8080",
			MetricsEnabled: true,
			MetricsAddr:    ":9090",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "storagehub.db",
			Redis: RedisConfig{
				Key: "storagehub:active",
			},
		},
		Local: LocalConfig{
			Root:           "./data",
			PublicBucket:   "public",
			PrivateBucket:  "private",
			UserInfoBucket: "user-info",
			ReservedPrefix: "user-info",
			LinkBaseURL:    "http://localhost:8080/files",
			Threshold:      "5MiB",
		},
		Pool: PoolConfig{
			MaxTotal:           8,
			MinIdle:            0,
			MaxIdle:            8,
			ValidateOnBorrow:   true,
			BlockWhenExhausted: true,
			MaxWait:            30 * time.Second,
			EvictionInterval:   30 * time.Second,
			MaxClientAge:       30 * time.Minute,
		},
		Upload: UploadConfig{
			MinPartSize:  "5MiB",
			MaxPartSize:  "100MiB",
			MaxParts:     10000,
			PartTimeout:  5 * time.Minute,
			AbortTimeout: 30 * time.Second,
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Request: 60 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Registry: RegistryConfig{
			RetireAfter:     30 * time.Second,
			ValidateTimeout: 10 * time.Second,
		},
		Links: LinksConfig{
			TTL: 15 * time.Minute,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	str := func(name string, dst *string) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}
	integer := func(name string, dst *int) error {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
		return nil
	}

	// Global settings
	str("LOG_LEVEL", &c.Global.LogLevel)
	str("LOG_FORMAT", &c.Global.LogFormat)
	str("LOG_FILE", &c.Global.LogFile)
	str("LISTEN_ADDR", &c.Global.ListenAddr)
	str("METRICS_ADDR", &c.Global.MetricsAddr)
	if val := os.Getenv(EnvPrefix + "METRICS_ENABLED"); val != "" {
		c.Global.MetricsEnabled = strings.ToLower(val) == "true"
	}

	// Store settings
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("REDIS_ADDR", &c.Store.Redis.Addr)
	str("REDIS_PASSWORD", &c.Store.Redis.Password)

	// Local backend
	str("LOCAL_ROOT", &c.Local.Root)
	str("LOCAL_LINK_BASE_URL", &c.Local.LinkBaseURL)
	str("LOCAL_THRESHOLD", &c.Local.Threshold)

	if err := integer("POOL_MAX_TOTAL", &c.Pool.MaxTotal); err != nil {
		return err
	}
	if err := integer("UPLOAD_WORKERS", &c.Upload.Workers); err != nil {
		return err
	}
	if err := duration("LINK_TTL", &c.Links.TTL); err != nil {
		return err
	}
	if err := duration("RETIRE_AFTER", &c.Registry.RetireAfter); err != nil {
		return err
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	switch c.Store.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("invalid store driver: %q (must be sqlite or mysql)", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store dsn is required")
	}

	if c.Local.Root == "" {
		return fmt.Errorf("local root is required")
	}
	if c.Local.PublicBucket == "" || c.Local.PrivateBucket == "" || c.Local.UserInfoBucket == "" {
		return fmt.Errorf("local buckets must all be named")
	}
	if _, err := c.LocalThreshold(); err != nil {
		return err
	}

	if c.Pool.MaxTotal <= 0 {
		return fmt.Errorf("pool max_total must be greater than 0")
	}
	if c.Pool.MaxIdle > c.Pool.MaxTotal {
		return fmt.Errorf("pool max_idle (%d) exceeds max_total (%d)", c.Pool.MaxIdle, c.Pool.MaxTotal)
	}

	if _, err := c.UploadLimits(0); err != nil {
		return err
	}

	if c.Links.TTL <= 0 || c.Links.TTL > maxLinkTTL {
		return fmt.Errorf("links ttl must be between 1s and %s, got %s", maxLinkTTL, c.Links.TTL)
	}

	return nil
}

// LocalThreshold parses the local backend's upload threshold.
func (c *Configuration) LocalThreshold() (int64, error) {
	return parseSize("local.threshold", c.Local.Threshold)
}

// UploadLimits returns the part limits for a backend with the given threshold.
// A zero threshold keeps the engine default.
func (c *Configuration) UploadLimits(threshold int64) (upload.Limits, error) {
	minPart, err := parseSize("upload.min_part_size", c.Upload.MinPartSize)
	if err != nil {
		return upload.Limits{}, err
	}
	maxPart, err := parseSize("upload.max_part_size", c.Upload.MaxPartSize)
	if err != nil {
		return upload.Limits{}, err
	}
	if minPart > maxPart {
		return upload.Limits{}, fmt.Errorf("upload.min_part_size (%s) exceeds upload.max_part_size (%s)",
			humanize.IBytes(uint64(minPart)), humanize.IBytes(uint64(maxPart)))
	}
	if c.Upload.MaxParts <= 0 {
		return upload.Limits{}, fmt.Errorf("upload.max_parts must be greater than 0")
	}

	return upload.Limits{
		Threshold:   threshold,
		MinPartSize: minPart,
		MaxPartSize: maxPart,
		MaxParts:    c.Upload.MaxParts,
	}.Normalized(), nil
}

// UploadOptions returns engine options for one backend.
func (c *Configuration) UploadOptions(backend string, threshold int64) (upload.Options, error) {
	limits, err := c.UploadLimits(threshold)
	if err != nil {
		return upload.Options{}, err
	}
	return upload.Options{
		Backend:      backend,
		Limits:       limits,
		Workers:      c.Upload.Workers,
		PartTimeout:  c.Upload.PartTimeout,
		AbortTimeout: c.Upload.AbortTimeout,
	}, nil
}

// ClientPoolConfig converts the pool section.
func (c *Configuration) ClientPoolConfig() pool.Config {
	return pool.Config{
		MaxTotal:           c.Pool.MaxTotal,
		MinIdle:            c.Pool.MinIdle,
		MaxIdle:            c.Pool.MaxIdle,
		ValidateOnBorrow:   c.Pool.ValidateOnBorrow,
		ValidateOnReturn:   c.Pool.ValidateOnReturn,
		BlockWhenExhausted: c.Pool.BlockWhenExhausted,
		MaxWait:            c.Pool.MaxWait,
		EvictionInterval:   c.Pool.EvictionInterval,
	}
}

// RetryPolicy converts the retry section.
func (c *Configuration) RetryPolicy() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.Network.Retry.MaxAttempts
	cfg.InitialDelay = c.Network.Retry.BaseDelay
	cfg.MaxDelay = c.Network.Retry.MaxDelay
	return cfg
}

// BreakerConfig converts the circuit breaker section. ok is false when
// breaking is disabled.
func (c *Configuration) BreakerConfig() (cfg circuit.Config, ok bool) {
	if !c.Network.CircuitBreaker.Enabled {
		return circuit.Config{}, false
	}
	cfg = circuit.DefaultConfig()
	if n := c.Network.CircuitBreaker.FailureThreshold; n > 0 {
		cfg.ConsecutiveFailures = uint32(n)
	}
	cfg.Timeout = c.Network.CircuitBreaker.Timeout
	return cfg, true
}

func parseSize(field, value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return int64(n), nil
}
