// Package config loads the runtime configuration from a YAML file, a .env
// file and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"mesh_mapper/internal/logging"
	"mesh_mapper/internal/registry"
	"mesh_mapper/internal/relay"
	"mesh_mapper/internal/storage"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full runtime configuration.
type Config struct {
	Serial   []SerialFeed   `yaml:"serial"`
	NATS     NATSFeed       `yaml:"nats"`
	Detect   DetectConfig   `yaml:"detections"`
	SQLite   string         `yaml:"sqlite_path"`
	Registry RegistryConfig `yaml:"registry"`
	Relay    relay.Config   `yaml:"relay"`
	API      APIConfig      `yaml:"api"`
	History  HistoryConfig  `yaml:"history"`
	Log      logging.Config `yaml:"log"`
}

// SerialFeed is one serial-attached receiver.
type SerialFeed struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud"`
}

// NATSFeed is the pub/sub network feed. An empty URL disables it.
type NATSFeed struct {
	URL     string        `yaml:"url"`
	Subject string        `yaml:"subject"`
	Timeout time.Duration `yaml:"timeout"`
}

// DetectConfig controls the detection store and housekeeping.
type DetectConfig struct {
	StaleAfter     time.Duration `yaml:"stale_after"`
	MaxHistory     int           `yaml:"max_history"`
	EvictInterval  time.Duration `yaml:"evict_interval"`
	StatusInterval time.Duration `yaml:"status_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// RegistryConfig configures the live registry client.
type RegistryConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

// Client returns the registry client settings.
func (r RegistryConfig) Client() registry.ClientConfig {
	return registry.ClientConfig{
		BaseURL:        r.BaseURL,
		Timeout:        r.Timeout,
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: r.InitialBackoff,
	}
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Port        int      `yaml:"port"`
	AuthEnabled bool     `yaml:"auth"`
	APIKeys     []string `yaml:"api_keys"`
}

// HistoryConfig selects the optional history databases.
type HistoryConfig struct {
	Postgres   PostgresSink       `yaml:"postgres"`
	ClickHouse ClickHouseSink     `yaml:"clickhouse"`
	Sink       storage.SinkConfig `yaml:"sink"`
}

type PostgresSink struct {
	Enabled                bool `yaml:"enabled"`
	storage.PostgresConfig `yaml:",inline"`
}

type ClickHouseSink struct {
	Enabled                  bool `yaml:"enabled"`
	storage.ClickHouseConfig `yaml:",inline"`
}

// Storage returns the storage configuration with disabled sinks left nil.
func (h HistoryConfig) Storage() storage.Config {
	cfg := storage.Config{Sink: h.Sink}
	if h.Postgres.Enabled {
		pg := h.Postgres.PostgresConfig
		cfg.Postgres = &pg
	}
	if h.ClickHouse.Enabled {
		ch := h.ClickHouse.ClickHouseConfig
		cfg.ClickHouse = &ch
	}
	return cfg
}

// Default returns the built-in configuration.
func Default() Config {
	rc := registry.DefaultClientConfig()
	return Config{
		Detect: DetectConfig{
			StaleAfter:     60 * time.Second,
			MaxHistory:     10000,
			EvictInterval:  5 * time.Second,
			StatusInterval: 30 * time.Second,
			ReconnectDelay: time.Second,
		},
		NATS:   NATSFeed{Subject: "mesh.detections", Timeout: 5 * time.Second},
		SQLite: "mesh_mapper.db",
		Registry: RegistryConfig{
			BaseURL:        rc.BaseURL,
			Timeout:        rc.Timeout,
			MaxAttempts:    rc.MaxAttempts,
			InitialBackoff: rc.InitialBackoff,
		},
		Relay: relay.DefaultConfig(),
		API:   APIConfig{Port: 5000},
		History: HistoryConfig{
			Postgres:   PostgresSink{PostgresConfig: storage.DefaultPostgresConfig()},
			ClickHouse: ClickHouseSink{ClickHouseConfig: storage.DefaultClickHouseConfig()},
			Sink:       storage.DefaultSinkConfig(),
		},
		Log: logging.Config{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment without overriding variables already set. Missing files are
// ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MESH_SERIAL_PORTS"); v != "" {
		baud := envOrDefaultInt("MESH_SERIAL_BAUD", 115200)
		c.Serial = nil
		for _, p := range splitList(v) {
			c.Serial = append(c.Serial, SerialFeed{Port: p, BaudRate: baud})
		}
	}
	c.NATS.URL = envOrDefault("MESH_NATS_URL", c.NATS.URL)
	c.NATS.Subject = envOrDefault("MESH_NATS_SUBJECT", c.NATS.Subject)

	c.Detect.StaleAfter = envOrDefaultDuration("MESH_STALE_AFTER", c.Detect.StaleAfter)
	c.Detect.MaxHistory = envOrDefaultInt("MESH_MAX_HISTORY", c.Detect.MaxHistory)
	c.Detect.StatusInterval = envOrDefaultDuration("MESH_STATUS_INTERVAL", c.Detect.StatusInterval)
	c.SQLite = envOrDefault("MESH_SQLITE_PATH", c.SQLite)

	c.Registry.BaseURL = envOrDefault("MESH_REGISTRY_URL", c.Registry.BaseURL)
	c.Registry.Timeout = envOrDefaultDuration("MESH_REGISTRY_TIMEOUT", c.Registry.Timeout)

	c.Relay.Enabled = envOrDefaultBool("MESH_RELAY_ENABLED", c.Relay.Enabled)
	c.Relay.Mode = envOrDefault("MESH_RELAY_MODE", c.Relay.Mode)
	c.Relay.Host = envOrDefault("MESH_RELAY_HOST", c.Relay.Host)
	c.Relay.Port = envOrDefaultInt("MESH_RELAY_PORT", c.Relay.Port)
	c.Relay.Interface = envOrDefault("MESH_RELAY_INTERFACE", c.Relay.Interface)
	c.Relay.BundlePath = envOrDefault("MESH_RELAY_BUNDLE", c.Relay.BundlePath)
	c.Relay.BundlePassword = envOrDefault("MESH_RELAY_BUNDLE_PASSWORD", c.Relay.BundlePassword)
	c.Relay.SkipVerify = envOrDefaultBool("MESH_RELAY_SKIP_VERIFY", c.Relay.SkipVerify)

	c.API.Port = envOrDefaultInt("MESH_API_PORT", c.API.Port)
	c.API.AuthEnabled = envOrDefaultBool("MESH_API_AUTH", c.API.AuthEnabled)
	if v := os.Getenv("MESH_API_KEYS"); v != "" {
		c.API.APIKeys = splitList(v)
	}

	pg := &c.History.Postgres
	pg.Enabled = envOrDefaultBool("POSTGRES_ENABLED", pg.Enabled)
	pg.Host = envOrDefault("POSTGRES_HOST", pg.Host)
	pg.Port = envOrDefaultInt("POSTGRES_PORT", pg.Port)
	pg.Database = envOrDefault("POSTGRES_DATABASE", pg.Database)
	pg.User = envOrDefault("POSTGRES_USER", pg.User)
	pg.Password = envOrDefault("POSTGRES_PASSWORD", pg.Password)

	ch := &c.History.ClickHouse
	ch.Enabled = envOrDefaultBool("CLICKHOUSE_ENABLED", ch.Enabled)
	ch.Host = envOrDefault("CLICKHOUSE_HOST", ch.Host)
	ch.Port = envOrDefaultInt("CLICKHOUSE_PORT", ch.Port)
	ch.Database = envOrDefault("CLICKHOUSE_DATABASE", ch.Database)
	ch.User = envOrDefault("CLICKHOUSE_USER", ch.User)
	ch.Password = envOrDefault("CLICKHOUSE_PASSWORD", ch.Password)

	c.Log.Level = envOrDefault("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault("LOG_FORMAT", c.Log.Format)
}

// Validate checks the configuration for values the process cannot run with.
func (c Config) Validate() error {
	var errs []error
	for i, s := range c.Serial {
		if s.Port == "" {
			errs = append(errs, fmt.Errorf("serial[%d]: port is required", i))
		}
		if s.BaudRate <= 0 {
			errs = append(errs, fmt.Errorf("serial[%d]: invalid baud rate %d", i, s.BaudRate))
		}
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		errs = append(errs, errors.New("nats: subject is required"))
	}
	if c.Detect.StaleAfter <= 0 {
		errs = append(errs, errors.New("detections: stale_after must be positive"))
	}
	if c.Detect.MaxHistory < 0 {
		errs = append(errs, errors.New("detections: max_history must not be negative"))
	}
	if c.Detect.EvictInterval <= 0 || c.Detect.StatusInterval <= 0 {
		errs = append(errs, errors.New("detections: intervals must be positive"))
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api: invalid port %d", c.API.Port))
	}
	if c.API.AuthEnabled && len(c.API.APIKeys) == 0 {
		errs = append(errs, errors.New("api: auth enabled without api keys"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
