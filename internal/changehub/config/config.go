package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	promclient "github.com/prometheus/client_golang/prometheus"
)

// EnvPrefix is the prefix of environment variables overriding the hub configuration.
const EnvPrefix = "changehub"

// Logging configures the logrus loggers.
type Logging struct {
	Dir    string `toml:"dir,omitempty"`
	Format string `toml:"format,omitempty"`
	Level  string `toml:"level,omitempty"`
}

// Sentry configures panic and error reporting.
type Sentry struct {
	DSN         string `toml:"sentry_dsn,omitempty" envconfig:"dsn"`
	Environment string `toml:"sentry_environment,omitempty" envconfig:"environment"`
}

// Auth configures the signing secret of session tokens.
type Auth struct {
	// Token is the HS256 secret used to sign and verify session tokens. If empty,
	// authentication is disabled and every caller acts as the same anonymous subject.
	Token string `toml:"token,omitempty"`
	// Transitioning lets unauthenticated requests through while still logging them, so that
	// clients can be rolled over to tokens without downtime.
	Transitioning bool `toml:"transitioning,omitempty"`
}

// Prometheus contains additional configuration data for prometheus.
type Prometheus struct {
	// ScrapeTimeout is the allowed duration of a Prometheus scrape before timing out.
	ScrapeTimeout Duration `toml:"scrape_timeout,omitempty" split_words:"true"`
	// LatencyBuckets configures the histogram buckets used for request latency measurements.
	LatencyBuckets []float64 `toml:"latency_buckets,omitempty" split_words:"true"`
}

// DefaultPrometheus returns a new config with default values set.
func DefaultPrometheus() Prometheus {
	return Prometheus{
		ScrapeTimeout:  Duration(10 * time.Second),
		LatencyBuckets: promclient.DefBuckets,
	}
}

// DBConnection holds Postgres client configuration data.
type DBConnection struct {
	Host        string `toml:"host,omitempty"`
	Port        int    `toml:"port,omitempty"`
	User        string `toml:"user,omitempty"`
	Password    string `toml:"password,omitempty"`
	DBName      string `toml:"dbname,omitempty"`
	SSLMode     string `toml:"sslmode,omitempty"`
	SSLCert     string `toml:"sslcert,omitempty"`
	SSLKey      string `toml:"sslkey,omitempty"`
	SSLRootCert string `toml:"sslrootcert,omitempty"`
}

// DB holds database configuration data.
type DB struct {
	Host        string `toml:"host,omitempty"`
	Port        int    `toml:"port,omitempty"`
	User        string `toml:"user,omitempty"`
	Password    string `toml:"password,omitempty"`
	DBName      string `toml:"dbname,omitempty"`
	SSLMode     string `toml:"sslmode,omitempty"`
	SSLCert     string `toml:"sslcert,omitempty"`
	SSLKey      string `toml:"sslkey,omitempty"`
	SSLRootCert string `toml:"sslrootcert,omitempty"`

	// SessionPooled is used for connections that must not go through a transaction pooler,
	// such as the LISTEN connection of the tip notifications.
	SessionPooled DBConnection `toml:"session_pooled,omitempty" split_words:"true"`
}

// History configures the change-package history.
type History struct {
	// PageSize is the number of packages returned by a single page of query_after.
	PageSize int `toml:"page_size,omitempty" split_words:"true"`
	// PayloadCacheSize is the number of payloads kept in the LRU cache.
	PayloadCacheSize int `toml:"payload_cache_size,omitempty" split_words:"true"`
	// MaxPayloadBytes limits the size of an uploaded payload.
	MaxPayloadBytes int64 `toml:"max_payload_bytes,omitempty" split_words:"true"`
}

// DefaultHistory returns the default values for history configuration.
func DefaultHistory() History {
	return History{PageSize: 100, PayloadCacheSize: 512, MaxPayloadBytes: 64 << 20}
}

// Config is a container for everything found in the hub's TOML config file.
type Config struct {
	ListenAddr           string     `toml:"listen_addr,omitempty" split_words:"true"`
	PrometheusListenAddr string     `toml:"prometheus_listen_addr,omitempty" split_words:"true"`
	Logging              Logging    `toml:"logging,omitempty"`
	Sentry               Sentry     `toml:"sentry,omitempty"`
	Auth                 Auth       `toml:"auth,omitempty"`
	Prometheus           Prometheus `toml:"prometheus,omitempty"`
	DB                   DB         `toml:"database,omitempty" envconfig:"database"`
	History              History    `toml:"history,omitempty"`
	// MemoryStoreEnabled keeps the ledger and history in memory instead of Postgres. The
	// state is lost on restart, which is only acceptable for development and tests.
	MemoryStoreEnabled  bool     `toml:"memory_store_enabled,omitempty" split_words:"true"`
	GracefulStopTimeout Duration `toml:"graceful_stop_timeout,omitempty" split_words:"true"`
}

// FromFile loads the config for the passed file path and applies environment overrides.
func FromFile(filePath string) (Config, error) {
	b, err := os.ReadFile(filePath)
	if err != nil {
		return Config{}, err
	}

	conf := &Config{
		Prometheus: DefaultPrometheus(),
		History:    DefaultHistory(),
	}
	if err := toml.Unmarshal(b, conf); err != nil {
		return Config{}, err
	}

	if err := envconfig.Process(EnvPrefix, conf); err != nil {
		return Config{}, fmt.Errorf("environment overrides: %w", err)
	}

	conf.setDefaults()

	return *conf, nil
}

func (c *Config) setDefaults() {
	if c.GracefulStopTimeout.Duration() == 0 {
		c.GracefulStopTimeout = Duration(time.Minute)
	}

	defaults := DefaultHistory()
	if c.History.PayloadCacheSize == 0 {
		c.History.PayloadCacheSize = defaults.PayloadCacheSize
	}
	if c.History.MaxPayloadBytes == 0 {
		c.History.MaxPayloadBytes = defaults.MaxPayloadBytes
	}
}

var (
	errNoListener    = errors.New("no listen address configured")
	errNoDatabase    = errors.New("no database host configured")
	errNoDBName      = errors.New("no database name configured")
	errPageSize      = errors.New("history page size must be positive")
	errNoHubURL      = errors.New("no hub url configured")
	errNoDocument    = errors.New("no document configured")
	errNoStatePath   = errors.New("no state path configured")
	errMaxCycles     = errors.New("sync max cycles must be positive")
	errRetryAttempts = errors.New("retry max attempts must be positive")
)

// Validate establishes if the config is valid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errNoListener
	}

	if c.History.PageSize < 1 {
		return fmt.Errorf("%w: got %d", errPageSize, c.History.PageSize)
	}

	if c.MemoryStoreEnabled {
		return nil
	}

	if c.DB.Host == "" {
		return errNoDatabase
	}

	if c.DB.DBName == "" {
		return errNoDBName
	}

	return nil
}
