package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFromFile(t *testing.T) {
	path := writeConfig(t, `
listen_addr = "127.0.0.1:3450"
prometheus_listen_addr = "127.0.0.1:9652"
graceful_stop_timeout = "30s"

[logging]
format = "json"
level = "debug"

[auth]
token = "secret"

[database]
host = "db.internal"
port = 5432
dbname = "changehub_production"
sslmode = "require"

[database.session_pooled]
host = "db-direct.internal"

[history]
page_size = 50
`)

	t.Setenv("CHANGEHUB_DATABASE_PASSWORD", "hunter2")
	t.Setenv("CHANGEHUB_HISTORY_PAYLOAD_CACHE_SIZE", "16")

	conf, err := FromFile(path)
	require.NoError(t, err)
	require.NoError(t, conf.Validate())

	require.Equal(t, Config{
		ListenAddr:           "127.0.0.1:3450",
		PrometheusListenAddr: "127.0.0.1:9652",
		GracefulStopTimeout:  Duration(30 * time.Second),
		Logging:              Logging{Format: "json", Level: "debug"},
		Auth:                 Auth{Token: "secret"},
		Prometheus:           DefaultPrometheus(),
		DB: DB{
			Host:          "db.internal",
			Port:          5432,
			Password:      "hunter2",
			DBName:        "changehub_production",
			SSLMode:       "require",
			SessionPooled: DBConnection{Host: "db-direct.internal"},
		},
		History: History{PageSize: 50, PayloadCacheSize: 16, MaxPayloadBytes: 64 << 20},
	}, conf)
}

func TestFromFile_defaults(t *testing.T) {
	conf, err := FromFile(writeConfig(t, `listen_addr = ":3450"
memory_store_enabled = true`))
	require.NoError(t, err)
	require.NoError(t, conf.Validate())
	require.Equal(t, time.Minute, conf.GracefulStopTimeout.Duration())
	require.Equal(t, DefaultHistory(), conf.History)
}

func TestFromFile_invalidDuration(t *testing.T) {
	_, err := FromFile(writeConfig(t, `graceful_stop_timeout = "forever"`))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			ListenAddr: ":3450",
			History:    DefaultHistory(),
			DB:         DB{Host: "localhost", DBName: "changehub"},
		}
	}

	for _, tc := range []struct {
		desc   string
		change func(*Config)
		err    error
	}{
		{desc: "valid", change: func(*Config) {}},
		{desc: "no listener", change: func(c *Config) { c.ListenAddr = "" }, err: errNoListener},
		{desc: "no database host", change: func(c *Config) { c.DB.Host = "" }, err: errNoDatabase},
		{desc: "no database name", change: func(c *Config) { c.DB.DBName = "" }, err: errNoDBName},
		{desc: "memory store needs no database", change: func(c *Config) {
			c.DB = DB{}
			c.MemoryStoreEnabled = true
		}},
		{desc: "zero page size", change: func(c *Config) { c.History.PageSize = 0 }, err: errPageSize},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			conf := valid()
			tc.change(&conf)
			err := conf.Validate()
			if tc.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestCheckoutFromFile(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		t.Setenv("CHANGEHUB_CHECKOUT_HUB_URL", "http://hub.internal:3450")
		conf, err := CheckoutFromFile(filepath.Join(t.TempDir(), "missing.toml"))
		require.NoError(t, err)
		require.Equal(t, "http://hub.internal:3450", conf.HubURL)
		require.Equal(t, DefaultSync(), conf.Sync)
		require.Equal(t, DefaultRetry(), conf.Retry)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		conf, err := CheckoutFromFile(writeConfig(t, `
hub_url = "http://hub.internal:3450"
document = "plant-7"
state_path = "/var/lib/checkout/plant-7.db"

[sync]
max_cycles = 5

[retry]
max_attempts = 2
initial_delay = "10ms"
`))
		require.NoError(t, err)
		require.NoError(t, conf.Validate())
		require.Equal(t, 5, conf.Sync.MaxCycles)
		require.True(t, conf.Sync.RelinquishAfterPush)
		require.Equal(t, 2, conf.Retry.MaxAttempts)
		require.Equal(t, 10*time.Millisecond, conf.Retry.InitialDelay.Duration())
		require.Equal(t, 5*time.Second, conf.Retry.MaxDelay.Duration())
	})

	t.Run("invalid", func(t *testing.T) {
		conf := DefaultCheckout()
		conf.HubURL = "http://hub"
		conf.Document = "doc"
		conf.StatePath = "state.db"
		conf.Sync.MaxCycles = 0
		require.ErrorIs(t, conf.Validate(), errMaxCycles)
	})
}
