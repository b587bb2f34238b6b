package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
)

// CheckoutEnvPrefix is the prefix of environment variables overriding the checkout
// configuration.
const CheckoutEnvPrefix = "changehub_checkout"

// Sync configures the push cycle of a checkout.
type Sync struct {
	// MaxCycles bounds how many times a push cycle restarts from pulling because its view
	// was stale or the tip moved. Exceeding it surfaces the stale view to the caller.
	MaxCycles int `toml:"max_cycles,omitempty" split_words:"true"`
	// RelinquishAfterPush releases every reservation not needed by remaining edits once a
	// push succeeded.
	RelinquishAfterPush bool `toml:"relinquish_after_push,omitempty" split_words:"true"`
}

// Retry configures the retry policy wrapping every remote call.
type Retry struct {
	MaxAttempts  int      `toml:"max_attempts,omitempty" split_words:"true"`
	InitialDelay Duration `toml:"initial_delay,omitempty" split_words:"true"`
	MaxDelay     Duration `toml:"max_delay,omitempty" split_words:"true"`
	// RequestTimeout limits a single attempt. Zero means no limit besides the caller's
	// context.
	RequestTimeout Duration `toml:"request_timeout,omitempty" split_words:"true"`
}

// DefaultSync returns the default push cycle configuration.
func DefaultSync() Sync {
	return Sync{MaxCycles: 3, RelinquishAfterPush: true}
}

// DefaultRetry returns the default retry configuration.
func DefaultRetry() Retry {
	return Retry{
		MaxAttempts:    5,
		InitialDelay:   Duration(100 * time.Millisecond),
		MaxDelay:       Duration(5 * time.Second),
		RequestTimeout: Duration(30 * time.Second),
	}
}

// Checkout is the configuration of a local replica of a document.
type Checkout struct {
	HubURL string `toml:"hub_url,omitempty" split_words:"true"`
	// Token is the session token presented to the hub.
	Token     string  `toml:"token,omitempty"`
	Document  string  `toml:"document,omitempty"`
	StatePath string  `toml:"state_path,omitempty" split_words:"true"`
	Sync      Sync    `toml:"sync,omitempty"`
	Retry     Retry   `toml:"retry,omitempty"`
	Logging   Logging `toml:"logging,omitempty"`
	// MetricsTextfile is where the checkout's metrics are written after every command, in
	// the text format read by the node exporter's textfile collector.
	MetricsTextfile string `toml:"metrics_textfile,omitempty" split_words:"true"`
}

// DefaultCheckout returns a checkout configuration with every default set.
func DefaultCheckout() Checkout {
	return Checkout{Sync: DefaultSync(), Retry: DefaultRetry()}
}

// CheckoutFromFile loads the checkout config for the passed file path and applies
// environment overrides. A missing file yields the defaults plus the overrides.
func CheckoutFromFile(filePath string) (Checkout, error) {
	conf := DefaultCheckout()

	b, err := os.ReadFile(filePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Checkout{}, err
	default:
		if err := toml.Unmarshal(b, &conf); err != nil {
			return Checkout{}, err
		}
	}

	if err := envconfig.Process(CheckoutEnvPrefix, &conf); err != nil {
		return Checkout{}, fmt.Errorf("environment overrides: %w", err)
	}

	return conf, nil
}

// Validate establishes if the checkout config is valid.
func (c *Checkout) Validate() error {
	switch {
	case c.HubURL == "":
		return errNoHubURL
	case c.Document == "":
		return errNoDocument
	case c.StatePath == "":
		return errNoStatePath
	case c.Sync.MaxCycles < 1:
		return fmt.Errorf("%w: got %d", errMaxCycles, c.Sync.MaxCycles)
	case c.Retry.MaxAttempts < 1:
		return fmt.Errorf("%w: got %d", errRetryAttempts, c.Retry.MaxAttempts)
	}
	return nil
}
