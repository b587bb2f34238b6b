package starter

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/changehub/internal/bootstrap"
)

const (
	// TCP is the schema of TCP listen addresses.
	TCP string = "tcp"
	// Unix is the schema of Unix socket listen addresses.
	Unix string = "unix"

	separator = "://"
)

var (
	// ErrEmptySchema signals that the address has no schema in it.
	ErrEmptySchema  = errors.New("empty schema can't be used")
	errEmptyAddress = errors.New("empty address can't be used")
)

// Config is a listen address of the hub.
type Config struct {
	// Name is the network, TCP or Unix.
	Name string
	Addr string
	// HandoverOnUpgrade passes the listener to the new hub during a graceful upgrade.
	// Listeners not handed over must use addresses of their own, a stale Unix socket at
	// Addr is removed.
	HandoverOnUpgrade bool
}

// ParseEndpoint parses a "schema://address" listen address such as tcp://:2305 or
// unix:///run/changehub.socket.
func ParseEndpoint(endpoint string) (Config, error) {
	if endpoint == "" {
		return Config{}, errEmptyAddress
	}

	schema, addr, found := strings.Cut(endpoint, separator)
	switch {
	case !found || schema == "":
		return Config{}, fmt.Errorf("unsupported format: %q: %w", endpoint, ErrEmptySchema)
	case schema != TCP && schema != Unix:
		return Config{}, fmt.Errorf("unsupported schema: %q", schema)
	case addr == "":
		return Config{}, errEmptyAddress
	}

	return Config{Name: schema, Addr: addr}, nil
}

// String returns the address in the form ParseEndpoint accepts.
func (c Config) String() string {
	return c.Name + separator + c.Addr
}

// Server able to serve requests.
type Server interface {
	// Serve accepts requests from the listener and handles them properly.
	Serve(lis net.Listener) error
}

// New creates a new bootstrap.Starter from a config and a Server. Accepted connections are
// counted on connTotal unless it is nil.
func New(cfg Config, server Server, connTotal *prometheus.CounterVec, logger logrus.FieldLogger) bootstrap.Starter {
	return func(listenWithHandover bootstrap.ListenFunc, errCh chan<- error) error {
		listen := listenWithHandover
		if !cfg.HandoverOnUpgrade {
			if cfg.Name == Unix {
				if err := os.Remove(cfg.Addr); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("remove previous socket file: %w", err)
				}
			}

			listen = net.Listen
		}

		l, err := listen(cfg.Name, cfg.Addr)
		if err != nil {
			return err
		}

		if connTotal != nil {
			l = countAccepted(cfg.Name, l, connTotal)
		}

		logger.WithField("address", cfg.String()).Info("listening")

		go func() {
			err := server.Serve(l)
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			errCh <- err
		}()

		return nil
	}
}
