package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/changehub/internal/changehub/client"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/docstore"
	"gitlab.com/gitlab-org/changehub/internal/changehub/metrics"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
	"gitlab.com/gitlab-org/changehub/internal/changehub/retry"
	"gitlab.com/gitlab-org/changehub/internal/changehub/synchronizer"
	"gitlab.com/gitlab-org/changehub/internal/changehub/transport"
)

type subcmd interface {
	FlagSet() *flag.FlagSet
	Exec(ctx context.Context, flags *flag.FlagSet, conf config.Checkout) error
}

func newSubcommands(out io.Writer, logger logrus.FieldLogger) map[string]subcmd {
	b := base{out: out, logger: logger}
	return map[string]subcmd{
		initCmdName:    &initSubcommand{base: b},
		statusCmdName:  &statusSubcommand{base: b},
		createCmdName:  &createSubcommand{base: b},
		updateCmdName:  &updateSubcommand{base: b},
		deleteCmdName:  &deleteSubcommand{base: b},
		reserveCmdName: &reserveSubcommand{base: b},
		releaseCmdName: &releaseSubcommand{base: b},
		pullCmdName:    &pullSubcommand{base: b},
		pushCmdName:    &pushSubcommand{base: b},
		watchCmdName:   &watchSubcommand{base: b},
	}
}

// base carries what every subcommand writes to.
type base struct {
	out    io.Writer
	logger logrus.FieldLogger
}

func (b base) printf(format string, a ...interface{}) {
	fmt.Fprintf(b.out, format, a...)
}

type unexpectedPositionalArgsError struct{ Command string }

func (err unexpectedPositionalArgsError) Error() string {
	return fmt.Sprintf("%s doesn't accept positional arguments", err.Command)
}

type requiredParameterError string

func (p requiredParameterError) Error() string {
	return fmt.Sprintf("%q is a required parameter", string(p))
}

var errDocumentMismatch = errors.New("checkout belongs to another document")

// checkout is an opened local checkout and the synchronizer keeping it in step with the hub.
type checkout struct {
	doc      *docstore.Bolt
	client   *client.Client
	sync     *synchronizer.Synchronizer
	registry *prometheus.Registry
	textfile string
}

// openCheckout opens the checkout at the configured state path. With initialize set, a new
// replica is registered at the hub and the checkout is created for it instead.
func openCheckout(ctx context.Context, conf config.Checkout, logger logrus.FieldLogger, initialize bool) (_ *checkout, returnedErr error) {
	registry := prometheus.NewRegistry()

	retries, err := metrics.RegisterTransportRetries(registry)
	if err != nil {
		return nil, err
	}
	exhausted, err := metrics.RegisterTransportExhausted(registry)
	if err != nil {
		return nil, err
	}
	cycles, err := metrics.RegisterSyncCycles(registry)
	if err != nil {
		return nil, err
	}
	pushLatency, err := metrics.RegisterPushLatency(registry, config.DefaultPrometheus())
	if err != nil {
		return nil, err
	}

	httpTransport, err := transport.NewHTTP(conf.HubURL,
		transport.WithToken(conf.Token),
		transport.WithRequestTimeout(conf.Retry.RequestTimeout.Duration()),
	)
	if err != nil {
		return nil, err
	}

	c := client.New(
		retry.New(httpTransport, conf.Retry, logger, retry.WithRetryCounter(retries), retry.WithExhaustedCounter(exhausted)),
		conf.Document,
		client.WithDialer(httpTransport),
	)

	var doc *docstore.Bolt
	if initialize {
		if _, err := os.Stat(conf.StatePath); err == nil {
			return nil, fmt.Errorf("%w: %s", docstore.ErrInitialized, conf.StatePath)
		}

		replica, err := c.RegisterReplica(ctx)
		if err != nil {
			return nil, err
		}

		if doc, err = docstore.InitBolt(ctx, conf.StatePath, conf.Document, replica.ID); err != nil {
			return nil, err
		}
	} else {
		if doc, err = docstore.OpenBolt(conf.StatePath); err != nil {
			return nil, err
		}
	}
	defer func() {
		if returnedErr != nil {
			doc.Close()
		}
	}()

	if doc.Name() != conf.Document {
		return nil, fmt.Errorf("%w: %s is a checkout of %q", errDocumentMismatch, conf.StatePath, doc.Name())
	}

	return &checkout{
		doc:    doc,
		client: c,
		sync: synchronizer.New(c, doc, doc.Replica(), conf.Sync, logger,
			synchronizer.WithCycleCounter(cycles),
			synchronizer.WithPushLatency(pushLatency),
		),
		registry: registry,
		textfile: conf.MetricsTextfile,
	}, nil
}

// Close writes the metrics textfile, if configured, and closes the checkout.
func (c *checkout) Close() error {
	var err error
	if c.textfile != "" {
		err = prometheus.WriteToTextfile(c.textfile, c.registry)
	}
	if closeErr := c.doc.Close(); err == nil {
		err = closeErr
	}
	return err
}

// withCheckout opens the checkout, runs fn and closes it.
func withCheckout(ctx context.Context, conf config.Checkout, logger logrus.FieldLogger, fn func(*checkout) error) (returnedErr error) {
	c, err := openCheckout(ctx, conf, logger, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil && returnedErr == nil {
			returnedErr = err
		}
	}()

	return fn(c)
}

func parseKey(s string) (uint64, error) {
	key, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid element key %q: %w", s, err)
	}
	return key, nil
}

// listFlag is a comma separated list flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(value string) error {
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			*l = append(*l, item)
		}
	}
	return nil
}

// claims returns exclusive locks, or locks at level, on keys and reservations of names.
func claims(doc *docstore.Bolt, keys, names []string, level resource.Level) ([]resource.Claim, error) {
	var result []resource.Claim
	for _, k := range keys {
		key, err := parseKey(k)
		if err != nil {
			return nil, err
		}
		result = append(result, resource.Lock(key, level))
	}
	for _, name := range names {
		result = append(result, resource.Reserve(doc.NameID(name)))
	}
	return result, nil
}
