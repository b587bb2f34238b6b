// Package retry wraps a transport with the retry policy of the checkout: transient failures
// are retried with the identical request and exponential backoff, every other outcome is
// returned to the caller at once.
package retry

import (
	"context"
	"errors"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/metrics"
	"gitlab.com/gitlab-org/changehub/internal/changehub/transport"
)

// Transport retries the transient failures of the wrapped transport. Refer to the interface
// for method documentation.
type Transport struct {
	next      transport.Transport
	conf      config.Retry
	logger    logrus.FieldLogger
	retries   metrics.CounterVec
	exhausted metrics.Counter
}

// Option configures the retrying transport.
type Option func(*Transport)

// WithRetryCounter counts every retried failure by its kind.
func WithRetryCounter(retries metrics.CounterVec) Option {
	return func(t *Transport) { t.retries = retries }
}

// WithExhaustedCounter counts requests given up after their last attempt failed transiently.
func WithExhaustedCounter(exhausted metrics.Counter) Option {
	return func(t *Transport) { t.exhausted = exhausted }
}

// New wraps next. A configuration without attempts sends every request once.
func New(next transport.Transport, conf config.Retry, logger logrus.FieldLogger, opts ...Option) *Transport {
	if conf.MaxAttempts < 1 {
		conf.MaxAttempts = 1
	}

	t := &Transport{
		next:   next,
		conf:   conf,
		logger: logger.WithField("component", "retry"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Send(ctx context.Context, req transport.Request) (transport.Response, error) {
	var (
		resp     transport.Response
		attempts int
	)

	err := retry.Do(
		func() error {
			attempts++

			var err error
			resp, err = t.next.Send(ctx, req)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(t.conf.MaxAttempts)),
		retry.Delay(t.conf.InitialDelay.Duration()),
		retry.MaxDelay(t.conf.MaxDelay.Duration()),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(transport.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			if int(n)+1 >= t.conf.MaxAttempts {
				return
			}

			var transportErr *transport.Error
			if errors.As(err, &transportErr) && t.retries != nil {
				t.retries.WithLabelValues(transportErr.Kind.String()).Inc()
			}

			t.logger.WithError(err).WithFields(logrus.Fields{
				"method":  req.Method,
				"path":    req.Path,
				"attempt": n + 1,
			}).Warn("hub request failed, retrying")
		}),
	)
	if err == nil {
		return resp, nil
	}

	if transport.IsTransient(err) {
		if t.exhausted != nil {
			t.exhausted.Inc()
		}
		return transport.Response{}, commonerr.TransportExhaustedError{Attempts: attempts, Err: err}
	}

	return transport.Response{}, err
}
