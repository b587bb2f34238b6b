package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore/glsql"
	"gitlab.com/gitlab-org/changehub/internal/helper"
)

// TipListener receives the tip notifications Postgres sends on ChangePackagesChannel after
// every push, whichever hub accepted it. A lost connection is re-established once the ticker
// fires.
type TipListener struct {
	connConfig *pgx.ConnConfig
	ticker     helper.Ticker
	logger     logrus.FieldLogger
	events     *promclient.CounterVec
}

// NewTipListener prepares a listener. LISTEN does not survive transaction pooling, so the
// session pooled address is used.
func NewTipListener(conf config.DB, ticker helper.Ticker, logger logrus.FieldLogger) (*TipListener, error) {
	connConfig, err := pgx.ParseConfig(glsql.DSN(conf, true))
	if err != nil {
		return nil, fmt.Errorf("tip listener connection config: %w", err)
	}

	return &TipListener{
		connConfig: connConfig,
		ticker:     ticker,
		logger:     logger.WithField("component", "tip_listener"),
		events: promclient.NewCounterVec(
			promclient.CounterOpts{
				Namespace: "changehub",
				Name:      "tip_listener_connection_events_total",
				Help:      "Connections made and lost by the listener of tip notifications",
			},
			[]string{"event"},
		),
	}, nil
}

// Run passes every notification to handler until ctx is done.
func (l *TipListener) Run(ctx context.Context, handler glsql.ListenHandler) error {
	defer l.ticker.Stop()

	for {
		err := l.listen(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.WithError(err).Error("tip notifications interrupted")

		l.ticker.Reset()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.ticker.C():
		}
	}
}

// listen runs one connection. It only returns with an error.
func (l *TipListener) listen(ctx context.Context, handler glsql.ListenHandler) error {
	conn, err := pgx.ConnectConfig(ctx, l.connConfig)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, listenStatement(ChangePackagesChannel)); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	l.events.WithLabelValues("connected").Inc()
	handler.Connected()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				l.events.WithLabelValues("disconnected").Inc()
			}
			handler.Disconnect(err)
			return fmt.Errorf("wait for notification: %w", err)
		}

		handler.Notification(glsql.Notification{Channel: n.Channel, Payload: n.Payload})
	}
}

func listenStatement(channel string) string {
	return "LISTEN " + pgx.Identifier{channel}.Sanitize()
}

// Describe describes the connection events counter.
func (l *TipListener) Describe(descs chan<- *promclient.Desc) {
	l.events.Describe(descs)
}

// Collect collects the connection events counter.
func (l *TipListener) Collect(metrics chan<- promclient.Metric) {
	l.events.Collect(metrics)
}
