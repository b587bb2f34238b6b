// Command changehub runs the hub: the authoritative reservation ledger and change-package
// history shared by the checkouts of a document.
//
// Additionally, changehub has subcommands for common tasks:
//
// SQL Ping
//
// The subcommand "sql-ping" checks the configured database is reachable, runs a supported
// Postgres version and reports migrations still pending:
//
//     changehub -config PATH_TO_CONFIG sql-ping
//
// SQL Migrate
//
// The subcommand "sql-migrate" will apply any outstanding SQL migrations.
//
//     changehub -config PATH_TO_CONFIG sql-migrate [-ignore-unknown=true|false]
//
// The subcommand "sql-migrate-status" will show which SQL migrations have
// been applied and which ones have not:
//
//     changehub -config PATH_TO_CONFIG sql-migrate-status
//
// List Reservations
//
// The subcommand "list-reservations" prints every lock and name token the hub keeps for a
// document:
//
//     changehub -config PATH_TO_CONFIG list-reservations -document <document>
//
// Abandon Replica
//
// The subcommand "abandon-replica" relinquishes everything a replica holds, for checkouts
// that are gone for good:
//
//     changehub -config PATH_TO_CONFIG abandon-replica -document <document> -replica <replica>
//
// Issue Token
//
// The subcommand "issue-token" signs a session token with the configured auth token:
//
//     changehub -config PATH_TO_CONFIG issue-token -subject <subject> [-admin] [-ttl 24h]
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/changehub/internal/bootstrap"
	"gitlab.com/gitlab-org/changehub/internal/bootstrap/starter"
	"gitlab.com/gitlab-org/changehub/internal/changehub/auth"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore/glsql"
	"gitlab.com/gitlab-org/changehub/internal/changehub/metrics"
	"gitlab.com/gitlab-org/changehub/internal/changehub/server"
	"gitlab.com/gitlab-org/changehub/internal/dontpanic"
	"gitlab.com/gitlab-org/changehub/internal/helper"
	"gitlab.com/gitlab-org/changehub/internal/log"
	"gitlab.com/gitlab-org/changehub/internal/version"
	"gitlab.com/gitlab-org/labkit/monitoring"
	"gitlab.com/gitlab-org/labkit/tracing"
)

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")
	logger      = log.Default()

	errNoConfigFile = errors.New("the config flag must be passed")
)

const progname = "changehub"

func main() {
	flag.Usage = func() {
		cmds := []string{}
		for k := range subcommands {
			cmds = append(cmds, k)
		}
		sort.Strings(cmds)

		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand (optional)\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	// If invoked with -version
	if *flagVersion {
		fmt.Println(version.GetVersionString(progname))
		os.Exit(0)
	}

	conf, err := initConfig()
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	log.Configure(log.Loggers, conf.Logging.Format, conf.Logging.Level)

	if args := flag.Args(); len(args) > 0 {
		os.Exit(subCommand(conf, args[0], args[1:]))
	}

	configureSentry(version.GetVersion(), conf.Sentry)
	tracing.Initialize(tracing.WithServiceName(progname))

	logger.WithField("version", version.GetVersionString(progname)).Info("Starting " + progname)

	starterConfigs, err := getStarterConfigs(conf)
	if err != nil {
		logger.Fatalf("%s", err)
	}

	b, err := bootstrap.New()
	if err != nil {
		logger.Fatalf("unable to create a bootstrap: %v", err)
	}

	if err := run(starterConfigs, conf, b, prometheus.DefaultRegisterer); err != nil {
		logger.Fatalf("%v", err)
	}
}

func initConfig() (config.Config, error) {
	var conf config.Config

	if *flagConfig == "" {
		return conf, errNoConfigFile
	}

	conf, err := config.FromFile(*flagConfig)
	if err != nil {
		return conf, fmt.Errorf("error reading config file: %v", err)
	}

	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}

	if conf.MemoryStoreEnabled {
		logger.Warn("the ledger and history are kept in memory and are lost on restart")
	}

	return conf, nil
}

func configureSentry(ver string, conf config.Sentry) {
	if conf.DSN == "" {
		return
	}

	logger.WithField("dsn", conf.DSN).Debug("Using sentry logging")

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         conf.DSN,
		Environment: conf.Environment,
		Release:     "v" + ver,
	}); err != nil {
		logger.Warnf("Unable to initialize sentry client: %v", err)
	}
}

func run(cfgs []starter.Config, conf config.Config, b bootstrap.Listener, promreg prometheus.Registerer) error {
	requestLatency, err := metrics.RegisterRequestLatency(promreg, conf.Prometheus)
	if err != nil {
		return err
	}

	authentications, err := metrics.RegisterAuthentications(promreg)
	if err != nil {
		return err
	}

	watchers, err := metrics.RegisterWatchers(promreg)
	if err != nil {
		return err
	}

	connTotal, err := metrics.RegisterConnections(promreg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcaster := server.NewBroadcaster(logger)
	defer broadcaster.Close()

	var (
		store             datastore.Store
		metricsCollectors []prometheus.Collector
	)

	if conf.MemoryStoreEnabled {
		store = datastore.NewMemoryStore(datastore.WithNotifier(broadcaster))
	} else {
		logger.Infof("establishing database connection to %s:%d ...", conf.DB.Host, conf.DB.Port)
		db, closedb, err := initDatabase(ctx, logger, conf)
		if err != nil {
			return err
		}
		defer closedb()
		logger.Info("database connection established")

		store = datastore.NewPostgresStore(db)
	}

	cached, err := datastore.NewCachingHistory(logger, store, conf.History.PayloadCacheSize)
	if err != nil {
		return fmt.Errorf("caching history: %w", err)
	}
	metricsCollectors = append(metricsCollectors, cached)

	if !conf.MemoryStoreEnabled {
		listener, err := datastore.NewTipListener(conf.DB, helper.NewTimerTicker(5*time.Second), logger)
		if err != nil {
			return err
		}
		metricsCollectors = append(metricsCollectors, listener)

		dontpanic.Go(func() {
			err := listener.Run(ctx, glsql.ListenHandlers{cached, broadcaster})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("tip notifications listener stopped")
			}
		})
		logger.Info("background started: tip notifications listener")
	}

	promreg.MustRegister(metricsCollectors...)

	srv := &http.Server{
		Handler: server.New(server.Dependencies{
			Store:           cached,
			Verifier:        auth.NewVerifier(conf.Auth),
			Broadcaster:     broadcaster,
			History:         conf.History,
			Logger:          log.Access(),
			RequestLatency:  requestLatency,
			Authentications: authentications,
			Watchers:        watchers,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	for _, cfg := range cfgs {
		b.RegisterStarter(starter.New(cfg, srv, connTotal, logger))
	}

	if conf.PrometheusListenAddr != "" {
		logger.WithField("address", conf.PrometheusListenAddr).Info("Starting prometheus listener")

		b.RegisterStarter(func(listen bootstrap.ListenFunc, _ chan<- error) error {
			l, err := listen(starter.TCP, conf.PrometheusListenAddr)
			if err != nil {
				return err
			}

			go func() {
				if err := monitoring.Start(
					monitoring.WithListener(l),
					monitoring.WithBuildInformation(version.GetVersion(), version.GetBuildTime())); err != nil {
					logger.WithError(err).Errorf("Unable to start prometheus listener: %v", conf.PrometheusListenAddr)
				}
			}()

			return nil
		})
	}

	if err := b.Start(); err != nil {
		return fmt.Errorf("unable to start the bootstrap: %v", err)
	}

	return b.Wait(conf.GracefulStopTimeout.Duration(), func() {
		// Tip watches are hijacked connections Shutdown does not wait for.
		broadcaster.Close()
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("graceful shutdown")
		}
	})
}

func getStarterConfigs(conf config.Config) ([]starter.Config, error) {
	if conf.ListenAddr == "" {
		return nil, errors.New("no listening addresses were provided, unable to start")
	}

	addrConf, err := starter.ParseEndpoint(conf.ListenAddr)
	if err != nil {
		// address doesn't include schema
		if !errors.Is(err, starter.ErrEmptySchema) {
			return nil, err
		}
		addrConf = starter.Config{Name: starter.TCP, Addr: conf.ListenAddr}
	}
	addrConf.HandoverOnUpgrade = true

	logger.WithFields(logrus.Fields{"schema": addrConf.Name, "address": addrConf.Addr}).Info("listening")

	return []starter.Config{addrConf}, nil
}

func initDatabase(ctx context.Context, logger *logrus.Entry, conf config.Config) (*sql.DB, func(), error) {
	openDBCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := glsql.OpenDB(openDBCtx, conf.DB)
	if err != nil {
		logger.WithError(err).Error("SQL connection open failed")
		return nil, nil, err
	}

	closedb := func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Error("SQL connection close failed")
		}
	}

	if err := datastore.CheckPostgresVersion(ctx, db); err != nil {
		closedb()
		return nil, nil, err
	}

	return db, closedb, nil
}
