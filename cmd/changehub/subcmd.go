package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"gitlab.com/gitlab-org/changehub/internal/bootstrap/starter"
	"gitlab.com/gitlab-org/changehub/internal/changehub/auth"
	"gitlab.com/gitlab-org/changehub/internal/changehub/client"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore/glsql"
	"gitlab.com/gitlab-org/changehub/internal/changehub/transport"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/tracing"
)

type subcmd interface {
	FlagSet() *flag.FlagSet
	Exec(flags *flag.FlagSet, config config.Config) error
}

const (
	defaultRequestTimeout = 30 * time.Second
	adminSubject          = progname + "-admin"
)

var subcommands = map[string]subcmd{
	sqlPingCmdName:          &sqlPingSubcommand{w: os.Stdout},
	sqlMigrateCmdName:       newSQLMigrateSubCommand(os.Stdout),
	sqlMigrateStatusCmdName: &sqlMigrateStatusSubcommand{w: os.Stdout},
	listReservationsCmdName: newListReservations(os.Stdout),
	abandonReplicaCmdName:   newAbandonReplica(os.Stdout),
	issueTokenCmdName:       newIssueToken(os.Stdout),
}

// subCommand returns an exit code, to be fed into os.Exit.
func subCommand(conf config.Config, arg0 string, argRest []string) int {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		<-interrupt
		os.Exit(130) // indicates program was interrupted
	}()

	subcmd, ok := subcommands[arg0]
	if !ok {
		printfErr("%s: unknown subcommand: %q\n", progname, arg0)
		return 1
	}

	flags := subcmd.FlagSet()

	if err := flags.Parse(argRest); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	if err := subcmd.Exec(flags, conf); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	return 0
}

type unexpectedPositionalArgsError struct{ Command string }

func (err unexpectedPositionalArgsError) Error() string {
	return fmt.Sprintf("%s doesn't accept positional arguments", err.Command)
}

type requiredParameterError string

func (p requiredParameterError) Error() string {
	return fmt.Sprintf("%q is a required parameter", string(p))
}

func openDB(conf config.DB) (*sql.DB, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := glsql.OpenDB(ctx, conf)
	if err != nil {
		return nil, nil, fmt.Errorf("sql open: %v", err)
	}

	clean := func() {
		if err := db.Close(); err != nil {
			printfErr("sql close: %v\n", err)
		}
	}

	return db, clean, nil
}

func printfErr(format string, a ...interface{}) (int, error) {
	return fmt.Fprintf(os.Stderr, format, a...)
}

// subCmdContext returns the context of an administrative request, tagged with a fresh
// correlation id so the hub's request log can be searched for it.
func subCmdContext() (context.Context, context.CancelFunc) {
	ctx := correlation.ContextWithCorrelation(context.Background(), correlation.SafeRandomID())
	return context.WithTimeout(ctx, defaultRequestTimeout)
}

// hubTransport returns a transport to the hub the configuration describes. Administrative
// requests carry an admin token when authentication is enabled.
func hubTransport(conf config.Config) (*transport.HTTP, error) {
	endpoint, err := starter.ParseEndpoint(conf.ListenAddr)
	if err != nil {
		endpoint = starter.Config{Name: starter.TCP, Addr: conf.ListenAddr}
	}

	opts := []transport.Option{transport.WithRequestTimeout(defaultRequestTimeout)}

	baseURL := "http://" + endpoint.Addr
	switch endpoint.Name {
	case starter.Unix:
		baseURL = "http://unix"
		socket := endpoint.Addr
		opts = append(opts, transport.WithHTTPClient(&http.Client{
			Transport: tracing.NewRoundTripper(correlation.NewInstrumentedRoundTripper(&http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, starter.Unix, socket)
				},
			})),
		}))
	case starter.TCP:
		if strings.HasPrefix(endpoint.Addr, ":") {
			baseURL = "http://localhost" + endpoint.Addr
		}
	}

	if conf.Auth.Token != "" {
		issuer, err := auth.NewIssuer(conf.Auth)
		if err != nil {
			return nil, err
		}

		token, err := issuer.Issue(adminSubject, true, 5*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("issue admin token: %w", err)
		}
		opts = append(opts, transport.WithToken(token))
	}

	return transport.NewHTTP(baseURL, opts...)
}

func hubClient(conf config.Config, document string) (*client.Client, error) {
	t, err := hubTransport(conf)
	if err != nil {
		return nil, err
	}
	return client.New(t, document), nil
}
