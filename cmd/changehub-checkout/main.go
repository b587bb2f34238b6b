// Command changehub-checkout keeps a local checkout of a document in step with a changehub
// hub. The checkout is a bbolt file holding the document's elements as of the last pulled
// change package, the local edits on top of them and the name bookkeeping not yet recorded by
// the hub.
//
//     changehub-checkout -config PATH init
//     changehub-checkout -config PATH create -name NAME -value VALUE
//     changehub-checkout -config PATH push -m DESCRIPTION
//
// The configuration file is optional, every setting may be given through CHANGEHUB_CHECKOUT_*
// environment variables instead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/log"
	"gitlab.com/gitlab-org/changehub/internal/version"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/tracing"
)

const progname = "changehub-checkout"

var (
	flagConfig  = flag.String("config", progname+".toml", "Location of the checkout config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")

	errNoSubcommand = errors.New("a subcommand must be passed")
)

func main() {
	flag.Usage = func() {
		cmds := []string{}
		for k := range newSubcommands(io.Discard, log.Default()) {
			cmds = append(cmds, k)
		}
		sort.Strings(cmds)

		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	if *flagVersion {
		fmt.Println(version.GetVersionString(progname))
		os.Exit(0)
	}

	conf, err := config.CheckoutFromFile(*flagConfig)
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	logger, err := initLogger(conf.Logging)
	if err != nil {
		printfErr("%s: logging: %v\n", progname, err)
		os.Exit(1)
	}

	tracer := tracing.Initialize(tracing.WithServiceName(progname))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, conf, logger, os.Stdout, flag.Args())
	stop()

	// Spans are flushed on close, os.Exit skips deferred calls.
	if err := tracer.Close(); err != nil {
		logger.WithError(err).Warn("close tracer")
	}
	os.Exit(code)
}

// run executes the subcommand args name and returns the exit code.
func run(ctx context.Context, conf config.Checkout, logger logrus.FieldLogger, out io.Writer, args []string) int {
	if len(args) == 0 {
		printfErr("%s: %v\n", progname, errNoSubcommand)
		return 2
	}

	if err := conf.Validate(); err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		return 1
	}

	cmd, ok := newSubcommands(out, logger)[args[0]]
	if !ok {
		printfErr("%s: unknown subcommand: %q\n", progname, args[0])
		return 2
	}

	flags := cmd.FlagSet()
	if err := flags.Parse(args[1:]); err != nil {
		printfErr("%s\n", err)
		return 2
	}

	requestID := uuid.New().String()
	ctx = correlation.ContextWithCorrelation(ctx, requestID)

	span, ctx := opentracing.StartSpanFromContext(ctx, progname+" "+args[0])
	defer span.Finish()

	if err := cmd.Exec(ctx, flags, conf); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"subcommand":     args[0],
			"correlation_id": requestID,
		}).Error("subcommand failed")
		printfErr("%s %s: %v\n", progname, args[0], err)
		return 1
	}

	return 0
}

// initLogger writes diagnostics to a file in the configured directory, or to stderr so they
// never mix with the command output.
func initLogger(conf config.Logging) (logrus.FieldLogger, error) {
	if conf.Dir == "" {
		log.Configure(log.Loggers, conf.Format, conf.Level)
		for _, l := range log.Loggers {
			l.SetOutput(os.Stderr)
		}
		return log.Default(), nil
	}

	fileLogger, err := log.NewFileLogger(conf.Dir, progname+".log")
	if err != nil {
		return nil, err
	}
	log.Configure([]*logrus.Logger{fileLogger}, conf.Format, conf.Level)

	return fileLogger.WithField("pid", os.Getpid()), nil
}

func printfErr(format string, a ...interface{}) (int, error) {
	return fmt.Fprintf(os.Stderr, format, a...)
}
