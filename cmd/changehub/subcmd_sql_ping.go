package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore"
)

const sqlPingCmdName = "sql-ping"

// sqlPingSubcommand verifies the ledger database is reachable and recent enough, and warns
// about migrations the hub would still have to apply.
type sqlPingSubcommand struct {
	w io.Writer
}

func (cmd *sqlPingSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(sqlPingCmdName, flag.ExitOnError)
}

func (cmd *sqlPingSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	db, clean, err := openDB(conf.DB)
	if err != nil {
		return err
	}
	defer clean()

	if err := datastore.CheckPostgresVersion(context.Background(), db); err != nil {
		return fmt.Errorf("%s %s: %w", progname, sqlPingCmdName, err)
	}

	status, err := datastore.MigrateStatus(db)
	if err != nil {
		return fmt.Errorf("%s %s: migration status: %w", progname, sqlPingCmdName, err)
	}

	pending := 0
	for _, row := range status {
		if !row.Migrated {
			pending++
		}
	}

	if pending > 0 {
		fmt.Fprintf(cmd.w, "%s %s: reachable, %d migrations pending\n", progname, sqlPingCmdName, pending)
		return nil
	}

	fmt.Fprintf(cmd.w, "%s %s: OK\n", progname, sqlPingCmdName)
	return nil
}
