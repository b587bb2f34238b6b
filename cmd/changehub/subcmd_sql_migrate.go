package main

import (
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore/glsql"
)

const (
	sqlMigrateCmdName       = "sql-migrate"
	sqlMigrateStatusCmdName = "sql-migrate-status"
	timeFmt                 = "2006-01-02T15:04:05"
)

type sqlMigrateSubcommand struct {
	w             io.Writer
	ignoreUnknown bool
}

func newSQLMigrateSubCommand(writer io.Writer) *sqlMigrateSubcommand {
	return &sqlMigrateSubcommand{w: writer}
}

func (cmd *sqlMigrateSubcommand) FlagSet() *flag.FlagSet {
	flags := flag.NewFlagSet(sqlMigrateCmdName, flag.ExitOnError)
	flags.BoolVar(&cmd.ignoreUnknown, "ignore-unknown", true, "ignore unknown migrations (default is true)")
	return flags
}

func (cmd *sqlMigrateSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	const subCmd = progname + " " + sqlMigrateCmdName

	db, clean, err := openDB(conf.DB)
	if err != nil {
		return err
	}
	defer clean()

	n, err := glsql.Migrate(db, cmd.ignoreUnknown)
	if err != nil {
		return fmt.Errorf("%s: fail: %v", subCmd, err)
	}

	fmt.Fprintf(cmd.w, "%s: OK (applied %d migrations)\n", subCmd, n)
	return nil
}

type sqlMigrateStatusSubcommand struct {
	w io.Writer
}

func (s *sqlMigrateStatusSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(sqlMigrateStatusCmdName, flag.ExitOnError)
}

func (s *sqlMigrateStatusSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	db, clean, err := openDB(conf.DB)
	if err != nil {
		return err
	}
	defer clean()

	migrations, err := datastore.MigrateStatus(db)
	if err != nil {
		return err
	}

	printMigrateStatus(s.w, migrations)
	return nil
}

func printMigrateStatus(w io.Writer, migrations map[string]*datastore.MigrationStatusRow) {
	ids := make([]string, 0, len(migrations))
	for id := range migrations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Migration", "Applied"})
	table.SetColWidth(60)

	for _, id := range ids {
		m := migrations[id]
		applied := "no"

		if m.Unknown {
			applied = "unknown migration"
		} else if m.Migrated {
			applied = m.AppliedAt.UTC().Format(timeFmt)
		}

		table.Append([]string{id, applied})
	}

	table.Render()
}
