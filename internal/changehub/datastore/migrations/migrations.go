// Package migrations holds the schema of the hub's ledger. Every migration registers itself
// from its own file, named after the migration id.
package migrations

import (
	"sort"

	migrate "github.com/rubenv/sql-migrate"
)

// MigrationTableName is the table sql-migrate records applied migrations in.
const MigrationTableName = "schema_migrations"

var allMigrations []*migrate.Migration

func register(m *migrate.Migration) {
	allMigrations = append(allMigrations, m)
}

// All returns the migrations ordered by id.
func All() []*migrate.Migration {
	sorted := append([]*migrate.Migration(nil), allMigrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Id < sorted[j].Id })
	return sorted
}
