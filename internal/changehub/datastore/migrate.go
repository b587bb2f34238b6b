package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	migrate "github.com/rubenv/sql-migrate"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore/migrations"
)

// MigrationStatusRow represents an entry in the schema migrations table.
// If the migration is in the database but is not listed, Unknown will be true.
type MigrationStatusRow struct {
	Migrated  bool
	Unknown   bool
	AppliedAt time.Time
}

// CheckPostgresVersion checks the server version of the Postgres DB. The ledger relies on
// ON CONFLICT upserts and transaction-scoped advisory locks of v11.
func CheckPostgresVersion(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var serverVersion int
	if err := db.QueryRowContext(ctx, "SHOW server_version_num").Scan(&serverVersion); err != nil {
		return fmt.Errorf("get postgres server version: %w", err)
	}

	if serverVersion < 11_00_00 {
		return fmt.Errorf("postgres server version too old: %d", serverVersion)
	}

	return nil
}

// MigrateStatus returns the status of every migration, known to this hub or recorded in the
// database, by migration id.
func MigrateStatus(db *sql.DB) (map[string]*MigrationStatusRow, error) {
	known, err := (&migrate.MemoryMigrationSource{Migrations: migrations.All()}).FindMigrations()
	if err != nil {
		return nil, err
	}

	records, err := (&migrate.MigrationSet{TableName: migrations.MigrationTableName}).GetMigrationRecords(db, "postgres")
	if err != nil {
		return nil, err
	}

	status := make(map[string]*MigrationStatusRow, len(known))
	for _, m := range known {
		status[m.Id] = &MigrationStatusRow{}
	}

	for _, r := range records {
		row, ok := status[r.Id]
		if !ok {
			row = &MigrationStatusRow{Unknown: true}
			status[r.Id] = row
		}
		row.Migrated = true
		row.AppliedAt = r.AppliedAt
	}

	return status, nil
}
