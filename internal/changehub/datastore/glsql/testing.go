package glsql

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
)

const (
	// templateLockID serializes the tests that create or migrate the template database.
	templateLockID   = 1627644551
	templateDatabase = "changehub_template"
)

// ledgerTables are emptied by TruncateAll, referencing tables first.
var ledgerTables = []string{"payloads", "change_packages", "resource_states", "replicas"}

// DB is a migrated database created for a single test.
type DB struct {
	*sql.DB
	Name string
}

// TruncateAll empties every ledger table and restarts the sequences.
func (db DB) TruncateAll(t testing.TB) {
	t.Helper()

	for _, table := range ledgerTables {
		_, err := db.Exec("DELETE FROM " + table)
		require.NoError(t, err, "truncate %s", table)
	}

	_, err := db.Exec("SELECT setval(relname::TEXT, 1, false) FROM pg_class WHERE relkind = 'S'")
	require.NoError(t, err, "restart sequences")
}

// RequireRowsInTable verifies table holds n rows.
func (db DB) RequireRowsInTable(t *testing.T, table string, n int) {
	t.Helper()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&count))
	require.Equal(t, n, count, "rows in %s", table)
}

// NewDB creates a database from the migrated template and drops it once the test finished.
// The test is skipped unless PGHOST and PGPORT point to a Postgres server, PGUSER is optional.
func NewDB(t testing.TB) DB {
	t.Helper()

	name := "changehub_" + strings.ReplaceAll(uuid.New().String(), "-", "")

	admin := openTestDB(t, GetDBConfig(t, "postgres"), true)
	defer admin.Close()

	prepareTemplate(t, admin)

	_, err := admin.Exec("CREATE DATABASE " + name + " TEMPLATE " + templateDatabase)
	require.NoError(t, err, "create %s", name)

	t.Cleanup(func() {
		admin := openTestDB(t, GetDBConfig(t, "postgres"), true)
		defer admin.Close()

		_, err := admin.Exec("SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1", name)
		require.NoError(t, err)
		_, err = admin.Exec("DROP DATABASE " + name)
		require.NoError(t, err, "drop %s", name)
	})

	db := openTestDB(t, GetDBConfig(t, name), false)
	t.Cleanup(func() { _ = db.Close() })

	return DB{DB: db, Name: name}
}

// prepareTemplate creates the template database if needed and migrates it. A template
// carrying migrations this tree does not know is recreated.
func prepareTemplate(t testing.TB, admin *sql.DB) {
	t.Helper()

	// Session level advisory locks must be released on the connection that took them.
	ctx := context.Background()
	lockConn, err := admin.Conn(ctx)
	require.NoError(t, err)
	defer lockConn.Close()

	_, err = lockConn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", templateLockID)
	require.NoError(t, err, "lock template")
	defer func() {
		_, err := lockConn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", templateLockID)
		require.NoError(t, err, "unlock template")
	}()

	var exists bool
	require.NoError(t, admin.QueryRow("SELECT EXISTS(SELECT * FROM pg_database WHERE datname = $1)", templateDatabase).Scan(&exists))
	if !exists {
		createTemplate(t, admin)
	}

	if err := migrateTemplate(t); err != nil {
		var planErr *migrate.PlanError
		require.True(t, errors.As(err, &planErr) && strings.EqualFold(planErr.ErrorMessage, "unknown migration in database"),
			"migrate template: %v", err)

		_, err := admin.Exec("DROP DATABASE " + templateDatabase)
		require.NoError(t, err, "drop template")
		createTemplate(t, admin)
		require.NoError(t, migrateTemplate(t), "migrate recreated template")
	}
}

func createTemplate(t testing.TB, admin *sql.DB) {
	t.Helper()

	_, err := admin.Exec("CREATE DATABASE " + templateDatabase + " WITH ENCODING 'UTF8'")
	require.NoError(t, err, "create template")
}

func migrateTemplate(t testing.TB) error {
	t.Helper()

	template := openTestDB(t, GetDBConfig(t, templateDatabase), true)
	defer template.Close()

	_, err := Migrate(template, false)
	return err
}

// GetDBConfig returns the configuration of database on the server PGHOST and PGPORT point
// to. The test is skipped if they are not set.
func GetDBConfig(t testing.TB, database string) config.DB {
	host, hostFound := os.LookupEnv("PGHOST")
	port, portFound := os.LookupEnv("PGPORT")
	if !hostFound || !portFound {
		t.Skip("PGHOST and PGPORT must be set to run tests against Postgres")
	}

	portNumber, err := strconv.Atoi(port)
	require.NoError(t, err, "PGPORT must be a port number")

	return config.DB{
		Host:    host,
		Port:    portNumber,
		DBName:  database,
		SSLMode: "disable",
		User:    os.Getenv("PGUSER"),
		SessionPooled: config.DBConnection{
			Host: host,
			Port: portNumber,
		},
	}
}

func openTestDB(t testing.TB, conf config.DB, direct bool) *sql.DB {
	t.Helper()

	db, err := sql.Open("postgres", DSN(conf, direct))
	require.NoError(t, err, "open %s", conf.DBName)
	if err := db.Ping(); err != nil {
		db.Close()
		require.NoError(t, err, "ping %s", conf.DBName)
	}
	return db
}
