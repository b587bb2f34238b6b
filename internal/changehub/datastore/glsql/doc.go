// Package glsql holds the Postgres plumbing of the ledger store: opening connections from
// the hub configuration, running functions in a transaction and dispatching LISTEN
// notifications.
//
// Tests that need a database call NewDB, which clones a migrated template database and
// drops the clone when the test finishes. They are skipped unless PGHOST and PGPORT are
// set, PGUSER is used when present:
//
//	PGHOST=localhost PGPORT=5432 PGUSER=postgres go test ./internal/changehub/datastore/...
//
// Writers are serialized with transaction-scoped advisory locks and work behind a
// transaction pooler. The LISTEN connection of the tip notifications keeps session state,
// so it uses the session_pooled settings.
package glsql
