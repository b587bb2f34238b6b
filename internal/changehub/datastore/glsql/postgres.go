// Package glsql (changehub SQL) is a helper package to work with plain SQL queries.
package glsql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Blank import to enable integration of github.com/lib/pq into database/sql
	_ "github.com/lib/pq"
	migrate "github.com/rubenv/sql-migrate"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore/migrations"
)

// OpenDB returns connection pool to the database.
func OpenDB(ctx context.Context, conf config.DB) (*sql.DB, error) {
	// lib/pq sends parameters in binary form with this setting, which keeps bytea payloads
	// from being hex encoded on the wire. pgx does not know the key, so it is not part of DSN.
	db, err := sql.Open("postgres", DSN(conf, false)+" binary_parameters=yes")
	if err != nil {
		return nil, err
	}

	errChan := make(chan error, 1)
	go func() {
		if err := db.PingContext(ctx); err != nil {
			errChan <- fmt.Errorf("send ping: %w", err)
		} else {
			errChan <- nil
		}
	}()

	select {
	// Because of the issue https://github.com/lib/pq/issues/620 we need to handle context
	// cancellation/timeout by ourselves.
	case <-ctx.Done():
		db.Close()
		return nil, ctx.Err()
	case err := <-errChan:
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

// DSN compiles configuration into data source name understood by both lib/pq and pgx. With
// direct set, the session_pooled settings take precedence.
func DSN(db config.DB, direct bool) string {
	conn := config.DBConnection{
		Host:        db.Host,
		Port:        db.Port,
		User:        db.User,
		Password:    db.Password,
		DBName:      db.DBName,
		SSLMode:     db.SSLMode,
		SSLCert:     db.SSLCert,
		SSLKey:      db.SSLKey,
		SSLRootCert: db.SSLRootCert,
	}
	if direct {
		conn = overlay(conn, db.SessionPooled)
	}

	var fields []string
	if conn.Port > 0 {
		fields = append(fields, fmt.Sprintf("port=%d", conn.Port))
	}

	for _, kv := range [][2]string{
		{"host", conn.Host},
		{"user", conn.User},
		{"password", conn.Password},
		{"dbname", conn.DBName},
		{"sslmode", conn.SSLMode},
		{"sslcert", conn.SSLCert},
		{"sslkey", conn.SSLKey},
		{"sslrootcert", conn.SSLRootCert},
	} {
		if kv[1] == "" {
			continue
		}
		fields = append(fields, kv[0]+"="+dsnEscaper.Replace(kv[1]))
	}

	return strings.Join(fields, " ")
}

var dsnEscaper = strings.NewReplacer("'", `\'`, " ", `\ `)

// overlay returns base with every field set in top replaced.
func overlay(base, top config.DBConnection) config.DBConnection {
	str := func(b *string, t string) {
		if t != "" {
			*b = t
		}
	}
	str(&base.Host, top.Host)
	str(&base.User, top.User)
	str(&base.Password, top.Password)
	str(&base.DBName, top.DBName)
	str(&base.SSLMode, top.SSLMode)
	str(&base.SSLCert, top.SSLCert)
	str(&base.SSLKey, top.SSLKey)
	str(&base.SSLRootCert, top.SSLRootCert)
	if top.Port != 0 {
		base.Port = top.Port
	}
	return base
}

// Migrate will apply all pending SQL migrations.
func Migrate(db *sql.DB, ignoreUnknown bool) (int, error) {
	migrationSet := migrate.MigrationSet{
		IgnoreUnknown: ignoreUnknown,
		TableName:     migrations.MigrationTableName,
	}

	migrationSource := &migrate.MemoryMigrationSource{
		Migrations: migrations.All(),
	}

	return migrationSet.Exec(db, "postgres", migrationSource, migrate.Up)
}

// Querier is an abstraction on *sql.DB and *sql.Tx that allows to use their methods without awareness about actual type.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// InTx runs fn inside a transaction on db. The transaction is committed if fn returns nil
// and rolled back otherwise.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (returnedErr error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	defer func() {
		if returnedErr == nil {
			return
		}
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			returnedErr = fmt.Errorf("%w, rollback: %v", returnedErr, err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// Notification represent a notification from the database.
type Notification struct {
	// Channel is a name of the receiving channel.
	Channel string
	// Payload is a payload of the notification.
	Payload string
}

// ListenHandler contains a set of methods that would be called on corresponding notifications received.
type ListenHandler interface {
	// Notification would be triggered once a new notification received.
	Notification(Notification)
	// Disconnect would be triggered once a connection to remote service is lost.
	// Passed in error will never be nil and will contain cause of the disconnection.
	Disconnect(error)
	// Connected would be triggered once a connection to remote service is established.
	Connected()
}

// ListenHandlers fans every callback out to each of its handlers in order.
type ListenHandlers []ListenHandler

// Notification passes n to every handler.
func (hs ListenHandlers) Notification(n Notification) {
	for _, h := range hs {
		h.Notification(n)
	}
}

// Disconnect passes err to every handler.
func (hs ListenHandlers) Disconnect(err error) {
	for _, h := range hs {
		h.Disconnect(err)
	}
}

// Connected notifies every handler.
func (hs ListenHandlers) Connected() {
	for _, h := range hs {
		h.Connected()
	}
}
