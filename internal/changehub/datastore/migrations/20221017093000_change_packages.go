package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20221017093000_change_packages",
		Up: []string{
			`CREATE TABLE payloads (
				document TEXT NOT NULL,
				digest TEXT NOT NULL,
				payload BYTEA NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (document, digest)
			)`,
			`CREATE TABLE change_packages (
				document TEXT NOT NULL,
				package_index BIGINT NOT NULL CHECK (package_index > 0),
				id TEXT NOT NULL,
				parent_id TEXT NOT NULL DEFAULT '',
				replica_id BIGINT NOT NULL REFERENCES replicas (id),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				description TEXT NOT NULL DEFAULT '',
				contains_schema_change BOOLEAN NOT NULL DEFAULT FALSE,
				payload_digest TEXT NOT NULL,
				payload_size BIGINT NOT NULL,
				PRIMARY KEY (document, package_index),
				UNIQUE (document, id),
				FOREIGN KEY (document, payload_digest) REFERENCES payloads (document, digest)
			)`,
		},
		Down: []string{
			`DROP TABLE change_packages`,
			`DROP TABLE payloads`,
		},
	}

	register(m)
}
