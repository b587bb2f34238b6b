package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20221017091500_replicas_and_resource_states",
		Up: []string{
			`CREATE TABLE replicas (
				id BIGSERIAL PRIMARY KEY,
				document TEXT NOT NULL,
				owner TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				abandoned_at TIMESTAMPTZ
			)`,
			`CREATE INDEX replicas_document_idx ON replicas (document)`,
			`CREATE TABLE resource_states (
				document TEXT NOT NULL,
				resource_key TEXT NOT NULL,
				state JSONB NOT NULL,
				holders BIGINT[] NOT NULL DEFAULT '{}',
				PRIMARY KEY (document, resource_key)
			)`,
			`CREATE INDEX resource_states_holders_idx ON resource_states USING GIN (holders)`,
		},
		Down: []string{
			`DROP TABLE resource_states`,
			`DROP TABLE replicas`,
		},
	}

	register(m)
}
