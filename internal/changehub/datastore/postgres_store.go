package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore/advisorylock"
	"gitlab.com/gitlab-org/changehub/internal/changehub/datastore/glsql"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

// PostgresStore is a Postgres implementation of Store. Refer to the interfaces for method
// documentation. Writes to a document are serialized by a transaction-scoped advisory lock
// keyed by the document, reads see the last committed write.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a Postgres implementation of Store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// inDocumentTx runs fn in a transaction holding the document's ledger lock.
func (s *PostgresStore) inDocumentTx(ctx context.Context, document string, fn func(tx *sql.Tx) error) error {
	return glsql.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, advisorylock.Ledger, document); err != nil {
			return fmt.Errorf("lock document: %w", err)
		}
		return fn(tx)
	})
}

func (s *PostgresStore) replica(ctx context.Context, db glsql.Querier, document string, id resource.ReplicaID) (Replica, error) {
	r := Replica{ID: id, Document: document}
	if err := db.QueryRowContext(ctx, `
SELECT owner, created_at
FROM replicas
WHERE id = $1 AND document = $2 AND abandoned_at IS NULL
`, int64(id), document).Scan(&r.Owner, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Replica{}, fmt.Errorf("%w: %d", commonerr.ErrReplicaNotFound, id)
		}
		return Replica{}, fmt.Errorf("query replica: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func scanStates(rows *sql.Rows) (_ []resource.State, returnedErr error) {
	defer func() {
		if err := rows.Close(); err != nil && returnedErr == nil {
			returnedErr = err
		}
	}()

	var states []resource.State
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		var st resource.State
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		states = append(states, st)
	}

	return states, rows.Err()
}

// table loads the given resources of the document into a state table.
func (s *PostgresStore) table(ctx context.Context, db glsql.Querier, document string, ids []resource.ID) (*stateTable, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = resourceKey(id)
	}

	rows, err := db.QueryContext(ctx, `
SELECT state
FROM resource_states
WHERE document = $1 AND resource_key = ANY($2)
`, document, pq.StringArray(keys))
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}

	states, err := scanStates(rows)
	if err != nil {
		return nil, err
	}
	return newStateTable(states...), nil
}

func (s *PostgresStore) heldTable(ctx context.Context, db glsql.Querier, document string, replica resource.ReplicaID) (*stateTable, error) {
	rows, err := db.QueryContext(ctx, `
SELECT state
FROM resource_states
WHERE document = $1 AND holders @> ARRAY[$2]::BIGINT[]
`, document, int64(replica))
	if err != nil {
		return nil, fmt.Errorf("query held states: %w", err)
	}

	states, err := scanStates(rows)
	if err != nil {
		return nil, err
	}
	return newStateTable(states...), nil
}

func (s *PostgresStore) persist(ctx context.Context, tx *sql.Tx, document string, t *stateTable) error {
	for _, st := range t.changed() {
		key := resourceKey(st.ID)

		if st.IsEmpty() {
			if _, err := tx.ExecContext(ctx, `
DELETE FROM resource_states WHERE document = $1 AND resource_key = $2
`, document, key); err != nil {
				return fmt.Errorf("delete state: %w", err)
			}
			continue
		}

		encoded, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}

		// The state is passed as text: binary parameters would be taken as the binary
		// jsonb representation.
		if _, err := tx.ExecContext(ctx, `
INSERT INTO resource_states (document, resource_key, state, holders)
VALUES ($1, $2, $3::JSONB, $4)
ON CONFLICT (document, resource_key) DO UPDATE
SET state = EXCLUDED.state, holders = EXCLUDED.holders
`, document, key, string(encoded), pq.Int64Array(holderIDs(st))); err != nil {
			return fmt.Errorf("upsert state: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) RegisterReplica(ctx context.Context, document, owner string) (Replica, error) {
	if document == "" {
		return Replica{}, fmt.Errorf("%w: empty document", commonerr.ErrInvalidRequest)
	}

	r := Replica{Document: document, Owner: owner}
	var id int64
	if err := s.db.QueryRowContext(ctx, `
INSERT INTO replicas (document, owner)
VALUES ($1, $2)
RETURNING id, created_at
`, document, owner).Scan(&id, &r.CreatedAt); err != nil {
		return Replica{}, fmt.Errorf("insert replica: %w", err)
	}

	r.ID = resource.ReplicaID(id)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (s *PostgresStore) GetReplica(ctx context.Context, document string, replica resource.ReplicaID) (Replica, error) {
	return s.replica(ctx, s.db, document, replica)
}

func (s *PostgresStore) ListReplicas(ctx context.Context, document string) (_ []Replica, returnedErr error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner, created_at
FROM replicas
WHERE document = $1 AND abandoned_at IS NULL
ORDER BY id
`, document)
	if err != nil {
		return nil, fmt.Errorf("query replicas: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil && returnedErr == nil {
			returnedErr = err
		}
	}()

	var replicas []Replica
	for rows.Next() {
		r := Replica{Document: document}
		var id int64
		if err := rows.Scan(&id, &r.Owner, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		r.ID = resource.ReplicaID(id)
		r.CreatedAt = r.CreatedAt.UTC()
		replicas = append(replicas, r)
	}

	return replicas, rows.Err()
}

func (s *PostgresStore) AbandonReplica(ctx context.Context, document string, replica resource.ReplicaID) ([]resource.ID, error) {
	var released []resource.ID
	if err := s.inDocumentTx(ctx, document, func(tx *sql.Tx) error {
		if _, err := s.replica(ctx, tx, document, replica); err != nil {
			return err
		}

		t, err := s.heldTable(ctx, tx, document, replica)
		if err != nil {
			return err
		}

		released = releaseIDs(t, replica, t.ids())
		if err := s.persist(ctx, tx, document, t); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE replicas SET abandoned_at = NOW() WHERE id = $1`, int64(replica)); err != nil {
			return fmt.Errorf("abandon replica: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return released, nil
}

func (s *PostgresStore) QueryState(ctx context.Context, document string, ids []resource.ID) (map[resource.ID]resource.State, error) {
	if err := validateIDs(ids); err != nil {
		return nil, err
	}

	t, err := s.table(ctx, s.db, document, ids)
	if err != nil {
		return nil, err
	}

	states := make(map[resource.ID]resource.State, len(ids))
	for _, id := range ids {
		states[id] = t.get(id)
	}
	return states, nil
}

func (s *PostgresStore) ListStates(ctx context.Context, document string) ([]resource.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM resource_states WHERE document = $1`, document)
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}

	states, err := scanStates(rows)
	if err != nil {
		return nil, err
	}

	sort.Slice(states, func(i, j int) bool { return states[i].ID.Less(states[j].ID) })
	return states, nil
}

func (s *PostgresStore) HeldBy(ctx context.Context, document string, replica resource.ReplicaID) ([]resource.State, error) {
	if _, err := s.replica(ctx, s.db, document, replica); err != nil {
		return nil, err
	}

	t, err := s.heldTable(ctx, s.db, document, replica)
	if err != nil {
		return nil, err
	}

	states := make([]resource.State, 0, len(t.states))
	for _, id := range t.ids() {
		states = append(states, t.get(id))
	}
	return states, nil
}

func (s *PostgresStore) AreAvailable(ctx context.Context, document string, replica resource.ReplicaID, claims []resource.Claim, asOf int64) ([]resource.Conflict, error) {
	if err := validateClaims(claims); err != nil {
		return nil, err
	}

	if _, err := s.replica(ctx, s.db, document, replica); err != nil {
		return nil, err
	}

	t, err := s.table(ctx, s.db, document, resource.IDs(claims))
	if err != nil {
		return nil, err
	}

	return evaluateClaims(t, replica, claims, asOf), nil
}

func (s *PostgresStore) Acquire(ctx context.Context, document string, replica resource.ReplicaID, claims []resource.Claim, asOf int64) ([]resource.Conflict, error) {
	if err := validateClaims(claims); err != nil {
		return nil, err
	}

	var conflicts []resource.Conflict
	if err := s.inDocumentTx(ctx, document, func(tx *sql.Tx) error {
		if _, err := s.replica(ctx, tx, document, replica); err != nil {
			return err
		}

		t, err := s.table(ctx, tx, document, resource.IDs(claims))
		if err != nil {
			return err
		}

		if conflicts = acquireClaims(t, replica, claims, asOf); len(conflicts) > 0 {
			return nil
		}

		return s.persist(ctx, tx, document, t)
	}); err != nil {
		return nil, err
	}

	return conflicts, nil
}

func (s *PostgresStore) Release(ctx context.Context, document string, replica resource.ReplicaID, ids []resource.ID) ([]resource.ID, error) {
	if err := validateIDs(ids); err != nil {
		return nil, err
	}

	ids = dedupeIDs(ids)

	var released []resource.ID
	if err := s.inDocumentTx(ctx, document, func(tx *sql.Tx) error {
		if _, err := s.replica(ctx, tx, document, replica); err != nil {
			return err
		}

		t, err := s.table(ctx, tx, document, ids)
		if err != nil {
			return err
		}

		released = releaseIDs(t, replica, ids)
		return s.persist(ctx, tx, document, t)
	}); err != nil {
		return nil, err
	}

	return released, nil
}

func (s *PostgresStore) RelinquishAll(ctx context.Context, document string, replica resource.ReplicaID) ([]resource.ID, error) {
	var released []resource.ID
	if err := s.inDocumentTx(ctx, document, func(tx *sql.Tx) error {
		if _, err := s.replica(ctx, tx, document, replica); err != nil {
			return err
		}

		t, err := s.heldTable(ctx, tx, document, replica)
		if err != nil {
			return err
		}

		released = releaseIDs(t, replica, t.ids())
		return s.persist(ctx, tx, document, t)
	}); err != nil {
		return nil, err
	}

	return released, nil
}

func (s *PostgresStore) DiscardOrReserveNames(ctx context.Context, document string, replica resource.ReplicaID, changes NameChanges, index int64) ([]resource.Conflict, error) {
	ids := append(append([]resource.ID(nil), changes.Discarded...), changes.Used...)
	if err := validateIDs(ids); err != nil {
		return nil, err
	}

	var conflicts []resource.Conflict
	if err := s.inDocumentTx(ctx, document, func(tx *sql.Tx) error {
		if _, err := s.replica(ctx, tx, document, replica); err != nil {
			return err
		}

		tip, err := s.tip(ctx, tx, document)
		if err != nil {
			return err
		}

		if index < 1 || index > tip.Index {
			return fmt.Errorf("%w: package %d does not exist", commonerr.ErrInvalidRequest, index)
		}

		t, err := s.table(ctx, tx, document, ids)
		if err != nil {
			return err
		}

		if conflicts = recordNames(t, replica, changes, index); len(conflicts) > 0 {
			return nil
		}

		return s.persist(ctx, tx, document, t)
	}); err != nil {
		return nil, err
	}

	return conflicts, nil
}

func (s *PostgresStore) Tip(ctx context.Context, document string) (changepkg.Link, error) {
	return s.tip(ctx, s.db, document)
}

func (s *PostgresStore) tip(ctx context.Context, db glsql.Querier, document string) (changepkg.Link, error) {
	var tip changepkg.Link
	if err := db.QueryRowContext(ctx, `
SELECT package_index, id
FROM change_packages
WHERE document = $1
ORDER BY package_index DESC
LIMIT 1
`, document).Scan(&tip.Index, &tip.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return changepkg.Root, nil
		}
		return changepkg.Link{}, fmt.Errorf("query tip: %w", err)
	}
	return tip, nil
}

const packageColumns = `package_index, id, parent_id, replica_id, created_at, description, contains_schema_change, payload_digest, payload_size`

func scanPackage(row interface{ Scan(...interface{}) error }) (changepkg.Package, error) {
	var pkg changepkg.Package
	var replica int64
	if err := row.Scan(
		&pkg.Index,
		&pkg.ID,
		&pkg.ParentID,
		&replica,
		&pkg.CreatedAt,
		&pkg.Description,
		&pkg.ContainsSchemaChange,
		&pkg.PayloadDigest,
		&pkg.PayloadSize,
	); err != nil {
		return changepkg.Package{}, err
	}
	pkg.Replica = resource.ReplicaID(replica)
	pkg.CreatedAt = pkg.CreatedAt.UTC()
	return pkg, nil
}

func (s *PostgresStore) QueryAfter(ctx context.Context, document string, after int64, limit int) (_ []changepkg.Package, returnedErr error) {
	if after < 0 || limit < 1 {
		return nil, fmt.Errorf("%w: after %d, limit %d", commonerr.ErrInvalidRequest, after, limit)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+packageColumns+`
FROM change_packages
WHERE document = $1 AND package_index > $2
ORDER BY package_index
LIMIT $3
`, document, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query packages: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil && returnedErr == nil {
			returnedErr = err
		}
	}()

	var packages []changepkg.Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		packages = append(packages, pkg)
	}

	return packages, rows.Err()
}

func (s *PostgresStore) CreateAndPush(ctx context.Context, document string, req PushRequest) (changepkg.Package, error) {
	if err := validatePush(req); err != nil {
		return changepkg.Package{}, err
	}

	var pkg changepkg.Package
	if err := s.inDocumentTx(ctx, document, func(tx *sql.Tx) error {
		if _, err := s.replica(ctx, tx, document, req.Replica); err != nil {
			return err
		}

		var size int64
		if err := tx.QueryRowContext(ctx, `
SELECT octet_length(payload) FROM payloads WHERE document = $1 AND digest = $2
`, document, req.PayloadDigest).Scan(&size); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", commonerr.ErrPayloadMissing, req.PayloadDigest)
			}
			return fmt.Errorf("query payload: %w", err)
		}

		tip, err := s.tip(ctx, tx, document)
		if err != nil {
			return err
		}

		var lookupErr error
		existing, ok, err := checkParent(tip, req, func(index int64) changepkg.Package {
			var found changepkg.Package
			found, lookupErr = scanPackage(tx.QueryRowContext(ctx, `
SELECT `+packageColumns+` FROM change_packages WHERE document = $1 AND package_index = $2
`, document, index))
			return found
		})
		if lookupErr != nil {
			return fmt.Errorf("query package: %w", lookupErr)
		}
		if err != nil {
			return err
		}
		if ok {
			pkg = existing
			return nil
		}

		t, err := s.table(ctx, tx, document, req.Resources)
		if err != nil {
			return err
		}

		if conflicts := requireExclusive(t, req.Replica, req.Resources, req.ParentIndex); len(conflicts) > 0 {
			return commonerr.NewConflictError(conflicts)
		}

		var now time.Time
		if err := tx.QueryRowContext(ctx, `SELECT NOW()`).Scan(&now); err != nil {
			return fmt.Errorf("query time: %w", err)
		}

		pkg = newPackage(tip, req, size, now.UTC())
		if _, err := tx.ExecContext(ctx, `
INSERT INTO change_packages (`+packageColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`,
			pkg.Index,
			pkg.ID,
			pkg.ParentID,
			int64(pkg.Replica),
			pkg.CreatedAt,
			pkg.Description,
			pkg.ContainsSchemaChange,
			pkg.PayloadDigest,
			pkg.PayloadSize,
		); err != nil {
			return fmt.Errorf("insert package: %w", err)
		}

		stampIDs(t, req.Replica, req.Resources, pkg.Index)
		if err := s.persist(ctx, tx, document, t); err != nil {
			return err
		}

		// Notifications are delivered on commit only.
		notification := tipNotification(document, pkg)
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notification.Channel, notification.Payload); err != nil {
			return fmt.Errorf("notify: %w", err)
		}

		return nil
	}); err != nil {
		return changepkg.Package{}, err
	}

	return pkg, nil
}

func (s *PostgresStore) PutPayload(ctx context.Context, document, digest string, payload []byte) error {
	if err := validatePayload(digest, payload); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO payloads (document, digest, payload)
VALUES ($1, $2, $3)
ON CONFLICT (document, digest) DO NOTHING
`, document, digest, payload); err != nil {
		return fmt.Errorf("insert payload: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPayload(ctx context.Context, document, digest string) ([]byte, error) {
	var payload []byte
	if err := s.db.QueryRowContext(ctx, `
SELECT payload FROM payloads WHERE document = $1 AND digest = $2
`, document, digest).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", commonerr.ErrPayloadMissing, digest)
		}
		return nil, fmt.Errorf("query payload: %w", err)
	}
	return payload, nil
}
