package mds

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/motech/platform/internal/shared/errors"
	"github.com/motech/platform/internal/shared/metrics"
)

// PostgresStore keeps instances in the mds_instances table. Entity values
// are stored as JSONB; auto fields have their own columns.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	return &postgresTx{tx: tx}, nil
}

type postgresTx struct {
	tx pgx.Tx
}

const selectInstance = `
	SELECT id, data, creator, owner, modified_by, creation_date, modification_date
	FROM mds_instances`

func scanInstance(row pgx.Row) (*Instance, error) {
	var (
		inst = NewInstance(nil)
		data []byte
	)
	if err := row.Scan(&inst.ID, &data, &inst.Creator, &inst.Owner, &inst.ModifiedBy,
		&inst.CreationDate, &inst.ModificationDate); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &inst.Values); err != nil {
		return nil, errors.Wrap(err, "failed to decode instance data")
	}
	return inst, nil
}

// Serialization failures and deadlocks are reported as ErrConcurrentUpdate.
const (
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

func storeError(err error, className, id, message string) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && (pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected) {
		return concurrentUpdate(className, id)
	}
	return errors.Wrap(err, message)
}

// Get locks the row until the transaction ends, so a read followed by a
// write of the same instance cannot interleave with another transaction.
func (t *postgresTx) Get(ctx context.Context, className, id string) (*Instance, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("mds_get", time.Since(start)) }()

	inst, err := scanInstance(t.tx.QueryRow(ctx, selectInstance+`
		WHERE entity_class = $1 AND id::text = $2
		FOR UPDATE`, className, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err, className, id, "failed to get instance")
	}
	return inst, nil
}

func (t *postgresTx) List(ctx context.Context, className string) ([]*Instance, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("mds_list", time.Since(start)) }()

	rows, err := t.tx.Query(ctx, selectInstance+`
		WHERE entity_class = $1
		ORDER BY seq`, className)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list instances")
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan instance")
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list instances")
	}
	return out, nil
}

func (t *postgresTx) Put(ctx context.Context, className string, inst *Instance) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("mds_put", time.Since(start)) }()

	data, err := json.Marshal(inst.Values)
	if err != nil {
		return errors.Wrap(err, "failed to encode instance data")
	}

	query := `
		INSERT INTO mds_instances (
			entity_class, id, data, creator, owner, modified_by,
			creation_date, modification_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_class, id) DO UPDATE SET
			data = EXCLUDED.data,
			owner = EXCLUDED.owner,
			modified_by = EXCLUDED.modified_by,
			modification_date = EXCLUDED.modification_date`

	_, err = t.tx.Exec(ctx, query,
		className, inst.ID, data, inst.Creator, inst.Owner, inst.ModifiedBy,
		inst.CreationDate, inst.ModificationDate,
	)
	if err != nil {
		return storeError(err, className, inst.ID, "failed to save instance")
	}
	return nil
}

func (t *postgresTx) Delete(ctx context.Context, className, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("mds_delete", time.Since(start)) }()

	_, err := t.tx.Exec(ctx, `DELETE FROM mds_instances WHERE entity_class = $1 AND id::text = $2`, className, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete instance")
	}
	return nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return storeError(err, "", "", "failed to commit transaction")
	}
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return errors.Wrap(err, "failed to rollback transaction")
	}
	return nil
}
