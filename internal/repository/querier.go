package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx operations the repositories use. Both
// *pgxpool.Pool and pgx.Tx satisfy it, so the same repository code runs
// against the pool directly or inside a pipeline transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// ErrLayerMissing indicates an auxiliary layer whose staging table does
// not exist in the database. Callers degrade the layer rather than fail
// the run.
var ErrLayerMissing = errors.New("auxiliary layer table missing")

// undefinedTableCode is the PostgreSQL error code for a relation that
// does not exist.
const undefinedTableCode = "42P01"

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTableCode
}
