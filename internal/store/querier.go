package store

import (
	"context"
	"database/sql"
)

// Querier is the query surface shared by *sql.DB and *sql.Tx. Data
// access helpers take a Querier so the same code serves both direct
// calls and the transactional consolidation path.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)
