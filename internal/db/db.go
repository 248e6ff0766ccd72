// Package db provides the thin database handle types every domain store in
// Loom builds on. It intentionally does not generate per-query methods the
// way sqlc would; domain stores (pkg/registry, pkg/secret, pkg/ipalloc, ...)
// write their own SQL against DBTX directly, following the same pattern the
// incident store this repo was adapted from used for its own queries.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, letting store
// constructors accept either a pool connection or an in-flight transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries is a handle carrying a DBTX. Domain stores embed or wrap it rather
// than calling generated methods; it exists so every store constructor has a
// consistent shape (db.New(dbtx)) regardless of whether the underlying
// queries are hand-written.
type Queries struct {
	db DBTX
}

func New(dbtx DBTX) *Queries {
	return &Queries{db: dbtx}
}

func (q *Queries) DB() DBTX { return q.db }
