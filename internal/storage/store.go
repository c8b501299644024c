// Package storage is the persistent store adapter. It is the only
// package that imports a database driver; every other package talks to
// a *Store through narrow, engine-shaped method sets (kernel_store.go,
// gate_store.go, evidence_store.go, ...).
//
// The adapter is backed by DuckDB (github.com/duckdb/duckdb-go/v2): a
// single-process embedded database opened once at startup, with ACID
// transactions used for every multi-row write.
package storage

import (
	"context"
	"database/sql"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/logging"
)

// Store owns the DuckDB connection pool and the circuit breaker guarding
// it. A single Store is shared by every engine in the process; callers
// never hold the underlying *sql.DB directly.
type Store struct {
	db      *sql.DB
	breaker *gobreaker.CircuitBreaker[any]
}

// Open connects to the DuckDB database at dsn (a file path or ":memory:"),
// configures the connection pool, runs schema migrations, and wraps the
// connection in a circuit breaker so repeated storage faults make
// background drivers back off instead of hammering a down database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, apperr.Storagef(err, "open database")
	}
	db.SetMaxOpenConns(runtime.NumCPU())
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, apperr.Storagef(err, "ping database")
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "storage",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("storage circuit breaker state change")
		},
	})

	s := &Store{db: db, breaker: breaker}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn inside a single database transaction, committing on a nil
// return and rolling back otherwise. The transaction isolation level is
// the driver default (serializable for DuckDB's single-writer model),
// which serializes concurrent writers the way the kernel expects.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	_, err := s.breaker.Execute(func() (any, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, classify(err, "begin transaction")
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, classify(err, "commit transaction")
		}
		return nil, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return apperr.Storagef(err, "storage circuit breaker open")
		}
	}
	return err
}

// classify turns a raw database/sql or driver error into the right apperr
// Kind: a transaction conflict is a Conflict (caller may retry after
// refetching), anything else infrastructure-shaped is a StorageError.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if e, ok := apperr.As(err); ok {
		return e
	}
	if isTransactionConflict(err) {
		return apperr.Conflictf("%s: transaction conflict", op).WithDetail("cause", err.Error())
	}
	return apperr.Storagef(err, "%s", op)
}

func isTransactionConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Transaction conflict") ||
		strings.Contains(msg, "Conflict on update") ||
		strings.Contains(msg, "cannot update a table that has been altered")
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "database is closed")
}

// uniqueViolation reports whether err indicates a unique-constraint
// violation, used by idempotency-key inserts is unique globally").
func uniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint")
}
