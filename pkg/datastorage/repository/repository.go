// Package repository is the PostgreSQL implementation of the persistence
// contract in pkg/scheduler/store. One Store instance wraps one shared
// *sqlx.DB pool; every method is a single transaction (or a single
// auto-committed statement), so each operation succeeds atomically or
// leaves state unchanged.
package repository

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/vcsched/scheduler-core/pkg/scheduler/classifier"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

// Store implements store.Store against PostgreSQL. The classifier table is
// needed for derived-view maintenance (RefreshLastRun must know which
// result codes are no-ops and which are transient); it is an immutable
// snapshot swapped via SetClassifier on reload, never mutated.
type Store struct {
	db         *sqlx.DB
	logger     *zap.Logger
	classifier *classifier.Table
}

func NewStore(db *sqlx.DB, table *classifier.Table, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if table == nil {
		table = classifier.DefaultTable()
	}
	return &Store{db: db, logger: logger, classifier: table}
}

// SetClassifier swaps in a new classification snapshot. Safe only during
// a reload barrier; concurrent readers of the old snapshot are unaffected
// because Table itself is immutable.
func (s *Store) SetClassifier(table *classifier.Table) {
	s.classifier = table
}

// PostgreSQL error codes the repositories translate into the store
// package's sentinel errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgSerializationFail   = "40001"
	pgDeadlockDetected    = "40P01"
)

// translateError maps driver-level failures onto the persistence
// contract's sentinels: constraint violations are permanent conflicts,
// serialization failures and deadlocks are retryable, missing rows are
// not-found. Anything else passes through unchanged.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgForeignKeyViolation:
			return store.ErrConflict
		case pgSerializationFail, pgDeadlockDetected:
			return store.ErrRetryable
		}
	}
	return err
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return translateError(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return translateError(err)
	}
	if err := tx.Commit(); err != nil {
		return translateError(err)
	}
	return nil
}
