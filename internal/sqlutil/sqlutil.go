// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"sync"

	"github.com/pkg/errors"
)

// Writer serializes database writes. SQLite allows only one writer at a time,
// so every mutation goes through Writer.Do, which wraps the function in a
// transaction when one isn't already in flight.
type Writer interface {
	Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error
}

// ExclusiveWriter implements Writer with a process-wide mutex per database.
type ExclusiveWriter struct {
	mu sync.Mutex
}

// NewExclusiveWriter returns a Writer suitable for SQLite databases.
func NewExclusiveWriter() Writer {
	return &ExclusiveWriter{}
}

func (w *ExclusiveWriter) Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if txn != nil || db == nil {
		return fn(txn)
	}
	return WithTransaction(db, fn)
}

// DummyWriter implements Writer without any locking or transactions, for
// backends that don't need either (in-memory tables).
type DummyWriter struct{}

// NewDummyWriter returns a Writer that just runs the function.
func NewDummyWriter() Writer {
	return &DummyWriter{}
}

func (w *DummyWriter) Do(db *sql.DB, txn *sql.Tx, fn func(txn *sql.Tx) error) error {
	return fn(txn)
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on error or panic.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "sqlutil: failed to begin transaction")
	}
	succeeded := false
	defer func() {
		if succeeded {
			err = txn.Commit()
			return
		}
		txn.Rollback() // nolint: errcheck
	}()
	if err = fn(txn); err != nil {
		return err
	}
	succeeded = true
	return nil
}

// TxStmt wraps an SQL stmt inside an optional transaction.
func TxStmt(transaction *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if transaction != nil {
		statement = transaction.Stmt(statement)
	}
	return statement
}

// StatementList is a list of SQL statements to prepare against a database
// and pointers to where to store the resulting prepared statements.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare the SQL for each statement in the list and assign the result to
// the given address.
func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, statement := range s {
		if *statement.Statement, err = db.Prepare(statement.SQL); err != nil {
			return errors.Wrapf(err, "sqlutil: failed to prepare %q", statement.SQL)
		}
	}
	return nil
}
