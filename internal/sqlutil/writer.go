// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"sync"
)

// The Writer interface is designed to solve the problem of how
// to handle database writes for database engines that don't allow
// concurrent writes (e.g. SQLite).
//
// The interface has a single Do function which takes an optional
// database parameter, an optional transaction parameter and a
// required function parameter. If db is given and txn is nil, a
// transaction is opened around f.
type Writer interface {
	Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error
}

// DummyWriter runs writes directly. Used for PostgreSQL, which copes with
// concurrent writers itself.
type DummyWriter struct{}

func NewDummyWriter() Writer {
	return &DummyWriter{}
}

func (w *DummyWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	if db != nil && txn == nil {
		return WithTransaction(db, f)
	}
	return f(txn)
}

// ExclusiveWriter serialises every write through a single lock so SQLite
// never sees two writers at once.
type ExclusiveWriter struct {
	mu sync.Mutex
}

func NewExclusiveWriter() Writer {
	return &ExclusiveWriter{}
}

func (w *ExclusiveWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if db != nil && txn == nil {
		return WithTransaction(db, f)
	}
	return f(txn)
}
