// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/asgateway/appservice/storage/tables"
	"github.com/element-hq/asgateway/internal/sqlutil"
)

const seenTransactionsSchema = `
-- Transaction IDs pushed by the homeserver that have been processed.
CREATE TABLE IF NOT EXISTS appservice_seen_transactions (
	appservice_id TEXT NOT NULL,
	txn_id TEXT NOT NULL,
	seen_ts BIGINT NOT NULL,
	PRIMARY KEY (appservice_id, txn_id)
);
CREATE INDEX IF NOT EXISTS appservice_seen_transactions_seen_ts_idx ON appservice_seen_transactions(seen_ts);
`

const insertSeenTransactionSQL = "" +
	"INSERT INTO appservice_seen_transactions (appservice_id, txn_id, seen_ts) VALUES ($1, $2, $3)" +
	" ON CONFLICT (appservice_id, txn_id) DO NOTHING"

const deleteSeenTransactionsBeforeSQL = "" +
	"DELETE FROM appservice_seen_transactions WHERE seen_ts < $1"

type seenTransactionsStatements struct {
	insertSeenTransactionStmt        *sql.Stmt
	deleteSeenTransactionsBeforeStmt *sql.Stmt
}

func NewSQLiteSeenTransactionsTable(db *sql.DB) (tables.SeenTransactions, error) {
	s := &seenTransactionsStatements{}
	if _, err := db.Exec(seenTransactionsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertSeenTransactionStmt, insertSeenTransactionSQL},
		{&s.deleteSeenTransactionsBeforeStmt, deleteSeenTransactionsBeforeSQL},
	}.Prepare(db)
}

func (s *seenTransactionsStatements) InsertSeenTransaction(
	ctx context.Context, txn *sql.Tx, appserviceID, txnID string, seenTS int64,
) (bool, error) {
	stmt := sqlutil.TxStmt(txn, s.insertSeenTransactionStmt)
	res, err := stmt.ExecContext(ctx, appserviceID, txnID, seenTS)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *seenTransactionsStatements) DeleteSeenTransactionsBefore(ctx context.Context, txn *sql.Tx, seenTS int64) error {
	_, err := sqlutil.TxStmt(txn, s.deleteSeenTransactionsBeforeStmt).ExecContext(ctx, seenTS)
	return err
}
