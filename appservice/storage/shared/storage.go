// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"time"

	"github.com/element-hq/asgateway/appservice/storage/tables"
	"github.com/element-hq/asgateway/internal/sqlutil"
)

type Database struct {
	DB               *sql.DB
	Writer           sqlutil.Writer
	SeenTransactions tables.SeenTransactions
	// Zero keeps transaction IDs forever.
	SeenTTL time.Duration
}

// MarkTransactionSeen inserts the transaction ID, dropping expired IDs
// first when a TTL is configured.
func (d *Database) MarkTransactionSeen(ctx context.Context, appserviceID, txnID string) (inserted bool, err error) {
	now := time.Now()
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if d.SeenTTL > 0 {
			if err := d.SeenTransactions.DeleteSeenTransactionsBefore(ctx, txn, now.Add(-d.SeenTTL).UnixMilli()); err != nil {
				return err
			}
		}
		inserted, err = d.SeenTransactions.InsertSeenTransaction(ctx, txn, appserviceID, txnID, now.UnixMilli())
		return err
	})
	return inserted, err
}

// Close is a no-op: the connection belongs to the connection manager.
func (d *Database) Close() error {
	return nil
}
