// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"
)

type SeenTransactions interface {
	// InsertSeenTransaction returns false if the row already existed.
	InsertSeenTransaction(ctx context.Context, txn *sql.Tx, appserviceID, txnID string, seenTS int64) (bool, error)
	DeleteSeenTransactionsBefore(ctx context.Context, txn *sql.Tx, seenTS int64) error
}
