// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
)

// Database remembers which transactions have already been processed.
type Database interface {
	// MarkTransactionSeen records txnID as seen for the application service
	// and reports whether it was new. Checking and recording is a single
	// atomic step: of two concurrent calls for the same ID exactly one
	// returns true.
	MarkTransactionSeen(ctx context.Context, appserviceID, txnID string) (bool, error)
	Close() error
}
