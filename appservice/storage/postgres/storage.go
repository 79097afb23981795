// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"time"

	"github.com/element-hq/asgateway/appservice/storage/shared"
	"github.com/element-hq/asgateway/internal/sqlutil"
	"github.com/element-hq/asgateway/setup/config"
)

// NewDatabase opens a new database
func NewDatabase(conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions, seenTTL time.Duration) (*shared.Database, error) {
	db, writer, err := conMan.Connection(dbProperties)
	if err != nil {
		return nil, err
	}
	seenTransactions, err := NewPostgresSeenTransactionsTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:               db,
		Writer:           writer,
		SeenTransactions: seenTransactions,
		SeenTTL:          seenTTL,
	}, nil
}
