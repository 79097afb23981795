// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"fmt"

	"github.com/element-hq/asgateway/appservice/storage/memory"
	"github.com/element-hq/asgateway/appservice/storage/postgres"
	"github.com/element-hq/asgateway/appservice/storage/redis"
	"github.com/element-hq/asgateway/appservice/storage/shared"
	"github.com/element-hq/asgateway/appservice/storage/sqlite3"
	"github.com/element-hq/asgateway/internal/sqlutil"
	"github.com/element-hq/asgateway/setup/config"
)

// NewDatabase opens the transaction store selected in the config.
func NewDatabase(ctx context.Context, conMan *sqlutil.Connections, cfg *config.Transactions) (Database, error) {
	switch cfg.Backend {
	case config.TransactionBackendMemory:
		return memory.NewDatabase(cfg.SeenTTL), nil
	case config.TransactionBackendRedis:
		db, err := redis.NewDatabase(ctx, &cfg.Redis, cfg.SeenTTL)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.TransactionBackendDatabase:
		return newSQLDatabase(conMan, cfg)
	default:
		return nil, fmt.Errorf("unknown transaction backend %q", cfg.Backend)
	}
}

func newSQLDatabase(conMan *sqlutil.Connections, cfg *config.Transactions) (Database, error) {
	var (
		db  *shared.Database
		err error
	)
	switch {
	case cfg.Database.ConnectionString == "":
		return nil, fmt.Errorf("no database connection string configured")
	case cfg.Database.ConnectionString.IsSQLite():
		db, err = sqlite3.NewDatabase(conMan, &cfg.Database, cfg.SeenTTL)
	case cfg.Database.ConnectionString.IsPostgres():
		db, err = postgres.NewDatabase(conMan, &cfg.Database, cfg.SeenTTL)
	default:
		return nil, fmt.Errorf("unexpected database type")
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}
