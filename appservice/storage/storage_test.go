// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/element-hq/asgateway/appservice/storage"
	"github.com/element-hq/asgateway/internal/sqlutil"
	"github.com/element-hq/asgateway/setup/config"
	"github.com/element-hq/asgateway/test"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// withAllBackends runs fn against the memory store, every SQL database
// available, and Redis when REDIS_ADDRESS is set.
func withAllBackends(t *testing.T, seenTTL time.Duration, fn func(t *testing.T, db storage.Database)) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		db, err := storage.NewDatabase(ctx, nil, &config.Transactions{
			Backend: config.TransactionBackendMemory,
			SeenTTL: seenTTL,
		})
		require.NoError(t, err)
		defer db.Close() // nolint: errcheck
		fn(t, db)
	})

	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		connStr, closeDB := test.PrepareDBConnectionString(t, dbType)
		defer closeDB()
		conMan := sqlutil.NewConnectionManager()
		defer conMan.Close() // nolint: errcheck

		cfg := &config.Transactions{
			Backend: config.TransactionBackendDatabase,
			SeenTTL: seenTTL,
		}
		cfg.Database.Defaults(10)
		cfg.Database.ConnectionString = config.DataSource(connStr)
		db, err := storage.NewDatabase(ctx, conMan, cfg)
		require.NoError(t, err)
		defer db.Close() // nolint: errcheck
		fn(t, db)
	})

	if address := os.Getenv("REDIS_ADDRESS"); address != "" {
		t.Run("redis", func(t *testing.T) {
			db, err := storage.NewDatabase(ctx, nil, &config.Transactions{
				Backend: config.TransactionBackendRedis,
				Redis:   config.Redis{Address: address},
				SeenTTL: seenTTL,
			})
			require.NoError(t, err)
			defer db.Close() // nolint: errcheck
			fn(t, db)
		})
	}
}

// Redis outlives a test run, so IDs are made unique per run.
func uniqueID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func TestMarkTransactionSeen(t *testing.T) {
	ctx := context.Background()
	withAllBackends(t, 0, func(t *testing.T, db storage.Database) {
		asID := uniqueID("appservice")

		inserted, err := db.MarkTransactionSeen(ctx, asID, "1")
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = db.MarkTransactionSeen(ctx, asID, "1")
		require.NoError(t, err)
		assert.False(t, inserted, "second delivery of the same txn ID")

		inserted, err = db.MarkTransactionSeen(ctx, asID, "2")
		require.NoError(t, err)
		assert.True(t, inserted)

		// Transaction IDs are scoped per application service.
		inserted, err = db.MarkTransactionSeen(ctx, uniqueID("other"), "1")
		require.NoError(t, err)
		assert.True(t, inserted)
	})
}

func TestMarkTransactionSeenConcurrent(t *testing.T) {
	ctx := context.Background()
	withAllBackends(t, 0, func(t *testing.T, db storage.Database) {
		asID := uniqueID("appservice")
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inserted, err := db.MarkTransactionSeen(ctx, asID, "racy")
				assert.NoError(t, err)
				if inserted {
					winners.Inc()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})
}

func TestMarkTransactionSeenExpires(t *testing.T) {
	ctx := context.Background()
	withAllBackends(t, time.Second, func(t *testing.T, db storage.Database) {
		asID := uniqueID("appservice")
		inserted, err := db.MarkTransactionSeen(ctx, asID, "1")
		require.NoError(t, err)
		require.True(t, inserted)

		inserted, err = db.MarkTransactionSeen(ctx, asID, "1")
		require.NoError(t, err)
		require.False(t, inserted)

		assert.Eventually(t, func() bool {
			inserted, err := db.MarkTransactionSeen(ctx, asID, "1")
			return err == nil && inserted
		}, 5*time.Second, 100*time.Millisecond)
	})
}

func TestNewDatabaseRejectsUnknownBackend(t *testing.T) {
	_, err := storage.NewDatabase(context.Background(), nil, &config.Transactions{Backend: "etcd"})
	assert.Error(t, err)

	cfg := &config.Transactions{Backend: config.TransactionBackendDatabase}
	_, err = storage.NewDatabase(context.Background(), sqlutil.NewConnectionManager(), cfg)
	assert.Error(t, err)
}

func ExampleDatabase() {
	db, _ := storage.NewDatabase(context.Background(), nil, &config.Transactions{Backend: config.TransactionBackendMemory})
	first, _ := db.MarkTransactionSeen(context.Background(), "appservice", "1")
	second, _ := db.MarkTransactionSeen(context.Background(), "appservice", "1")
	fmt.Println(first, second)
	// Output: true false
}
