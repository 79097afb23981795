// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/element-hq/asgateway/setup/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) (*sql.DB, Writer) {
	t.Helper()
	cm := NewConnectionManager()
	t.Cleanup(func() { _ = cm.Close() })
	db, writer, err := cm.Connection(&config.DatabaseOptions{
		ConnectionString: config.DataSource("file:" + filepath.Join(t.TempDir(), "test.db")),
	})
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)`)
	require.NoError(t, err)
	return db, writer
}

func TestConnectionManagerReusesConnections(t *testing.T) {
	cm := NewConnectionManager()
	defer cm.Close() // nolint: errcheck
	opts := &config.DatabaseOptions{
		ConnectionString: config.DataSource("file:" + filepath.Join(t.TempDir(), "reuse.db")),
	}

	db1, w1, err := cm.Connection(opts)
	require.NoError(t, err)
	db2, w2, err := cm.Connection(opts)
	require.NoError(t, err)

	assert.Same(t, db1, db2)
	assert.Same(t, w1, w2)
	assert.IsType(t, &ExclusiveWriter{}, w1)
}

func TestConnectionManagerEmptyConnectionString(t *testing.T) {
	_, _, err := NewConnectionManager().Connection(&config.DatabaseOptions{})
	assert.Error(t, err)
}

func TestStatementListPrepare(t *testing.T) {
	db, _ := openTestDB(t)

	var insert, selectStmt *sql.Stmt
	err := StatementList{
		{&insert, "INSERT INTO kv (k, v) VALUES ($1, $2)"},
		{&selectStmt, "SELECT v FROM kv WHERE k = $1"},
	}.Prepare(db)
	require.NoError(t, err)

	_, err = TxStmt(nil, insert).Exec("a", "1")
	require.NoError(t, err)
	var v string
	require.NoError(t, selectStmt.QueryRow("a").Scan(&v))
	assert.Equal(t, "1", v)

	var broken *sql.Stmt
	err = StatementList{{&broken, "SELECT nope FROM missing_table"}}.Prepare(db)
	assert.Error(t, err)
}

func TestWriterRollsBackOnError(t *testing.T) {
	db, writer := openTestDB(t)
	boom := errors.New("boom")

	err := writer.Do(db, nil, func(txn *sql.Tx) error {
		if _, err := txn.Exec("INSERT INTO kv (k, v) VALUES ('x', 'y')"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM kv").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestExclusiveWriterConcurrentWrites(t *testing.T) {
	db, writer := openTestDB(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := writer.Do(db, nil, func(txn *sql.Tx) error {
				_, err := txn.Exec("INSERT INTO kv (k, v) VALUES ($1, 'v')", i)
				return err
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM kv").Scan(&count))
	assert.Equal(t, 20, count)
}
