// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

type DBType int

const (
	DBTypeSQLite DBType = iota + 1
	DBTypePostgres
)

func (t DBType) String() string {
	switch t {
	case DBTypeSQLite:
		return "SQLite"
	case DBTypePostgres:
		return "Postgres"
	}
	return "unknown"
}

// WithAllDatabases runs fn against SQLite, and against PostgreSQL when
// POSTGRES_HOST is set.
func WithAllDatabases(t *testing.T, fn func(t *testing.T, db DBType)) {
	t.Helper()
	dbs := map[string]DBType{"SQLite": DBTypeSQLite}
	if os.Getenv("POSTGRES_HOST") != "" {
		dbs["Postgres"] = DBTypePostgres
	}
	for name, dbType := range dbs {
		dbType := dbType
		t.Run(name, func(tt *testing.T) {
			fn(tt, dbType)
		})
	}
}

// PrepareDBConnectionString returns a connection string for a fresh database
// and a function removing it again.
func PrepareDBConnectionString(t *testing.T, dbType DBType) (connStr string, close func()) {
	t.Helper()
	if dbType == DBTypeSQLite {
		return "file:" + filepath.Join(t.TempDir(), "asgateway_test.db"), func() {}
	}

	user := envOr("POSTGRES_USER", "postgres")
	password := envOr("POSTGRES_PASSWORD", "postgres")
	host := envOr("POSTGRES_HOST", "localhost")
	base := fmt.Sprintf("postgres://%s:%s@%s/postgres?sslmode=disable", user, password, host)

	admin, err := sql.Open("postgres", base)
	if err != nil {
		t.Fatalf("failed to open postgres: %s", err)
	}
	dbName := "asgateway_test_" + uuid.NewString()[:8]
	if _, err = admin.Exec("CREATE DATABASE " + dbName); err != nil {
		t.Fatalf("failed to create database %s: %s", dbName, err)
	}
	connStr = fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", user, password, host, dbName)
	return connStr, func() {
		_, _ = admin.Exec("DROP DATABASE IF EXISTS " + dbName + " WITH (FORCE)")
		_ = admin.Close()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
