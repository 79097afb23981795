// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/element-hq/asgateway/setup/config"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type connection struct {
	db     *sql.DB
	writer Writer
}

// Connections hands out one pooled *sql.DB per connection string.
type Connections struct {
	mu          sync.Mutex
	connections map[string]*connection
}

func NewConnectionManager() *Connections {
	return &Connections{
		connections: map[string]*connection{},
	}
}

// Connection returns the database and writer for the given options, opening
// them on first use.
func (c *Connections) Connection(dbProperties *config.DatabaseOptions) (*sql.DB, Writer, error) {
	if dbProperties.ConnectionString == "" {
		return nil, nil, fmt.Errorf("no database connections configured")
	}
	connStr := string(dbProperties.ConnectionString)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.connections[connStr]; ok {
		return existing.db, existing.writer, nil
	}

	db, err := Open(dbProperties)
	if err != nil {
		return nil, nil, err
	}
	var writer Writer = NewDummyWriter()
	if dbProperties.ConnectionString.IsSQLite() {
		writer = NewExclusiveWriter()
	}
	c.connections[connStr] = &connection{db: db, writer: writer}
	return db, writer, nil
}

// Close closes every database opened through this manager.
func (c *Connections) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for connStr, conn := range c.connections {
		if err := conn.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.connections, connStr)
	}
	return firstErr
}

// Open opens a database, picking the driver from the connection string:
// "file:" is SQLite, anything else is PostgreSQL.
func Open(dbProperties *config.DatabaseOptions) (*sql.DB, error) {
	var driverName, dsn string
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		driverName = "sqlite3"
		dsn = string(dbProperties.ConnectionString)
	case dbProperties.ConnectionString.IsPostgres():
		driverName = "postgres"
		dsn = string(dbProperties.ConnectionString)
	default:
		return nil, fmt.Errorf("invalid database connection string %q", dbProperties.ConnectionString)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// SQLite cannot write from more than one connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(dbProperties.MaxOpenConns())
		db.SetMaxIdleConns(dbProperties.MaxIdleConns())
		db.SetConnMaxLifetime(dbProperties.ConnMaxLifetime())
	}
	logrus.WithFields(logrus.Fields{
		"driver":            driverName,
		"max_open_conns":    dbProperties.MaxOpenConns(),
		"max_idle_conns":    dbProperties.MaxIdleConns(),
		"conn_max_lifetime": dbProperties.ConnMaxLifetime(),
	}).Debug("Opened database")
	return db, nil
}
