// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"time"
)

const (
	TransactionBackendMemory   = "memory"
	TransactionBackendDatabase = "database"
	TransactionBackendRedis    = "redis"
)

// Transactions configures where the IDs of already processed transactions
// are remembered.
type Transactions struct {
	// One of "memory", "database" or "redis".
	Backend string `yaml:"backend"`

	// Used when backend is "database".
	Database DatabaseOptions `yaml:"database,omitempty"`

	// Used when backend is "redis".
	Redis Redis `yaml:"redis"`

	// How long a transaction ID is remembered. Zero means forever, which is
	// what the homeserver expects; only set this if the store must be bounded.
	SeenTTL time.Duration `yaml:"seen_ttl"`
}

type Redis struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c *Transactions) Defaults(opts DefaultOpts) {
	c.Backend = TransactionBackendMemory
	c.Database.Defaults(10)
	if opts.Generate {
		c.Database.ConnectionString = "file:asgateway.db"
	}
	c.SeenTTL = 0
}

func (c *Transactions) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "transactions.seen_ttl", int64(c.SeenTTL))
	switch c.Backend {
	case TransactionBackendMemory:
	case TransactionBackendDatabase:
		checkNotEmpty(configErrs, "transactions.database.connection_string", string(c.Database.ConnectionString))
		c.Database.Verify(configErrs)
	case TransactionBackendRedis:
		checkNotEmpty(configErrs, "transactions.redis.address", c.Redis.Address)
		checkPositive(configErrs, "transactions.redis.db", int64(c.Redis.DB))
	default:
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "transactions.backend", c.Backend))
	}
}
