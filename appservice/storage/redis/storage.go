// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package redis stores seen transaction IDs in Redis, so that several
// gateway processes can share them.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/element-hq/asgateway/setup/config"
	"github.com/redis/go-redis/v9"
)

const seenKeyTemplate = "asgateway:seen_txn:%s:%s"

type Database struct {
	cli     *redis.Client
	seenTTL time.Duration
}

// NewDatabase connects to Redis and checks that it answers.
func NewDatabase(ctx context.Context, cfg *config.Redis, seenTTL time.Duration) (*Database, error) {
	cli := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}
	return NewDatabaseFromClient(cli, seenTTL), nil
}

func NewDatabaseFromClient(cli *redis.Client, seenTTL time.Duration) *Database {
	return &Database{cli: cli, seenTTL: seenTTL}
}

// MarkTransactionSeen uses SETNX. A zero TTL sets no expiry.
func (d *Database) MarkTransactionSeen(ctx context.Context, appserviceID, txnID string) (bool, error) {
	key := fmt.Sprintf(seenKeyTemplate, appserviceID, txnID)
	inserted, err := d.cli.SetNX(ctx, key, time.Now().UnixMilli(), d.seenTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	return inserted, nil
}

func (d *Database) Close() error {
	return d.cli.Close()
}
