// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package memory keeps seen transaction IDs in process memory. They are
// lost on restart, after which the homeserver may redeliver.
package memory

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

type Database struct {
	seen *cache.Cache
}

// NewDatabase creates an empty store. A zero seenTTL keeps IDs forever.
func NewDatabase(seenTTL time.Duration) *Database {
	if seenTTL <= 0 {
		return &Database{seen: cache.New(cache.NoExpiration, 0)}
	}
	return &Database{seen: cache.New(seenTTL, seenTTL)}
}

func key(appserviceID, txnID string) string {
	return appserviceID + "\x00" + txnID
}

// MarkTransactionSeen relies on cache.Add, which only inserts if the key is
// absent or expired and holds the cache lock while doing so.
func (d *Database) MarkTransactionSeen(_ context.Context, appserviceID, txnID string) (bool, error) {
	if err := d.seen.Add(key(appserviceID, txnID), struct{}{}, cache.DefaultExpiration); err != nil {
		return false, nil
	}
	return true, nil
}

func (d *Database) Close() error {
	d.seen.Flush()
	return nil
}
