// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import "github.com/dgraph-io/ristretto"

// Caches contains a set of references to caches. They may be
// different implementations as long as they satisfy the Cache
// interface.
type Caches struct {
	UserOwnership   Cache[string, bool] // user ID -> owned by the appservice
	RoomOwnership   Cache[string, bool] // room ID or alias -> owned by the appservice
	UserExclusivity Cache[string, bool] // user ID -> owned exclusively

	ristretto *ristretto.Cache
}

// Cache is the interface that an implementation must satisfy.
type Cache[K keyable, T any] interface {
	Get(key K) (value T, ok bool)
	Set(key K, value T)
	Unset(key K)
}

// Wait blocks until all buffered writes have been applied.
func (c *Caches) Wait() {
	if c.ristretto != nil {
		c.ristretto.Wait()
	}
}

// Close stops the background goroutines of the underlying cache.
func (c *Caches) Close() {
	if c.ristretto != nil {
		c.ristretto.Close()
	}
}
