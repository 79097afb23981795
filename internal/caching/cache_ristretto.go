// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/dgraph-io/ristretto/z"
	"github.com/element-hq/asgateway/setup/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

const (
	userOwnershipCache byte = iota + 1
	roomOwnershipCache
	userExclusivityCache
)

const (
	DisableMetrics = false
	EnableMetrics  = true
)

func MustCreateCache(maxCost config.DataUnit, enablePrometheus bool) *ristretto.Cache {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64((maxCost / 1024) * 10), // 10 counters per 1KB data, affects bloom filter size
		BufferItems: 64,                           // recommended by the ristretto godocs as a sane buffer size value
		MaxCost:     int64(maxCost),               // max cost is in bytes, as per the gateway config
		Metrics:     true,
		KeyToHash: func(key interface{}) (uint64, uint64) {
			return z.KeyToHash(key)
		},
	})
	if err != nil {
		logrus.WithError(err).Panic("failed to create ristretto cache")
	}
	if enablePrometheus {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "asgateway",
			Subsystem: "caching_ristretto",
			Name:      "ratio",
		}, func() float64 {
			return cache.Metrics.Ratio()
		})
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "asgateway",
			Subsystem: "caching_ristretto",
			Name:      "cost",
		}, func() float64 {
			return float64(cache.Metrics.CostAdded() - cache.Metrics.CostEvicted())
		})
	}
	return cache
}

// NewRistrettoCache builds the partitions used by the gateway on top of a
// single ristretto cache of the given size.
func NewRistrettoCache(maxCost config.DataUnit, maxAge time.Duration, enablePrometheus bool) *Caches {
	cache := MustCreateCache(maxCost, enablePrometheus)
	return &Caches{
		UserOwnership: &RistrettoCachePartition[string, bool]{
			cache:  cache,
			Prefix: userOwnershipCache,
			MaxAge: maxAge,
		},
		RoomOwnership: &RistrettoCachePartition[string, bool]{
			cache:  cache,
			Prefix: roomOwnershipCache,
			MaxAge: maxAge,
		},
		UserExclusivity: &RistrettoCachePartition[string, bool]{
			cache:  cache,
			Prefix: userExclusivityCache,
			MaxAge: maxAge,
		},
		ristretto: cache,
	}
}

// RistrettoCachePartition is a key space inside a shared ristretto cache.
// Every key is prefixed with the partition byte so partitions never collide.
type RistrettoCachePartition[K keyable, V any] struct {
	cache  *ristretto.Cache
	Prefix byte
	// Mutable partitions allow a key to be overwritten with a different value.
	Mutable bool
	MaxAge  time.Duration
}

type keyable interface {
	~string | ~int | ~int32 | ~int64 | ~uint32 | ~uint64
}

func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	strkey := fmt.Sprintf("%v", key)
	bkey := append([]byte{c.Prefix}, strkey...)
	if !c.Mutable {
		if v, ok := c.cache.Get(bkey); ok && v != nil && !isEqual(v, value) {
			panic(fmt.Sprintf("invalid use of immutable cache tries to change value of %v from %v to %v", strkey, v, value))
		}
	}
	cost := int64(len(bkey)) + 1
	c.cache.SetWithTTL(bkey, value, cost, c.MaxAge)
}

func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	strkey := fmt.Sprintf("%v", key)
	bkey := append([]byte{c.Prefix}, strkey...)
	c.cache.Del(bkey)
}

func (c *RistrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	strkey := fmt.Sprintf("%v", key)
	bkey := append([]byte{c.Prefix}, strkey...)
	v, ok := c.cache.Get(bkey)
	if !ok || v == nil {
		var empty V
		return empty, false
	}
	value, ok = v.(V)
	return
}

func isEqual(a, b interface{}) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
