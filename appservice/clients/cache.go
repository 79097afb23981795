// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package clients keeps one homeserver session per user the application
// service acts as, and registers new virtual users.
package clients

import (
	"context"
	"sync"

	"github.com/element-hq/asgateway/appservice/api"
	"github.com/element-hq/asgateway/internal/hsclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	sessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "asgateway",
			Subsystem: "clients",
			Name:      "sessions_created_total",
			Help:      "Number of user sessions created",
		},
	)
	sessionCreationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "asgateway",
			Subsystem: "clients",
			Name:      "session_creation_failures_total",
			Help:      "Number of failed attempts to create a user session",
		},
	)
)

// Homeserver is what the cache and registrar need from the homeserver
// client. *hsclient.Client implements it.
type Homeserver interface {
	ServerName() spec.ServerName
	UserID(localpart string) string
	CreateSession(ctx context.Context, userID string) (*hsclient.Session, error)
	RegisterAppserviceUser(ctx context.Context, localpart string) error
}

// Cache maps user IDs to sessions. Concurrent requests for a user that has
// no session yet share a single CreateSession call.
type Cache struct {
	hs       Homeserver
	senderID string
	sender   *hsclient.Session

	mu       sync.RWMutex
	sessions map[string]*hsclient.Session
	flights  singleflight.Group
}

// NewCache creates the sender session straight away, so a homeserver that
// does not accept the as_token is noticed at startup.
func NewCache(ctx context.Context, hs Homeserver, senderUserID string) (*Cache, error) {
	sender, err := hs.CreateSession(ctx, senderUserID)
	if err != nil {
		sessionCreationFailures.Inc()
		return nil, &api.SessionCreationError{UserID: senderUserID, Err: err}
	}
	sessionsCreated.Inc()
	return &Cache{
		hs:       hs,
		senderID: senderUserID,
		sender:   sender,
		sessions: map[string]*hsclient.Session{senderUserID: sender},
	}, nil
}

// Sender returns the session of the application service bot.
func (c *Cache) Sender() *hsclient.Session {
	return c.sender
}

// GetExisting returns the cached session for userID without creating one.
func (c *Cache) GetExisting(userID string) (*hsclient.Session, bool) {
	if userID == "" {
		return c.sender, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	session, ok := c.sessions[userID]
	return session, ok
}

// GetOrCreate returns the session for userID, creating it if needed. An
// empty userID means the sender. Failures are returned as
// *api.SessionCreationError and are not cached.
//
// The context of the caller that starts a creation is the one used for it.
func (c *Cache) GetOrCreate(ctx context.Context, userID string) (*hsclient.Session, error) {
	if session, ok := c.GetExisting(userID); ok {
		return session, nil
	}
	result, err, shared := c.flights.Do(userID, func() (interface{}, error) {
		// Another flight may have finished between our lookup and this one
		// starting.
		if session, ok := c.GetExisting(userID); ok {
			return session, nil
		}
		session, err := c.hs.CreateSession(ctx, userID)
		if err != nil {
			sessionCreationFailures.Inc()
			return nil, &api.SessionCreationError{UserID: userID, Err: err}
		}
		sessionsCreated.Inc()
		c.mu.Lock()
		c.sessions[userID] = session
		c.mu.Unlock()
		return session, nil
	})
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"shared":  shared,
		}).Warn("Failed to create user session")
		return nil, err
	}
	return result.(*hsclient.Session), nil
}

// Len is the number of cached sessions, the sender included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}
