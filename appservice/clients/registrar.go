// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package clients

import (
	"context"

	"github.com/element-hq/asgateway/appservice/api"
	"github.com/element-hq/asgateway/internal/hsclient"
	"github.com/element-hq/asgateway/internal/util"
	"github.com/element-hq/asgateway/setup/config"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var registrations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "asgateway",
		Subsystem: "clients",
		Name:      "virtual_user_registrations_total",
		Help:      "Virtual user registrations, by outcome",
	},
	[]string{"outcome"},
)

// Registrar creates virtual users in the application service's namespace.
type Registrar struct {
	hs    Homeserver
	cache *Cache
	as    *config.ApplicationService
}

func NewRegistrar(hs Homeserver, cache *Cache, as *config.ApplicationService) *Registrar {
	return &Registrar{hs: hs, cache: cache, as: as}
}

// RegisterVirtualUser registers @localpart:server_name with the homeserver
// and caches a session for it. Users that already exist count as
// registered. Namespace rules are left to the homeserver, which answers
// M_EXCLUSIVE for users it will not let us create.
func (r *Registrar) RegisterVirtualUser(ctx context.Context, localpart string) error {
	if err := util.ValidateLocalpart(localpart); err != nil {
		registrations.WithLabelValues("invalid").Inc()
		return &api.RegistrationError{Localpart: localpart, Err: err}
	}
	userID := r.hs.UserID(localpart)
	logger := logrus.WithFields(logrus.Fields{
		"user_id":      userID,
		"in_namespace": r.as.OwnsUser(userID),
	})
	err := r.hs.RegisterAppserviceUser(ctx, localpart)
	switch {
	case err == nil:
		registrations.WithLabelValues("created").Inc()
		logger.Info("Registered virtual user")
	case hsclient.IsMatrixError(err, spec.ErrorUserInUse):
		registrations.WithLabelValues("exists").Inc()
		logger.Debug("Virtual user already registered")
	default:
		registrations.WithLabelValues("failed").Inc()
		logger.WithError(err).Error("Failed to register virtual user")
		return &api.RegistrationError{Localpart: localpart, Err: err}
	}

	if _, err = r.cache.GetOrCreate(ctx, userID); err != nil {
		return &api.RegistrationError{Localpart: localpart, Err: err}
	}
	return nil
}
