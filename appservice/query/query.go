// Copyright 2024 New Vector Ltd.
// Copyright 2018 New Vector Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package query answers the homeserver's questions about which users and
// room aliases the application service owns.
package query

import (
	"context"
	"slices"

	"github.com/element-hq/asgateway/appservice/api"
	"github.com/element-hq/asgateway/internal/caching"
	"github.com/element-hq/asgateway/setup/config"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
)

// AppServiceQueryAPI is an implementation of api.AppServiceInternalAPI.
// Answers only depend on the registration, so they are cached.
type AppServiceQueryAPI struct {
	Registration *config.ApplicationService
	Caches       *caching.Caches
}

var _ api.AppServiceInternalAPI = &AppServiceQueryAPI{}

// RoomAliasExists reports whether the alias is in the registration's
// namespaces.
func (a *AppServiceQueryAPI) RoomAliasExists(
	ctx context.Context,
	request *api.RoomAliasExistsRequest,
	response *api.RoomAliasExistsResponse,
) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "ApplicationServiceRoomAlias")
	defer span.Finish()

	if owned, ok := a.Caches.RoomOwnership.Get(request.Alias); ok {
		response.AliasExists = owned
		return nil
	}
	response.AliasExists = a.Registration.OwnsRoom(request.Alias)
	a.Caches.RoomOwnership.Set(request.Alias, response.AliasExists)

	logrus.WithFields(logrus.Fields{
		"appservice_id": a.Registration.ID,
		"room_alias":    request.Alias,
		"exists":        response.AliasExists,
	}).Debug("Room alias query")
	return nil
}

// UserIDExists reports whether the user is in the registration's users
// namespace or is the sender.
func (a *AppServiceQueryAPI) UserIDExists(
	ctx context.Context,
	request *api.UserIDExistsRequest,
	response *api.UserIDExistsResponse,
) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "ApplicationServiceUserID")
	defer span.Finish()

	owned, ok := a.Caches.UserOwnership.Get(request.UserID)
	if !ok {
		owned = a.Registration.OwnsUser(request.UserID)
		a.Caches.UserOwnership.Set(request.UserID, owned)
	}
	exclusive, ok := a.Caches.UserExclusivity.Get(request.UserID)
	if !ok {
		exclusive = a.Registration.IsExclusive(request.UserID)
		a.Caches.UserExclusivity.Set(request.UserID, exclusive)
	}
	response.UserIDExists = owned
	response.Exclusive = owned && exclusive

	logrus.WithFields(logrus.Fields{
		"appservice_id": a.Registration.ID,
		"user_id":       request.UserID,
		"exists":        owned,
	}).Debug("User ID query")
	return nil
}

// Protocols lists the third-party protocols named in the registration. With
// a protocol in the request only that one is looked up.
func (a *AppServiceQueryAPI) Protocols(
	ctx context.Context,
	request *api.ProtocolRequest,
	response *api.ProtocolResponse,
) error {
	response.Protocols = map[string]api.ASProtocolResponse{}
	if request.Protocol != "" {
		if !slices.Contains(a.Registration.Protocols, request.Protocol) {
			response.Exists = false
			return nil
		}
		response.Protocols[request.Protocol] = emptyProtocol()
		response.Exists = true
		return nil
	}
	for _, protocol := range a.Registration.Protocols {
		response.Protocols[protocol] = emptyProtocol()
	}
	response.Exists = len(response.Protocols) > 0
	return nil
}

func emptyProtocol() api.ASProtocolResponse {
	return api.ASProtocolResponse{
		Instances:      []api.ProtocolInstance{},
		LocationFields: []string{},
		UserFields:     []string{},
	}
}
