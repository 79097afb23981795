// Copyright 2024 New Vector Ltd.
// Copyright 2018 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package appservice is the application service gateway: the operations
// the homeserver calls on us, and the virtual user management the
// application logic calls.
package appservice

import (
	"context"
	"errors"
	"net/http"

	"github.com/element-hq/asgateway/appservice/api"
	"github.com/element-hq/asgateway/appservice/auth"
	"github.com/element-hq/asgateway/appservice/clients"
	"github.com/element-hq/asgateway/appservice/query"
	"github.com/element-hq/asgateway/appservice/storage"
	"github.com/element-hq/asgateway/appservice/transactions"
	"github.com/element-hq/asgateway/internal/caching"
	"github.com/element-hq/asgateway/internal/httputil"
	"github.com/element-hq/asgateway/setup/config"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
)

// Gateway ties together the parts of the application service. Every
// operation the homeserver calls is authenticated first.
type Gateway struct {
	registration  *config.ApplicationService
	authenticator *auth.Authenticator
	clients       *clients.Cache
	registrar     *clients.Registrar
	processor     *transactions.Processor
	queryAPI      api.AppServiceInternalAPI
}

// NewGateway builds a gateway for the registration in cfg. It fails if no
// session can be created for the sender user.
func NewGateway(
	ctx context.Context,
	cfg *config.Gateway,
	hs clients.Homeserver,
	store storage.Database,
	caches *caching.Caches,
) (*Gateway, error) {
	registration := cfg.Derived.ApplicationService
	if registration == nil {
		return nil, errors.New("no application service registration loaded")
	}

	clientCache, err := clients.NewCache(ctx, hs, registration.SenderUserID(hs.ServerName()))
	if err != nil {
		return nil, err
	}
	authenticator := auth.NewAuthenticator(registration.HSToken)

	return &Gateway{
		registration:  registration,
		authenticator: authenticator,
		clients:       clientCache,
		registrar:     clients.NewRegistrar(hs, clientCache, registration),
		processor:     transactions.NewProcessor(registration.ID, authenticator, store, clientCache),
		queryAPI: &query.AppServiceQueryAPI{
			Registration: registration,
			Caches:       caches,
		},
	}, nil
}

// Registration returns the loaded registration.
func (g *Gateway) Registration() *config.ApplicationService {
	return g.registration
}

// Clients returns the session cache.
func (g *Gateway) Clients() *clients.Cache {
	return g.clients
}

// SetEventHandler registers the application logic. The last call wins.
func (g *Gateway) SetEventHandler(h api.EventHandler) {
	g.processor.SetEventHandler(h)
}

// RegisterVirtualUser registers @localpart:server_name and caches a
// session for it.
func (g *Gateway) RegisterVirtualUser(ctx context.Context, localpart string) error {
	return g.registrar.RegisterVirtualUser(ctx, localpart)
}

// PushTransaction handles PUT /transactions/{txnId}.
func (g *Gateway) PushTransaction(ctx context.Context, token *string, txnID string, body []byte) util.JSONResponse {
	_, err := g.processor.Process(ctx, token, txnID, body)
	if err == nil {
		return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
	}
	var (
		authErr      *api.AuthError
		malformedErr *api.MalformedRequestError
	)
	switch {
	case errors.As(err, &authErr):
		return auth.ErrorResponse(authErr)
	case errors.As(err, &malformedErr):
		if malformedErr.NotJSON {
			return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.NotJSON(malformedErr.Reason)}
		}
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.BadJSON(malformedErr.Reason)}
	default:
		util.GetLogger(ctx).WithError(err).Error("Failed to process transaction")
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}
}

// QueryUser handles GET /users/{userId}.
func (g *Gateway) QueryUser(ctx context.Context, token *string, userID string) util.JSONResponse {
	if resErr := g.authenticate(token); resErr != nil {
		return *resErr
	}
	var resp api.UserIDExistsResponse
	if err := g.queryAPI.UserIDExists(ctx, &api.UserIDExistsRequest{UserID: userID}, &resp); err != nil {
		util.GetLogger(ctx).WithError(err).Error("User query failed")
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}
	if !resp.UserIDExists {
		return util.JSONResponse{Code: http.StatusNotFound, JSON: spec.NotFound("User does not exist")}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// QueryRoom handles GET /rooms/{roomAlias}.
func (g *Gateway) QueryRoom(ctx context.Context, token *string, roomAlias string) util.JSONResponse {
	if resErr := g.authenticate(token); resErr != nil {
		return *resErr
	}
	var resp api.RoomAliasExistsResponse
	if err := g.queryAPI.RoomAliasExists(ctx, &api.RoomAliasExistsRequest{Alias: roomAlias}, &resp); err != nil {
		util.GetLogger(ctx).WithError(err).Error("Room alias query failed")
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}
	if !resp.AliasExists {
		return util.JSONResponse{Code: http.StatusNotFound, JSON: spec.NotFound("Room alias does not exist")}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// Ping handles POST /ping, which the homeserver uses to check that it can
// reach us. The body is optional.
func (g *Gateway) Ping(ctx context.Context, token *string, body []byte) util.JSONResponse {
	if resErr := g.authenticate(token); resErr != nil {
		return *resErr
	}
	var req struct {
		TransactionID string `json:"transaction_id"`
	}
	if len(body) > 0 {
		if resErr := httputil.UnmarshalJSON(body, &req); resErr != nil {
			return *resErr
		}
	}
	util.GetLogger(ctx).WithField("transaction_id", req.TransactionID).Debug("Received ping from homeserver")
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// ThirdPartyProtocol handles GET /thirdparty/protocol/{protocol}.
func (g *Gateway) ThirdPartyProtocol(ctx context.Context, token *string, protocol string) util.JSONResponse {
	if resErr := g.authenticate(token); resErr != nil {
		return *resErr
	}
	var resp api.ProtocolResponse
	if err := g.queryAPI.Protocols(ctx, &api.ProtocolRequest{Protocol: protocol}, &resp); err != nil {
		util.GetLogger(ctx).WithError(err).Error("Protocol query failed")
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}
	if !resp.Exists {
		return util.JSONResponse{Code: http.StatusNotFound, JSON: spec.NotFound("Unknown protocol")}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: resp.Protocols[protocol]}
}

func (g *Gateway) authenticate(token *string) *util.JSONResponse {
	err := g.authenticator.Check(token)
	if err == nil {
		return nil
	}
	var authErr *api.AuthError
	if errors.As(err, &authErr) {
		res := auth.ErrorResponse(authErr)
		return &res
	}
	return &util.JSONResponse{Code: http.StatusUnauthorized, JSON: spec.UnknownToken(err.Error())}
}
