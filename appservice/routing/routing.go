// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package routing exposes the gateway over HTTP.
package routing

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/element-hq/asgateway/appservice"
	"github.com/element-hq/asgateway/appservice/auth"
	"github.com/element-hq/asgateway/internal/httputil"
	"github.com/element-hq/asgateway/setup/config"
	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
)

const (
	PathPrefixAppV1 = "/_matrix/app/v1"
	// Bodies above this are cut off, which makes them invalid JSON.
	maxBodySize = 32 << 20
)

type request struct {
	vars   map[string]string
	query  url.Values
	header http.Header
	body   []byte
}

type operation struct {
	name     string
	method   string
	template string
	// Also served without the /_matrix/app/v1 prefix when legacy paths are
	// enabled.
	legacy bool
	handle func(ctx context.Context, gw *appservice.Gateway, req *request) util.JSONResponse
}

func (r *request) token() *string {
	return auth.TokenFromRequest(r.query, r.header)
}

var operations = []operation{
	{
		name: "push_transaction", method: http.MethodPut, template: "/transactions/{txnId}", legacy: true,
		handle: func(ctx context.Context, gw *appservice.Gateway, req *request) util.JSONResponse {
			return gw.PushTransaction(ctx, req.token(), req.vars["txnId"], req.body)
		},
	},
	{
		name: "query_user", method: http.MethodGet, template: "/users/{userId}", legacy: true,
		handle: func(ctx context.Context, gw *appservice.Gateway, req *request) util.JSONResponse {
			return gw.QueryUser(ctx, req.token(), req.vars["userId"])
		},
	},
	{
		name: "query_room", method: http.MethodGet, template: "/rooms/{roomAlias}", legacy: true,
		handle: func(ctx context.Context, gw *appservice.Gateway, req *request) util.JSONResponse {
			return gw.QueryRoom(ctx, req.token(), req.vars["roomAlias"])
		},
	},
	{
		name: "ping", method: http.MethodPost, template: "/ping",
		handle: func(ctx context.Context, gw *appservice.Gateway, req *request) util.JSONResponse {
			return gw.Ping(ctx, req.token(), req.body)
		},
	},
	{
		name: "thirdparty_protocol", method: http.MethodGet, template: "/thirdparty/protocol/{protocol}",
		handle: func(ctx context.Context, gw *appservice.Gateway, req *request) util.JSONResponse {
			return gw.ThirdPartyProtocol(ctx, req.token(), req.vars["protocol"])
		},
	},
}

func (op operation) paths(legacyPaths bool) []string {
	paths := []string{PathPrefixAppV1 + op.template}
	if legacyPaths && op.legacy {
		paths = append(paths, op.template)
	}
	return paths
}

func unrecognizedResponse(code int) util.JSONResponse {
	return util.JSONResponse{Code: code, JSON: spec.Unrecognized("Unrecognized request")}
}

// Handler serves the gateway operations without depending on a particular
// HTTP server, for embedding the gateway in other transports.
type Handler struct {
	gw     *appservice.Gateway
	router *mux.Router
	ops    map[*mux.Route]operation
}

func NewHandler(gw *appservice.Gateway, legacyPaths bool) *Handler {
	h := &Handler{
		gw:     gw,
		router: mux.NewRouter().SkipClean(true).UseEncodedPath(),
		ops:    map[*mux.Route]operation{},
	}
	for _, op := range operations {
		for _, path := range op.paths(legacyPaths) {
			h.ops[h.router.Path(path).Methods(op.method)] = op
		}
	}
	return h
}

// Handle runs one request. path is the escaped URL path. Unknown paths get
// 404 M_UNRECOGNIZED, known paths with the wrong method 405 M_UNRECOGNIZED.
func (h *Handler) Handle(
	ctx context.Context, method, path string, query url.Values, header http.Header, body []byte,
) util.JSONResponse {
	u, err := url.Parse(path)
	if err != nil {
		return unrecognizedResponse(http.StatusNotFound)
	}
	if header == nil {
		header = http.Header{}
	}
	matchReq := &http.Request{Method: method, URL: u, Header: header}

	var match mux.RouteMatch
	if !h.router.Match(matchReq, &match) {
		if match.MatchErr == mux.ErrMethodMismatch {
			return unrecognizedResponse(http.StatusMethodNotAllowed)
		}
		return unrecognizedResponse(http.StatusNotFound)
	}
	op, ok := h.ops[match.Route]
	if !ok {
		return unrecognizedResponse(http.StatusNotFound)
	}
	vars, err := httputil.URLDecodeMapValues(match.Vars)
	if err != nil {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.InvalidParam(err.Error())}
	}
	if query == nil {
		query = url.Values{}
	}
	return op.handle(ctx, h.gw, &request{vars: vars, query: query, header: header, body: body})
}

// Setup registers the gateway operations on router, which must have been
// created with UseEncodedPath. rateLimits may be nil.
func Setup(router *mux.Router, gw *appservice.Gateway, cfg *config.Gateway, rateLimits *httputil.RateLimits) {
	for _, op := range operations {
		op := op
		handler := httputil.MakeJSONAPI(op.name, rateLimits, cfg.Metrics.Enabled, func(req *http.Request) util.JSONResponse {
			vars, err := httputil.URLDecodeMapValues(mux.Vars(req))
			if err != nil {
				return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.InvalidParam(err.Error())}
			}
			var body []byte
			if req.Body != nil {
				if body, err = io.ReadAll(io.LimitReader(req.Body, maxBodySize)); err != nil {
					return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.BadJSON("Failed to read request body")}
				}
			}
			return op.handle(req.Context(), gw, &request{
				vars:   vars,
				query:  req.URL.Query(),
				header: req.Header,
				body:   body,
			})
		})
		for _, path := range op.paths(cfg.Global.LegacyPaths) {
			router.Handle(path, handler).Methods(op.method)
		}
	}

	router.NotFoundHandler = httputil.MakeHTTPAPI("unrecognized", false, func(w http.ResponseWriter, req *http.Request) {
		util.MakeJSONAPI(util.NewJSONRequestHandler(func(*http.Request) util.JSONResponse {
			return unrecognizedResponse(http.StatusNotFound)
		})).ServeHTTP(w, req)
	})
	router.MethodNotAllowedHandler = httputil.MakeHTTPAPI("unrecognized", false, func(w http.ResponseWriter, req *http.Request) {
		util.MakeJSONAPI(util.NewJSONRequestHandler(func(*http.Request) util.JSONResponse {
			return unrecognizedResponse(http.StatusMethodNotAllowed)
		})).ServeHTTP(w, req)
	})
}
