// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package auth checks that requests were sent by our homeserver.
package auth

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"

	"github.com/element-hq/asgateway/appservice/api"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
)

type Result int

const (
	Unauthorized Result = iota
	Authorized
)

func (r Result) String() string {
	if r == Authorized {
		return "authorized"
	}
	return "unauthorized"
}

// Authenticator compares presented tokens with the hs_token.
type Authenticator struct {
	hsToken []byte
}

func NewAuthenticator(hsToken string) *Authenticator {
	return &Authenticator{hsToken: []byte(hsToken)}
}

// Authenticate is Authorized only for a token byte-identical to the
// hs_token. A nil token is Unauthorized.
func (a *Authenticator) Authenticate(token *string) Result {
	if token == nil || len(a.hsToken) == 0 {
		return Unauthorized
	}
	if subtle.ConstantTimeCompare([]byte(*token), a.hsToken) != 1 {
		return Unauthorized
	}
	return Authorized
}

// Check returns an *api.AuthError describing why token was rejected, or nil.
func (a *Authenticator) Check(token *string) error {
	if a.Authenticate(token) == Authorized {
		return nil
	}
	return &api.AuthError{Missing: token == nil}
}

// TokenFromRequest returns the access_token query parameter, falling back
// to an "Authorization: Bearer" header. Nil means no token was supplied.
func TokenFromRequest(query url.Values, header http.Header) *string {
	if values, ok := query["access_token"]; ok && len(values) > 0 {
		token := values[0]
		return &token
	}
	if authHeader := header.Get("Authorization"); authHeader != "" {
		if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
			return &token
		}
	}
	return nil
}

// ErrorResponse converts an *api.AuthError into the 401 sent back to the
// homeserver.
func ErrorResponse(err *api.AuthError) util.JSONResponse {
	if err.Missing {
		return util.JSONResponse{
			Code: http.StatusUnauthorized,
			JSON: spec.MissingToken("Missing access token"),
		}
	}
	return util.JSONResponse{
		Code: http.StatusUnauthorized,
		JSON: spec.UnknownToken("Unknown access token"),
	}
}
