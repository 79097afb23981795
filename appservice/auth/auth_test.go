// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/element-hq/asgateway/appservice/api"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestAuthenticate(t *testing.T) {
	a := NewAuthenticator("hs_token")
	tests := []struct {
		name  string
		token *string
		want  Result
	}{
		{"exact token", strPtr("hs_token"), Authorized},
		{"absent", nil, Unauthorized},
		{"empty", strPtr(""), Unauthorized},
		{"wrong", strPtr("invalid_token"), Unauthorized},
		{"prefix", strPtr("hs_tok"), Unauthorized},
		{"longer", strPtr("hs_token2"), Unauthorized},
		{"different case", strPtr("HS_TOKEN"), Unauthorized},
		{"surrounding whitespace", strPtr(" hs_token "), Unauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Authenticate(tt.token))
		})
	}
}

func TestEmptyHSTokenNeverAuthorizes(t *testing.T) {
	a := NewAuthenticator("")
	assert.Equal(t, Unauthorized, a.Authenticate(strPtr("")))
}

func TestCheck(t *testing.T) {
	a := NewAuthenticator("hs_token")
	require.NoError(t, a.Check(strPtr("hs_token")))

	var authErr *api.AuthError
	require.True(t, errors.As(a.Check(nil), &authErr))
	assert.True(t, authErr.Missing)
	require.True(t, errors.As(a.Check(strPtr("nope")), &authErr))
	assert.False(t, authErr.Missing)
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		query  url.Values
		header http.Header
		want   *string
	}{
		{"none", url.Values{}, http.Header{}, nil},
		{"query", url.Values{"access_token": {"a"}}, http.Header{}, strPtr("a")},
		{"empty query value is still a token", url.Values{"access_token": {""}}, http.Header{}, strPtr("")},
		{"bearer header", url.Values{}, http.Header{"Authorization": {"Bearer b"}}, strPtr("b")},
		{"query wins", url.Values{"access_token": {"a"}}, http.Header{"Authorization": {"Bearer b"}}, strPtr("a")},
		{"non-bearer header", url.Values{}, http.Header{"Authorization": {"Basic Zm9vOmJhcg=="}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TokenFromRequest(tt.query, tt.header))
		})
	}
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse(&api.AuthError{Missing: true})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, spec.ErrorMissingToken, resp.JSON.(spec.MatrixError).ErrCode)

	resp = ErrorResponse(&api.AuthError{})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, spec.ErrorUnknownToken, resp.JSON.(spec.MatrixError).ErrCode)
}
