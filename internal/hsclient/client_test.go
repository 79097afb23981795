// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package hsclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/element-hq/asgateway/internal/hsclient"
	"github.com/element-hq/asgateway/test"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, hs *test.FakeHomeserver, validate bool) *hsclient.Client {
	t.Helper()
	client, err := hsclient.NewClient(hsclient.ClientConfig{
		HomeserverURL:    hs.URL + "/",
		ASToken:          test.ASToken,
		ServerName:       test.ServerName,
		ValidateSessions: validate,
	})
	require.NoError(t, err)
	return client
}

func TestNewClientValidation(t *testing.T) {
	_, err := hsclient.NewClient(hsclient.ClientConfig{ASToken: "x"})
	assert.Error(t, err)
	_, err = hsclient.NewClient(hsclient.ClientConfig{HomeserverURL: "http://localhost"})
	assert.Error(t, err)
}

func TestRegisterAppserviceUser(t *testing.T) {
	hs := test.NewFakeHomeserver(t, test.ServerName)
	client := newClient(t, hs, false)

	require.NoError(t, client.RegisterAppserviceUser(context.Background(), "_botty_1"))

	reqs := hs.Requests("/register")
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/_matrix/client/v3/register", reqs[0].Path)
	assert.Empty(t, reqs[0].RawQuery)
	assert.Equal(t, "Bearer as_token", reqs[0].Authorization)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(reqs[0].Body, &body))
	assert.Equal(t, "_botty_1", body["username"])
	assert.Equal(t, "m.login.application_service", body["type"])
	assert.Equal(t, true, body["inhibit_login"])
}

func TestRegisterInteractiveAuthIsRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"session":"abc","flows":[{"stages":["m.login.dummy"]}]}`))
	}))
	defer srv.Close()
	client, err := hsclient.NewClient(hsclient.ClientConfig{HomeserverURL: srv.URL, ASToken: test.ASToken})
	require.NoError(t, err)

	err = client.RegisterAppserviceUser(context.Background(), "_botty_1")
	var matrixErr *hsclient.MatrixError
	require.True(t, errors.As(err, &matrixErr), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, matrixErr.StatusCode)
}

func TestRegisterExistingUserReturnsUserInUse(t *testing.T) {
	hs := test.NewFakeHomeserver(t, test.ServerName)
	hs.AddUser("_botty_1")
	client := newClient(t, hs, false)

	err := client.RegisterAppserviceUser(context.Background(), "_botty_1")
	require.Error(t, err)
	assert.True(t, hsclient.IsMatrixError(err, spec.ErrorUserInUse))

	var matrixErr *hsclient.MatrixError
	require.True(t, errors.As(err, &matrixErr))
	assert.Equal(t, http.StatusBadRequest, matrixErr.StatusCode)
}

func TestNonJSONErrorBecomesUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()
	client, err := hsclient.NewClient(hsclient.ClientConfig{HomeserverURL: srv.URL, ASToken: test.ASToken})
	require.NoError(t, err)

	err = client.RegisterAppserviceUser(context.Background(), "_botty_1")
	var matrixErr *hsclient.MatrixError
	require.True(t, errors.As(err, &matrixErr))
	assert.Equal(t, spec.ErrorUnknown, matrixErr.Code)
	assert.Equal(t, http.StatusBadGateway, matrixErr.StatusCode)
	assert.Equal(t, "Bad Gateway", matrixErr.Message)
}

func TestTransportErrorIsWrapped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	client, err := hsclient.NewClient(hsclient.ClientConfig{HomeserverURL: srv.URL, ASToken: test.ASToken})
	require.NoError(t, err)

	err = client.RegisterAppserviceUser(context.Background(), "_botty_1")
	require.Error(t, err)
	var matrixErr *hsclient.MatrixError
	assert.False(t, errors.As(err, &matrixErr))
	assert.Contains(t, err.Error(), "register request to homeserver failed")
}

func TestCreateSessionWithoutValidationMakesNoRequests(t *testing.T) {
	hs := test.NewFakeHomeserver(t, test.ServerName)
	client := newClient(t, hs, false)

	session, err := client.CreateSession(context.Background(), "@_botty_1:localhost")
	require.NoError(t, err)
	assert.Equal(t, "@_botty_1:localhost", session.UserID())
	assert.Empty(t, hs.Requests("/"))
}

func TestCreateSessionWithValidation(t *testing.T) {
	hs := test.NewFakeHomeserver(t, test.ServerName)
	client := newClient(t, hs, true)

	session, err := client.CreateSession(context.Background(), "@_botty_1:localhost")
	require.NoError(t, err)
	assert.Equal(t, "@_botty_1:localhost", session.UserID())

	reqs := hs.Requests("/whoami")
	require.Len(t, reqs, 1)
	query, err := url.ParseQuery(reqs[0].RawQuery)
	require.NoError(t, err)
	assert.Equal(t, "@_botty_1:localhost", query.Get("user_id"))

	hs.Fail("whoami", http.StatusForbidden, "M_EXCLUSIVE")
	_, err = client.CreateSession(context.Background(), "@_botty_2:localhost")
	assert.True(t, hsclient.IsMatrixError(err, "M_EXCLUSIVE"))
}

func TestSessionOperationsMasquerade(t *testing.T) {
	hs := test.NewFakeHomeserver(t, test.ServerName)
	client := newClient(t, hs, false)
	ctx := context.Background()
	session, err := client.CreateSession(ctx, "@_botty_1:localhost")
	require.NoError(t, err)

	roomID, err := session.JoinRoom(ctx, "#magicforest:example.com")
	require.NoError(t, err)
	assert.Equal(t, "#magicforest:example.com", roomID)

	eventID, err := session.SendMessage(ctx, "!room:localhost", "hello")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(eventID, "$event"))

	// State events may have an empty state key.
	_, err = session.SendStateEvent(ctx, "!room:localhost", "m.room.topic", "", map[string]string{"topic": "t"})
	require.NoError(t, err)
	states := hs.Requests("/state/")
	require.Len(t, states, 1)
	assert.Equal(t, "/_matrix/client/v3/rooms/!room:localhost/state/m.room.topic/", states[0].Path)
	assert.JSONEq(t, `{"topic":"t"}`, string(states[0].Body))

	_, err = session.SendStateEvent(ctx, "!room:localhost", "m.room.member", "@_botty_1:localhost", map[string]string{"membership": "join"})
	require.NoError(t, err)
	require.Len(t, hs.Requests("/state/m.room.member/@_botty_1:localhost"), 1)

	require.NoError(t, session.SetDisplayName(ctx, "Botty"))

	for _, req := range hs.Requests("/_matrix/client/v3/") {
		query, err := url.ParseQuery(req.RawQuery)
		require.NoError(t, err)
		assert.Equal(t, "@_botty_1:localhost", query.Get("user_id"), req.Path)
		assert.Equal(t, "Bearer as_token", req.Authorization, req.Path)
	}

	sends := hs.Requests("/send/")
	require.Len(t, sends, 1)
	var content map[string]interface{}
	require.NoError(t, json.Unmarshal(sends[0].Body, &content))
	assert.Equal(t, "m.text", content["msgtype"])
	assert.Equal(t, "hello", content["body"])
	assert.Contains(t, sends[0].Path, "/send/m.room.message/")
}

func TestSendEventUsesFreshTransactionIDs(t *testing.T) {
	hs := test.NewFakeHomeserver(t, test.ServerName)
	client := newClient(t, hs, false)
	session, err := client.CreateSession(context.Background(), "@_botty_1:localhost")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = session.SendMessage(context.Background(), "!room:localhost", "hi")
		require.NoError(t, err)
	}
	sends := hs.Requests("/send/")
	require.Len(t, sends, 2)
	assert.NotEqual(t, sends[0].Path, sends[1].Path)
}

func TestUserID(t *testing.T) {
	hs := test.NewFakeHomeserver(t, test.ServerName)
	client := newClient(t, hs, false)
	assert.Equal(t, "@_botty_1:localhost", client.UserID("_botty_1"))
	assert.Equal(t, spec.ServerName("localhost"), client.ServerName())
}
