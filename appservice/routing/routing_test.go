// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/element-hq/asgateway/appservice"
	"github.com/element-hq/asgateway/appservice/api"
	"github.com/element-hq/asgateway/appservice/routing"
	"github.com/element-hq/asgateway/appservice/storage/memory"
	"github.com/element-hq/asgateway/internal/caching"
	"github.com/element-hq/asgateway/internal/hsclient"
	"github.com/element-hq/asgateway/internal/httputil"
	"github.com/element-hq/asgateway/setup/config"
	"github.com/element-hq/asgateway/test"
	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memberHandler struct {
	api.BaseEventHandler
	mu      sync.Mutex
	members []string
}

func (h *memberHandler) OnRoomMember(_ context.Context, _ *hsclient.Session, ev api.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members = append(h.members, *ev.StateKey())
	return nil
}

func (h *memberHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members)
}

type testGateway struct {
	srv     *httptest.Server
	gw      *appservice.Gateway
	hs      *test.FakeHomeserver
	handler *memberHandler
	cfg     *config.Gateway
}

func newTestGateway(t *testing.T, configure func(cfg *config.Gateway)) *testGateway {
	t.Helper()
	hs := test.NewFakeHomeserver(t, test.ServerName)
	cfg := test.GatewayConfig(t, hs.URL)
	cfg.Global.ValidateSessions = true
	if configure != nil {
		configure(cfg)
	}

	client, err := hsclient.NewClient(hsclient.ClientConfig{
		HomeserverURL:    cfg.Global.HomeserverURL,
		ASToken:          cfg.Derived.ApplicationService.ASToken,
		ServerName:       cfg.Global.ServerName,
		ValidateSessions: cfg.Global.ValidateSessions,
	})
	require.NoError(t, err)
	caches := caching.NewRistrettoCache(cfg.Global.Cache.EstimatedMaxSize, cfg.Global.Cache.MaxAge, caching.DisableMetrics)
	t.Cleanup(caches.Close)

	gw, err := appservice.NewGateway(context.Background(), cfg, client, memory.NewDatabase(0), caches)
	require.NoError(t, err)
	handler := &memberHandler{}
	gw.SetEventHandler(handler)

	var rateLimits *httputil.RateLimits
	if cfg.RateLimiting.Enabled {
		rateLimits = httputil.NewRateLimits(&cfg.RateLimiting)
		t.Cleanup(rateLimits.Stop)
	}
	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	routing.Setup(router, gw, cfg, rateLimits)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testGateway{srv: srv, gw: gw, hs: hs, handler: handler, cfg: cfg}
}

type response struct {
	code int
	body map[string]interface{}
}

func (r response) errcode() string {
	errcode, _ := r.body["errcode"].(string)
	return errcode
}

func (g *testGateway) do(t *testing.T, method, path string, body []byte, header http.Header) response {
	t.Helper()
	req, err := http.NewRequest(method, g.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() // nolint: errcheck
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := response{code: resp.StatusCode, body: map[string]interface{}{}}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out.body), string(raw))
	}
	return out
}

func memberTransaction(t *testing.T) []byte {
	return test.NewTransaction(t).
		Member("!room:localhost", "@alice:localhost", "@_botty_1:localhost", "invite").
		JSON()
}

func TestScenarioPushTransactionIsIdempotent(t *testing.T) {
	g := newTestGateway(t, nil)
	body := memberTransaction(t)

	for i := 0; i < 2; i++ {
		resp := g.do(t, http.MethodPut, "/_matrix/app/v1/transactions/1?access_token=hs_token", body, nil)
		assert.Equal(t, http.StatusOK, resp.code)
		assert.Empty(t, resp.body)
	}
	assert.Equal(t, 1, g.handler.count())
}

func TestScenarioInvalidTokenIsRejected(t *testing.T) {
	g := newTestGateway(t, nil)
	body := memberTransaction(t)

	resp := g.do(t, http.MethodPut, "/_matrix/app/v1/transactions/1?access_token=invalid_token", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.code)
	assert.Equal(t, string(spec.ErrorUnknownToken), resp.errcode())

	resp = g.do(t, http.MethodPut, "/_matrix/app/v1/transactions/1", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.code)
	assert.Equal(t, string(spec.ErrorMissingToken), resp.errcode())

	assert.Equal(t, 0, g.handler.count())
}

func TestScenarioUserQuery(t *testing.T) {
	g := newTestGateway(t, nil)

	resp := g.do(t, http.MethodGet, "/_matrix/app/v1/users/%40_botty_1%3Adev.famedly.local?access_token=hs_token", nil, nil)
	assert.Equal(t, http.StatusOK, resp.code)
	assert.Empty(t, resp.body)

	resp = g.do(t, http.MethodGet, "/_matrix/app/v1/users/%40_appservice%3Alocalhost?access_token=hs_token", nil, nil)
	assert.Equal(t, http.StatusOK, resp.code, "the sender is always owned")

	resp = g.do(t, http.MethodGet, "/_matrix/app/v1/users/%40alice%3Alocalhost?access_token=hs_token", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.code)
	assert.Equal(t, string(spec.ErrorNotFound), resp.errcode())

	resp = g.do(t, http.MethodGet, "/_matrix/app/v1/users/%40_botty_1%3Alocalhost?access_token=wrong", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.code)
}

func TestScenarioRegisteredUserIsNotCreatedTwice(t *testing.T) {
	g := newTestGateway(t, nil)
	ctx := context.Background()

	require.NoError(t, g.gw.RegisterVirtualUser(ctx, "someone"))
	session, err := g.gw.Clients().GetOrCreate(ctx, "@someone:localhost")
	require.NoError(t, err)
	assert.Equal(t, "@someone:localhost", session.UserID())

	// Session creation is validated with /whoami, so it shows how often a
	// session was created.
	var creations int
	for _, req := range g.hs.Requests("/whoami") {
		query, err := url.ParseQuery(req.RawQuery)
		require.NoError(t, err)
		if query.Get("user_id") == "@someone:localhost" {
			creations++
		}
	}
	assert.Equal(t, 1, creations)
	require.Len(t, g.hs.Requests("/register"), 1)
}

func TestRoomQuery(t *testing.T) {
	g := newTestGateway(t, nil)

	resp := g.do(t, http.MethodGet, "/_matrix/app/v1/rooms/%23magicforest%3Aexample.com?access_token=hs_token", nil, nil)
	assert.Equal(t, http.StatusOK, resp.code)

	resp = g.do(t, http.MethodGet, "/_matrix/app/v1/rooms/%23elsewhere%3Aexample.com?access_token=hs_token", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.code)

	resp = g.do(t, http.MethodGet, "/_matrix/app/v1/rooms/%23magicforest%3Aexample.com", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.code)
	assert.Equal(t, string(spec.ErrorMissingToken), resp.errcode())
}

func TestBearerTokenIsAccepted(t *testing.T) {
	g := newTestGateway(t, nil)
	resp := g.do(t, http.MethodPut, "/_matrix/app/v1/transactions/1", memberTransaction(t), http.Header{
		"Authorization": {"Bearer hs_token"},
	})
	assert.Equal(t, http.StatusOK, resp.code)
	assert.Equal(t, 1, g.handler.count())
}

func TestMalformedTransaction(t *testing.T) {
	g := newTestGateway(t, nil)

	resp := g.do(t, http.MethodPut, "/_matrix/app/v1/transactions/1?access_token=hs_token", []byte("not json"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.code)
	assert.Equal(t, string(spec.ErrorNotJSON), resp.errcode())

	resp = g.do(t, http.MethodPut, "/_matrix/app/v1/transactions/1?access_token=hs_token", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.code)
	assert.Equal(t, string(spec.ErrorBadJSON), resp.errcode())

	// A bad token wins over a bad body.
	resp = g.do(t, http.MethodPut, "/_matrix/app/v1/transactions/1?access_token=nope", []byte("not json"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.code)

	// The rejected body did not use up the transaction ID.
	resp = g.do(t, http.MethodPut, "/_matrix/app/v1/transactions/1?access_token=hs_token", memberTransaction(t), nil)
	assert.Equal(t, http.StatusOK, resp.code)
	assert.Equal(t, 1, g.handler.count())
}

func TestPingAndThirdPartyProtocol(t *testing.T) {
	g := newTestGateway(t, nil)

	resp := g.do(t, http.MethodPost, "/_matrix/app/v1/ping?access_token=hs_token", []byte(`{}`), nil)
	assert.Equal(t, http.StatusOK, resp.code)
	resp = g.do(t, http.MethodPost, "/_matrix/app/v1/ping", []byte(`{}`), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.code)
	resp = g.do(t, http.MethodPost, "/_matrix/app/v1/ping?access_token=hs_token", []byte(`{"transaction_id":"mautrix-go_1683636478256400935_123"}`), nil)
	assert.Equal(t, http.StatusOK, resp.code)
	resp = g.do(t, http.MethodPost, "/_matrix/app/v1/ping?access_token=hs_token", []byte(`{"transaction_id":`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.code)
	assert.Equal(t, "M_BAD_JSON", resp.body["errcode"])

	resp = g.do(t, http.MethodGet, "/_matrix/app/v1/thirdparty/protocol/irc?access_token=hs_token", nil, nil)
	assert.Equal(t, http.StatusOK, resp.code)
	assert.Contains(t, resp.body, "instances")
	resp = g.do(t, http.MethodGet, "/_matrix/app/v1/thirdparty/protocol/xmpp?access_token=hs_token", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.code)
}

func TestUnrecognizedRequests(t *testing.T) {
	g := newTestGateway(t, nil)

	resp := g.do(t, http.MethodGet, "/_matrix/app/v1/nothing?access_token=hs_token", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.code)
	assert.Equal(t, string(spec.ErrorUnrecognized), resp.errcode())

	resp = g.do(t, http.MethodPost, "/_matrix/app/v1/transactions/1?access_token=hs_token", memberTransaction(t), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.code)
	assert.Equal(t, string(spec.ErrorUnrecognized), resp.errcode())

	resp = g.do(t, http.MethodPut, "/transactions/1?access_token=hs_token", memberTransaction(t), nil)
	assert.Equal(t, http.StatusNotFound, resp.code, "legacy paths are off by default")
}

func TestLegacyPaths(t *testing.T) {
	g := newTestGateway(t, func(cfg *config.Gateway) {
		cfg.Global.LegacyPaths = true
	})

	resp := g.do(t, http.MethodPut, "/transactions/1?access_token=hs_token", memberTransaction(t), nil)
	assert.Equal(t, http.StatusOK, resp.code)
	resp = g.do(t, http.MethodPut, "/_matrix/app/v1/transactions/1?access_token=hs_token", memberTransaction(t), nil)
	assert.Equal(t, http.StatusOK, resp.code)
	assert.Equal(t, 1, g.handler.count(), "both paths share the seen transactions")

	resp = g.do(t, http.MethodGet, "/users/%40_botty_1%3Alocalhost?access_token=hs_token", nil, nil)
	assert.Equal(t, http.StatusOK, resp.code)
	resp = g.do(t, http.MethodPost, "/ping?access_token=hs_token", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.code, "ping has no legacy path")
}

func TestRateLimiting(t *testing.T) {
	g := newTestGateway(t, func(cfg *config.Gateway) {
		cfg.RateLimiting = config.RateLimiting{Enabled: true, Threshold: 1, CooloffMS: 60000}
	})

	resp := g.do(t, http.MethodPost, "/_matrix/app/v1/ping?access_token=hs_token", nil, nil)
	assert.Equal(t, http.StatusOK, resp.code)
	resp = g.do(t, http.MethodPost, "/_matrix/app/v1/ping?access_token=hs_token", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.code)
	assert.Equal(t, string(spec.ErrorLimitExceeded), resp.errcode())
}

func TestHandleWithoutHTTPServer(t *testing.T) {
	g := newTestGateway(t, nil)
	h := routing.NewHandler(g.gw, false)
	ctx := context.Background()
	withToken := test.WithToken(test.HSToken)

	resp := h.Handle(ctx, http.MethodPut, "/_matrix/app/v1/transactions/1", withToken, nil, memberTransaction(t))
	assert.Equal(t, http.StatusOK, resp.Code)
	resp = h.Handle(ctx, http.MethodPut, "/_matrix/app/v1/transactions/1", withToken, nil, memberTransaction(t))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, g.handler.count())

	resp = h.Handle(ctx, http.MethodPut, "/_matrix/app/v1/transactions/2", test.WithToken("invalid_token"), nil, memberTransaction(t))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = h.Handle(ctx, http.MethodGet, "/_matrix/app/v1/users/%40_botty_1%3Adev.famedly.local", withToken, nil, nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = h.Handle(ctx, http.MethodGet, "/_matrix/app/v1/rooms/%23magicforest%3Aexample.com", withToken, nil, nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = h.Handle(ctx, http.MethodGet, "/_matrix/app/v1/unknown", withToken, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, spec.ErrorUnrecognized, resp.JSON.(spec.MatrixError).ErrCode)

	resp = h.Handle(ctx, http.MethodDelete, "/_matrix/app/v1/users/%40a%3Alocalhost", withToken, nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)

	resp = h.Handle(ctx, http.MethodGet, "/users/%40_botty_1%3Alocalhost", withToken, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = h.Handle(ctx, http.MethodPost, "/_matrix/app/v1/ping", nil, http.Header{"Authorization": {"Bearer hs_token"}}, nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestConcurrentPushesOfSameTransaction(t *testing.T) {
	g := newTestGateway(t, nil)
	h := routing.NewHandler(g.gw, false)
	body := memberTransaction(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.Handle(context.Background(), http.MethodPut, "/_matrix/app/v1/transactions/42", test.WithToken(test.HSToken), nil, body)
			assert.Equal(t, http.StatusOK, resp.Code)
		}()
	}
	wg.Wait()
	assert.Eventually(t, func() bool { return g.handler.count() == 1 }, time.Second, 10*time.Millisecond)
}
