// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
)

// RecordedRequest is a request seen by the FakeHomeserver.
type RecordedRequest struct {
	Method        string
	Path          string
	RawQuery      string
	Authorization string
	Body          []byte
}

// FakeHomeserver is an in-process homeserver speaking the handful of
// client-server endpoints the gateway uses.
type FakeHomeserver struct {
	*httptest.Server
	ServerName string

	mu         sync.Mutex
	requests   []RecordedRequest
	users      map[string]struct{}
	failures   map[string]failure
	eventCount int
}

type failure struct {
	status  int
	errcode string
}

func NewFakeHomeserver(t *testing.T, serverName string) *FakeHomeserver {
	t.Helper()
	hs := &FakeHomeserver{
		ServerName: serverName,
		users:      map[string]struct{}{},
		failures:   map[string]failure{},
	}
	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/_matrix/client/v3/register", hs.register).Methods(http.MethodPost)
	r.HandleFunc("/_matrix/client/v3/account/whoami", hs.whoami).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/client/v3/join/{room}", hs.join).Methods(http.MethodPost)
	r.HandleFunc("/_matrix/client/v3/rooms/{room}/send/{type}/{txn}", hs.send).Methods(http.MethodPut)
	r.HandleFunc("/_matrix/client/v3/rooms/{room}/state/{type}/{key:.*}", hs.send).Methods(http.MethodPut)
	r.HandleFunc("/_matrix/client/v3/profile/{user}/displayname", hs.empty).Methods(http.MethodPut)
	hs.Server = httptest.NewServer(r)
	t.Cleanup(hs.Server.Close)
	return hs
}

// AddUser marks a user as already registered.
func (hs *FakeHomeserver) AddUser(localpart string) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.users[localpart] = struct{}{}
}

// Fail makes every request to an operation ("register", "whoami", "join",
// "send", "state", "displayname") fail with the given status and errcode.
func (hs *FakeHomeserver) Fail(operation string, status int, errcode string) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.failures[operation] = failure{status: status, errcode: errcode}
}

// Requests returns the recorded requests whose path contains pathPart.
func (hs *FakeHomeserver) Requests(pathPart string) []RecordedRequest {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	var out []RecordedRequest
	for _, req := range hs.requests {
		if strings.Contains(req.Path, pathPart) {
			out = append(out, req)
		}
	}
	return out
}

func (hs *FakeHomeserver) record(req *http.Request, operation string) (body []byte, fail *failure) {
	body, _ = io.ReadAll(req.Body)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.requests = append(hs.requests, RecordedRequest{
		Method:        req.Method,
		Path:          req.URL.Path,
		RawQuery:      req.URL.RawQuery,
		Authorization: req.Header.Get("Authorization"),
		Body:          body,
	})
	if f, ok := hs.failures[operation]; ok {
		return body, &f
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, f *failure) {
	writeJSON(w, f.status, map[string]string{"errcode": f.errcode, "error": "fake homeserver failure"})
}

func (hs *FakeHomeserver) register(w http.ResponseWriter, req *http.Request) {
	body, fail := hs.record(req, "register")
	if fail != nil {
		writeError(w, fail)
		return
	}
	var r struct {
		Username string `json:"username"`
		Type     string `json:"type"`
	}
	if err := json.Unmarshal(body, &r); err != nil || r.Type != "m.login.application_service" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errcode": "M_BAD_JSON", "error": "bad register body"})
		return
	}
	hs.mu.Lock()
	_, exists := hs.users[r.Username]
	hs.users[r.Username] = struct{}{}
	hs.mu.Unlock()
	if exists {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errcode": "M_USER_IN_USE", "error": "User ID already taken."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": fmt.Sprintf("@%s:%s", r.Username, hs.ServerName)})
}

func (hs *FakeHomeserver) whoami(w http.ResponseWriter, req *http.Request) {
	if _, fail := hs.record(req, "whoami"); fail != nil {
		writeError(w, fail)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": req.URL.Query().Get("user_id")})
}

func (hs *FakeHomeserver) join(w http.ResponseWriter, req *http.Request) {
	if _, fail := hs.record(req, "join"); fail != nil {
		writeError(w, fail)
		return
	}
	room, _ := url.PathUnescape(mux.Vars(req)["room"])
	writeJSON(w, http.StatusOK, map[string]string{"room_id": room})
}

func (hs *FakeHomeserver) send(w http.ResponseWriter, req *http.Request) {
	operation := "send"
	if strings.Contains(req.URL.Path, "/state/") {
		operation = "state"
	}
	if _, fail := hs.record(req, operation); fail != nil {
		writeError(w, fail)
		return
	}
	hs.mu.Lock()
	hs.eventCount++
	eventID := fmt.Sprintf("$event%d:%s", hs.eventCount, hs.ServerName)
	hs.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"event_id": eventID})
}

func (hs *FakeHomeserver) empty(w http.ResponseWriter, req *http.Request) {
	if _, fail := hs.record(req, "displayname"); fail != nil {
		writeError(w, fail)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
