// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"net/url"
	"testing"

	"github.com/element-hq/asgateway/setup/config"
	"github.com/stretchr/testify/require"
)

const (
	ServerName = "localhost"
	ASToken    = "as_token"
	HSToken    = "hs_token"
)

// RegistrationYAML is the registration used throughout the tests.
const RegistrationYAML = `
id: appservice
url: http://localhost:9009
as_token: as_token
hs_token: hs_token
sender_localpart: _appservice
rate_limited: false
namespaces:
  users:
  - exclusive: true
    regex: '@_botty_.*'
  aliases:
  - exclusive: false
    regex: '#magicforest:example.com'
  rooms: []
protocols:
- irc
`

// MustRegistration parses RegistrationYAML.
func MustRegistration(t *testing.T) *config.ApplicationService {
	t.Helper()
	as, err := config.ParseRegistration([]byte(RegistrationYAML))
	require.NoError(t, err)
	return as
}

// GatewayConfig returns a config pointing at homeserverURL with the memory
// dedup backend and the test registration.
func GatewayConfig(t *testing.T, homeserverURL string) *config.Gateway {
	t.Helper()
	var cfg config.Gateway
	cfg.Defaults(config.DefaultOpts{})
	cfg.Global.ServerName = ServerName
	cfg.Global.HomeserverURL = homeserverURL
	cfg.Global.RegistrationPath = "registration.yaml"
	cfg.Derived.ApplicationService = MustRegistration(t)
	cfg.Derived.ApplicationService.ServerName = ServerName

	var configErrs config.ConfigErrors
	cfg.Verify(&configErrs)
	require.Empty(t, configErrs)
	return &cfg
}

// WithToken returns query parameters carrying an access token.
func WithToken(token string) url.Values {
	return url.Values{"access_token": []string{token}}
}
