// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package hsclient talks to the homeserver client-server API on behalf of
// the application service and the users it masquerades as.
package hsclient

import (
	"context"
	"crypto/tls"
	"net/http"
	"strconv"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

var homeserverRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "asgateway",
		Subsystem: "hsclient",
		Name:      "requests_total",
		Help:      "Requests made to the homeserver, by operation and response code",
	},
	[]string{"operation", "code"},
)

type ClientConfig struct {
	// Base URL of the homeserver client-server API.
	HomeserverURL string
	// The as_token from the registration.
	ASToken string
	// Server name used to build user IDs from localparts.
	ServerName spec.ServerName
	// Skip certificate verification for the homeserver.
	DisableTLSValidation bool
	// Call /whoami when creating a session.
	ValidateSessions bool
	// Overrides the HTTP client, mostly for tests.
	HTTPClient *http.Client
}

// Client is the application service's connection to its homeserver. It is
// safe for concurrent use and shares its HTTP client with every Session.
type Client struct {
	homeserverURL    string
	asToken          string
	serverName       spec.ServerName
	validateSessions bool
	httpClient       *http.Client
	// Acts as the application service itself, without user_id.
	bot *mautrix.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, errors.New("hsclient: homeserver URL is required")
	}
	if cfg.ASToken == "" {
		return nil, errors.New("hsclient: as_token is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.DisableTLSValidation}, // nolint:gosec
			},
		}
	}

	c := &Client{
		homeserverURL:    cfg.HomeserverURL,
		asToken:          cfg.ASToken,
		serverName:       cfg.ServerName,
		validateSessions: cfg.ValidateSessions,
		httpClient:       httpClient,
	}
	bot, err := c.newMatrixClient("")
	if err != nil {
		return nil, errors.Wrapf(err, "hsclient: invalid homeserver URL %q", cfg.HomeserverURL)
	}
	c.bot = bot
	return c, nil
}

// newMatrixClient returns a mautrix client authenticated with the as_token.
// A non-empty userID is sent as the user_id query parameter on every call.
func (c *Client) newMatrixClient(userID string) (*mautrix.Client, error) {
	cli, err := mautrix.NewClient(c.homeserverURL, id.UserID(userID), c.asToken)
	if err != nil {
		return nil, err
	}
	cli.Client = c.httpClient
	cli.SetAppServiceUserID = userID != ""
	return cli, nil
}

// ServerName returns the server name user IDs are built with.
func (c *Client) ServerName() spec.ServerName {
	return c.serverName
}

// UserID builds a full user ID for a localpart on this server.
func (c *Client) UserID(localpart string) string {
	return id.NewUserID(localpart, string(c.serverName)).String()
}

// RegisterAppserviceUser registers a user in the application service's
// namespace. A *MatrixError is returned if the homeserver refuses, including
// M_USER_IN_USE for users that already exist.
func (c *Client) RegisterAppserviceUser(ctx context.Context, localpart string) error {
	return c.call(ctx, "register", func(ctx context.Context) error {
		_, uia, err := c.bot.Register(ctx, &mautrix.ReqRegister{
			Username:     localpart,
			Type:         mautrix.AuthTypeAppservice,
			InhibitLogin: true,
		})
		if err == nil && uia != nil {
			return &MatrixError{
				Code:       spec.ErrorForbidden,
				Message:    "homeserver asked for interactive auth",
				StatusCode: http.StatusUnauthorized,
			}
		}
		return err
	})
}

// CreateSession returns a session acting as userID. When session validation
// is enabled the homeserver must confirm the identity via /whoami first.
func (c *Client) CreateSession(ctx context.Context, userID string) (*Session, error) {
	cli, err := c.newMatrixClient(userID)
	if err != nil {
		return nil, errors.Wrapf(err, "hsclient: creating session for %s", userID)
	}
	session := &Session{client: c, cli: cli, userID: userID}
	if !c.validateSessions {
		return session, nil
	}
	whoami, err := session.WhoAmI(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "hsclient: validating session for %s", userID)
	}
	if whoami != userID {
		return nil, errors.Errorf("hsclient: homeserver identified session for %s as %s", userID, whoami)
	}
	return session, nil
}

// call runs one homeserver request inside a span, counts it, and turns
// mautrix errors into *MatrixError.
func (c *Client) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "hsclient."+operation)
	defer span.Finish()

	err := fn(ctx)
	if err == nil {
		homeserverRequests.WithLabelValues(operation, strconv.Itoa(http.StatusOK)).Inc()
		return nil
	}
	ext.Error.Set(span, true)

	converted := fromMautrixError(operation, err)
	var matrixErr *MatrixError
	if errors.As(converted, &matrixErr) {
		homeserverRequests.WithLabelValues(operation, strconv.Itoa(matrixErr.StatusCode)).Inc()
		ext.HTTPStatusCode.Set(span, uint16(matrixErr.StatusCode))
		logrus.WithFields(logrus.Fields{
			"operation": operation,
			"status":    matrixErr.StatusCode,
			"errcode":   matrixErr.Code,
		}).Debug("Homeserver returned an error")
	} else {
		homeserverRequests.WithLabelValues(operation, "error").Inc()
	}
	return converted
}
