// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

type Global struct {
	// The name of the server the homeserver is running as. Virtual users are
	// registered as @localpart:server_name.
	ServerName spec.ServerName `yaml:"server_name"`

	// The base URL of the homeserver client-server API.
	HomeserverURL string `yaml:"homeserver_url"`

	// Path to the appservice registration file shared with the homeserver.
	RegistrationPath Path `yaml:"registration"`

	// The address the gateway listens on for pushes from the homeserver.
	Listen string `yaml:"listen"`

	// Also serve the unprefixed paths from before the /_matrix/app/v1 prefix
	// was introduced.
	LegacyPaths bool `yaml:"legacy_paths"`

	// Disable TLS certificate validation for requests to the homeserver.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`

	// Call /whoami on the homeserver before caching a new user session.
	ValidateSessions bool `yaml:"validate_sessions"`

	// Configuration for the ownership query cache.
	Cache Cache `yaml:"cache"`

	// Sentry error reporting.
	Sentry Sentry `yaml:"sentry"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	if opts.Generate {
		c.ServerName = "localhost"
		c.HomeserverURL = "http://localhost:8008"
		c.RegistrationPath = "registration.yaml"
	}
	c.Listen = ":9009"
	c.Cache.Defaults()
	c.Sentry.Defaults()
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", string(c.ServerName))
	checkURL(configErrs, "global.homeserver_url", c.HomeserverURL)
	checkNotEmpty(configErrs, "global.registration", string(c.RegistrationPath))
	checkNotEmpty(configErrs, "global.listen", c.Listen)
	c.Cache.Verify(configErrs)
	c.Sentry.Verify(configErrs)
}

type Cache struct {
	EstimatedMaxSize DataUnit      `yaml:"max_size_estimated"`
	MaxAge           time.Duration `yaml:"max_age"`
}

func (c *Cache) Defaults() {
	c.EstimatedMaxSize = 16 * 1024 * 1024 // 16 MB
	c.MaxAge = time.Hour
}

// The cache sizes its admission counters in KB.
const minCacheSize DataUnit = 1024

func (c *Cache) Verify(configErrs *ConfigErrors) {
	if c.EstimatedMaxSize < minCacheSize {
		configErrs.Add(fmt.Sprintf(
			"invalid value for config key %q: %d, must be at least %d bytes",
			"global.cache.max_size_estimated", c.EstimatedMaxSize, minCacheSize,
		))
	}
	checkPositive(configErrs, "global.cache.max_age", int64(c.MaxAge))
}

// The configuration to use for Sentry error reporting
type Sentry struct {
	Enabled bool `yaml:"enabled"`
	// The DSN to connect to e.g "https://examplePublicKey@o0.ingest.sentry.io/0"
	// See https://docs.sentry.io/platforms/go/configuration/options/
	DSN string `yaml:"dsn"`
	// The environment e.g "production"
	// See https://docs.sentry.io/platforms/go/configuration/environments/
	Environment string `yaml:"environment"`
}

func (c *Sentry) Defaults() {
	c.Enabled = false
}

func (c *Sentry) Verify(configErrs *ConfigErrors) {
	if c.Enabled {
		checkNotEmpty(configErrs, "global.sentry.dsn", c.DSN)
	}
}

// The configuration to use for Prometheus metrics
type Metrics struct {
	// Whether or not the metrics are enabled
	Enabled bool `yaml:"enabled"`
	// Use BasicAuth for Authorization
	BasicAuth struct {
		// Authorization via Static Username & Password
		// Hardcoded Username and Password
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"basic_auth"`
}

func (c *Metrics) Defaults(opts DefaultOpts) {
	c.Enabled = false
	if opts.Generate {
		c.BasicAuth.Username = "metrics"
		c.BasicAuth.Password = "metrics"
	}
}

func (c *Metrics) Verify(configErrs *ConfigErrors) {
}

// LogrusHook represents a single logrus hook. At this point, only parsing and
// verification of the proper values for type and level are done.
// Validity/integrity checks on the parameters are done when configuring logrus.
type LogrusHook struct {
	// The type of hook, currently only "file" and "std" are supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}

var logrusLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "error": {}, "fatal": {}, "panic": {}, "trace": {},
}

func (h *LogrusHook) Verify(configErrs *ConfigErrors, index int) {
	if _, ok := logrusLevels[h.Level]; !ok {
		configErrs.Add(fmt.Sprintf("invalid log level %q for config key \"logging[%d].level\"", h.Level, index))
	}
	switch h.Type {
	case "std":
	case "file":
		path, ok := h.Params["path"].(string)
		if !ok || path == "" {
			configErrs.Add(fmt.Sprintf("missing config key \"logging[%d].params.path\"", index))
		}
	default:
		configErrs.Add(fmt.Sprintf("invalid log hook type %q for config key \"logging[%d].type\"", h.Type, index))
	}
}

// DataSource for opening a database connection.
type DataSource string

func (d DataSource) IsSQLite() bool {
	return strings.HasPrefix(string(d), "file:")
}

func (d DataSource) IsPostgres() bool {
	// commented line may not always be true?
	// return strings.HasPrefix(string(d), "postgres:")
	return !d.IsSQLite()
}

// resolve makes a relative sqlite file path absolute against basePath.
func (d DataSource) resolve(basePath string) DataSource {
	file := strings.TrimPrefix(string(d), "file:")
	query := ""
	if i := strings.IndexByte(file, '?'); i >= 0 {
		file, query = file[:i], file[i:]
	}
	if file == "" || strings.HasPrefix(file, ":memory:") || filepath.IsAbs(file) {
		return d
	}
	return DataSource("file:" + filepath.Join(basePath, file) + query)
}

// DatabaseOptions are the options used to open a database connection.
type DatabaseOptions struct {
	// The connection string, file:filename.db or postgres://server....
	ConnectionString DataSource `yaml:"connection_string"`
	// Maximum open connections to the DB (0 = use default, negative means unlimited)
	MaxOpenConnections int `yaml:"max_open_conns"`
	// Maximum idle connections to the DB (0 = use default, negative means unlimited)
	MaxIdleConnections int `yaml:"max_idle_conns"`
	// maximum amount of time (in seconds) a connection may be reused (<= 0 means unlimited)
	ConnMaxLifetimeSeconds int `yaml:"conn_max_lifetime"`
}

func (c *DatabaseOptions) Defaults(conns int) {
	c.MaxOpenConnections = conns
	c.MaxIdleConnections = 2
	c.ConnMaxLifetimeSeconds = -1
}

func (c *DatabaseOptions) Verify(configErrs *ConfigErrors) {}

// MaxIdleConns returns maximum idle connections to the DB
func (c DatabaseOptions) MaxIdleConns() int {
	return c.MaxIdleConnections
}

// MaxOpenConns returns maximum open connections to the DB
func (c DatabaseOptions) MaxOpenConns() int {
	return c.MaxOpenConnections
}

// ConnMaxLifetime returns maximum amount of time a connection may be reused
func (c DatabaseOptions) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}
