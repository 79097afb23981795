// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/element-hq/asgateway/internal/util"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Version is the current version of the config format.
const Version = 1

// Gateway contains all the config used by an appservice gateway process.
type Gateway struct {
	// The version of the configuration file.
	Version int `yaml:"version"`

	Global       Global       `yaml:"global"`
	Transactions Transactions `yaml:"transactions"`
	RateLimiting RateLimiting `yaml:"rate_limiting"`

	// The configuration to use for Prometheus metrics
	Metrics Metrics `yaml:"metrics"`

	// The config for logging informations. Each hook will be added to logrus.
	Logging []LogrusHook `yaml:"logging"`

	// Any information derived from the configuration options for later use.
	Derived Derived `yaml:"-"`
}

// Derived holds information calculated during config load.
type Derived struct {
	// The registration loaded from Global.RegistrationPath.
	ApplicationService *ApplicationService
}

// DefaultOpts tweaks what Defaults produces.
type DefaultOpts struct {
	// Generate fills in values suitable for writing out a sample config.
	Generate bool
}

// A Path on the filesystem.
type Path string

// DataUnit is a byte size that can be written in the config as "64mb" etc.
type DataUnit int64

func (d *DataUnit) UnmarshalText(text []byte) error {
	var magnitude float64
	s := strings.ToLower(string(text))
	switch {
	case strings.HasSuffix(s, "tb"):
		s, magnitude = s[:len(s)-2], 1024*1024*1024*1024
	case strings.HasSuffix(s, "gb"):
		s, magnitude = s[:len(s)-2], 1024*1024*1024
	case strings.HasSuffix(s, "mb"):
		s, magnitude = s[:len(s)-2], 1024*1024
	case strings.HasSuffix(s, "kb"):
		s, magnitude = s[:len(s)-2], 1024
	default:
		magnitude = 1
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*d = DataUnit(v * magnitude)
	return nil
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Add appends an error to the list of errors in this ConfigErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized ConfigErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// ConfigErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// ConfigError is returned when a config or registration file cannot be used.
// The process must not serve traffic with a config that produced one.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("invalid config: %s", e.Err)
	}
	return fmt.Sprintf("invalid config %q: %s", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Load a yaml config file for a gateway process. Relative paths inside
// the config are resolved against the directory of the config file.
func Load(configPath string) (*Gateway, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, &ConfigError{Source: configPath, Err: err}
	}
	basePath, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		return nil, &ConfigError{Source: configPath, Err: err}
	}
	return loadConfig(configPath, basePath, configData, os.ReadFile)
}

func loadConfig(
	source string,
	basePath string,
	configData []byte,
	readFile func(string) ([]byte, error),
) (*Gateway, error) {
	var c Gateway
	c.Defaults(DefaultOpts{})

	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, &ConfigError{Source: source, Err: err}
	}

	var configErrs ConfigErrors
	c.Verify(&configErrs)
	if configErrs != nil {
		return nil, &ConfigError{Source: source, Err: configErrs}
	}

	registrationPath := absPath(basePath, c.Global.RegistrationPath)
	registrationData, err := readFile(string(registrationPath))
	if err != nil {
		return nil, &ConfigError{Source: string(registrationPath), Err: err}
	}
	as, err := parseRegistration(string(registrationPath), registrationData)
	if err != nil {
		return nil, err
	}
	c.Global.ServerName = util.NormalizeServerName(c.Global.ServerName)
	as.ServerName = c.Global.ServerName
	c.Derived.ApplicationService = as

	if c.Transactions.Database.ConnectionString.IsSQLite() {
		c.Transactions.Database.ConnectionString = c.Transactions.Database.ConnectionString.resolve(basePath)
	}
	for i := range c.Logging {
		if c.Logging[i].Type == "file" {
			if dir, ok := c.Logging[i].Params["path"].(string); ok {
				c.Logging[i].Params["path"] = string(absPath(basePath, Path(dir)))
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"appservice_id": as.ID,
		"server_name":   c.Global.ServerName,
	}).Debug("Loaded gateway config")

	return &c, nil
}

// GenerateSample returns a sample config, filled in with the defaults and
// placeholder values, as YAML.
func GenerateSample() ([]byte, error) {
	var c Gateway
	c.Defaults(DefaultOpts{Generate: true})
	return yaml.Marshal(&c)
}

// Defaults sets default config values.
func (c *Gateway) Defaults(opts DefaultOpts) {
	c.Version = Version
	c.Global.Defaults(opts)
	c.Transactions.Defaults(opts)
	c.RateLimiting.Defaults()
	c.Metrics.Defaults(opts)
	c.Logging = []LogrusHook{
		{
			Type:  "std",
			Level: "info",
		},
	}
	if opts.Generate {
		c.Logging = append(c.Logging, LogrusHook{
			Type:   "file",
			Level:  "info",
			Params: map[string]interface{}{"path": "./logs"},
		})
	}
}

// Verify checks the config for problems, adding each one to configErrs.
func (c *Gateway) Verify(configErrs *ConfigErrors) {
	if c.Version != Version {
		configErrs.Add(fmt.Sprintf("unknown config version %q, expected %q", strconv.Itoa(c.Version), strconv.Itoa(Version)))
		return
	}
	c.Global.Verify(configErrs)
	c.Transactions.Verify(configErrs)
	c.RateLimiting.Verify(configErrs)
	c.Metrics.Verify(configErrs)
	for i, hook := range c.Logging {
		hook.Verify(configErrs, i)
	}
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive (zero included)
// in the configuration. If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

// checkURL verifies that the parameter is a valid URL
func checkURL(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
		return
	}
	if !urlRegexp.MatchString(value) {
		configErrs.Add(fmt.Sprintf("invalid URL for config key %q: %s", key, value))
	}
}

var urlRegexp = regexp.MustCompile(`^https?://[^/\s]+(/\S*)?$`)

func absPath(dir string, path Path) Path {
	if filepath.IsAbs(string(path)) {
		return path
	}
	return Path(filepath.Join(dir, string(path)))
}
