// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	NamespaceUsers   = "users"
	NamespaceAliases = "aliases"
	NamespaceRooms   = "rooms"
)

// ApplicationServiceNamespace is the namespace that a specific application
// service has management over.
type ApplicationServiceNamespace struct {
	// Whether or not the namespace is managed solely by this AS
	Exclusive bool `yaml:"exclusive"`
	// A regex pattern that represents the namespace
	Regex string `yaml:"regex"`
	// Regex object representing our pattern. Saves having to recompile every time
	RegexpObject *regexp.Regexp `yaml:"-"`
}

// ApplicationService represents a Matrix application service.
// https://matrix.org/docs/spec/application_service/unstable.html
type ApplicationService struct {
	// User-defined, unique, persistent ID of the application service
	ID string `yaml:"id"`
	// Base URL of the application service
	URL string `yaml:"url"`
	// Application service token provided in requests to a homeserver
	ASToken string `yaml:"as_token"`
	// Homeserver token provided in requests to an application service
	HSToken string `yaml:"hs_token"`
	// Localpart of application service user
	SenderLocalpart string `yaml:"sender_localpart"`
	// Whether rate limiting is applied to each application service user
	RateLimited bool `yaml:"rate_limited"`
	// Information about an application service's namespaces. Key is either
	// "users", "aliases" or "rooms"
	NamespaceMap map[string][]ApplicationServiceNamespace `yaml:"namespaces"`
	// Third-party protocols that this application service provides
	Protocols []string `yaml:"protocols"`
	// Server name of the homeserver, filled in from the gateway config. When
	// set, only the sender localpart on this server counts as the sender.
	ServerName spec.ServerName `yaml:"-"`
}

// LoadRegistration reads and validates a registration file.
func LoadRegistration(path string) (*ApplicationService, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: err}
	}
	return parseRegistration(path, data)
}

// ParseRegistration parses and validates a registration from YAML.
func ParseRegistration(data []byte) (*ApplicationService, error) {
	return parseRegistration("", data)
}

func parseRegistration(source string, data []byte) (*ApplicationService, error) {
	var as ApplicationService
	if err := yaml.Unmarshal(data, &as); err != nil {
		return nil, &ConfigError{Source: source, Err: err}
	}
	var configErrs ConfigErrors
	as.Verify(&configErrs)
	if configErrs != nil {
		return nil, &ConfigError{Source: source, Err: configErrs}
	}
	return &as, nil
}

// Verify checks the required fields and compiles the namespace regexes.
// Compiled regexes are stored back into the namespace entries.
func (a *ApplicationService) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "id", a.ID)
	checkNotEmpty(configErrs, "as_token", a.ASToken)
	checkNotEmpty(configErrs, "hs_token", a.HSToken)
	checkNotEmpty(configErrs, "sender_localpart", a.SenderLocalpart)
	if a.ASToken != "" && a.ASToken == a.HSToken {
		logrus.WithField("appservice_id", a.ID).Warn("as_token and hs_token are the same, anyone who can reach the gateway can act as the homeserver")
	}

	for key, namespaces := range a.NamespaceMap {
		switch key {
		case NamespaceUsers, NamespaceAliases, NamespaceRooms:
		default:
			configErrs.Add(fmt.Sprintf("invalid namespace %q in application service %q", key, a.ID))
			continue
		}
		for i := range namespaces {
			if err := namespaces[i].compile(); err != nil {
				configErrs.Add(fmt.Sprintf(
					"invalid regex %q for config key \"namespaces.%s[%d].regex\": %s",
					namespaces[i].Regex, key, i, err,
				))
			}
		}
	}
}

func (n *ApplicationServiceNamespace) compile() error {
	if n.Regex == "" {
		return fmt.Errorf("regex must not be empty")
	}
	// Used as written: a pattern matches anywhere in the ID unless it is
	// anchored itself.
	re, err := regexp.Compile(n.Regex)
	if err != nil {
		return err
	}
	n.RegexpObject = re
	return nil
}

// Equal reports whether two registrations describe the same application
// service. Only the ID is compared.
func (a *ApplicationService) Equal(b *ApplicationService) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

// SenderUserID returns the full user ID of the application service bot.
func (a *ApplicationService) SenderUserID(serverName spec.ServerName) string {
	return fmt.Sprintf("@%s:%s", a.SenderLocalpart, serverName)
}

func (a *ApplicationService) matches(key, id string) bool {
	for _, namespace := range a.NamespaceMap[key] {
		if namespace.RegexpObject != nil && namespace.RegexpObject.MatchString(id) {
			return true
		}
	}
	return false
}

func (a *ApplicationService) matchesExclusive(key, id string) bool {
	for _, namespace := range a.NamespaceMap[key] {
		if namespace.Exclusive && namespace.RegexpObject != nil && namespace.RegexpObject.MatchString(id) {
			return true
		}
	}
	return false
}

// IsInterestedInRoomID returns a bool on whether an application service's
// namespace includes the given room ID
func (a *ApplicationService) IsInterestedInRoomID(roomID string) bool {
	return a.matches(NamespaceRooms, roomID)
}

// IsInterestedInUserID returns a bool on whether an application service's
// namespace includes the given user ID
func (a *ApplicationService) IsInterestedInUserID(userID string) bool {
	return a.matches(NamespaceUsers, userID)
}

// IsInterestedInRoomAlias returns a bool on whether an application service's
// namespace includes the given room alias
func (a *ApplicationService) IsInterestedInRoomAlias(roomAlias string) bool {
	return a.matches(NamespaceAliases, roomAlias)
}

// OwnsUser reports whether the user is in the users namespace or is the
// application service's own sender user.
func (a *ApplicationService) OwnsUser(userID string) bool {
	if a.IsInterestedInUserID(userID) {
		return true
	}
	parsed, err := spec.NewUserID(userID, true)
	if err != nil || parsed.Local() != a.SenderLocalpart {
		return false
	}
	return a.ServerName == "" || parsed.Domain() == a.ServerName
}

// OwnsRoom reports whether a room alias (#...) or room ID (!...) falls in
// the aliases or rooms namespace respectively. Anything else is checked
// against both.
func (a *ApplicationService) OwnsRoom(roomIDOrAlias string) bool {
	switch {
	case strings.HasPrefix(roomIDOrAlias, "#"):
		return a.IsInterestedInRoomAlias(roomIDOrAlias)
	case strings.HasPrefix(roomIDOrAlias, "!"):
		return a.IsInterestedInRoomID(roomIDOrAlias)
	default:
		return a.IsInterestedInRoomAlias(roomIDOrAlias) || a.IsInterestedInRoomID(roomIDOrAlias)
	}
}

// IsExclusive reports whether the ID is matched by an exclusive namespace.
// The sigil picks the namespace list to check.
func (a *ApplicationService) IsExclusive(id string) bool {
	switch {
	case strings.HasPrefix(id, "@"):
		return a.matchesExclusive(NamespaceUsers, id)
	case strings.HasPrefix(id, "#"):
		return a.matchesExclusive(NamespaceAliases, id)
	case strings.HasPrefix(id, "!"):
		return a.matchesExclusive(NamespaceRooms, id)
	default:
		return a.matchesExclusive(NamespaceUsers, id) ||
			a.matchesExclusive(NamespaceAliases, id) ||
			a.matchesExclusive(NamespaceRooms, id)
	}
}
