// Copyright 2024 New Vector Ltd.
// Copyright 2018 New Vector Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api contains the types shared between the gateway components and
// the application logic plugged into it.
package api

import (
	"context"
)

// AppServiceInternalAPI answers the homeserver's questions about what the
// application service owns.
type AppServiceInternalAPI interface {
	// Check whether a room alias exists within any application service namespaces
	RoomAliasExists(ctx context.Context, req *RoomAliasExistsRequest, resp *RoomAliasExistsResponse) error
	// Check whether a user ID exists within any application service namespaces
	UserIDExists(ctx context.Context, req *UserIDExistsRequest, resp *UserIDExistsResponse) error
	// Protocols reports the third-party protocols the application service
	// bridges.
	Protocols(ctx context.Context, req *ProtocolRequest, resp *ProtocolResponse) error
}

// RoomAliasExistsRequest is a request to an application service
// about whether a room alias exists
type RoomAliasExistsRequest struct {
	// Alias we want to lookup
	Alias string `json:"alias"`
}

// RoomAliasExistsResponse is a response from an application service
// about whether a room alias exists
type RoomAliasExistsResponse struct {
	AliasExists bool `json:"exists"`
}

// UserIDExistsRequest is a request to an application service about whether a
// user ID exists
type UserIDExistsRequest struct {
	// UserID we want to lookup
	UserID string `json:"user_id"`
}

// UserIDExistsResponse is a response from an application service about
// whether a user ID exists
type UserIDExistsResponse struct {
	UserIDExists bool `json:"exists"`
	// Exclusive is set when the user is in an exclusive namespace.
	Exclusive bool `json:"exclusive"`
}

type ProtocolRequest struct {
	Protocol string `json:"protocol,omitempty"`
}

type ProtocolResponse struct {
	Protocols map[string]ASProtocolResponse `json:"protocols"`
	Exists    bool                          `json:"exists"`
}

// ASProtocolResponse describes one third-party protocol. The registration
// only names protocols, so the metadata is left empty.
type ASProtocolResponse struct {
	FieldTypes     map[string]FieldType `json:"field_types,omitempty"`
	Icon           string               `json:"icon"`
	Instances      []ProtocolInstance   `json:"instances"`
	LocationFields []string             `json:"location_fields"`
	UserFields     []string             `json:"user_fields"`
}

type FieldType struct {
	Placeholder string `json:"placeholder"`
	Regexp      string `json:"regexp"`
}

type ProtocolInstance struct {
	Description string         `json:"desc"`
	Icon        string         `json:"icon,omitempty"`
	NetworkID   string         `json:"network_id,omitempty"`
	Fields      map[string]any `json:"fields"`
	InstanceID  string         `json:"instance_id,omitempty"`
}
