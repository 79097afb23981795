// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"net"
)

// RateLimiting guards the gateway endpoints against a misbehaving or
// spoofed caller. Callers are identified by remote IP.
type RateLimiting struct {
	Enabled bool `yaml:"enabled"`

	// Burst size: how many requests a caller may make back to back.
	Threshold int64 `yaml:"threshold"`

	// Time in milliseconds for Threshold slots to be refilled.
	CooloffMS int64 `yaml:"cooloff_ms"`

	// IP addresses or CIDR ranges never limited. The homeserver usually
	// belongs here.
	ExemptIPAddresses []string `yaml:"exempt_ip_addresses"`

	// Overrides keyed by endpoint name, e.g. "push_transaction".
	PerEndpointOverrides map[string]RateLimitEndpointOverride `yaml:"per_endpoint_overrides"`
}

type RateLimitEndpointOverride struct {
	Threshold int64 `yaml:"threshold"`
	CooloffMS int64 `yaml:"cooloff_ms"`
}

func (r *RateLimiting) Defaults() {
	r.Enabled = false
	r.Threshold = 20
	r.CooloffMS = 1000
	r.ExemptIPAddresses = []string{"127.0.0.1", "::1"}
	if r.PerEndpointOverrides == nil {
		r.PerEndpointOverrides = make(map[string]RateLimitEndpointOverride)
	}
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if !r.Enabled {
		return
	}
	if r.Threshold <= 0 || r.CooloffMS <= 0 {
		configErrs.Add("rate_limiting: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled")
	}
	for name, override := range r.PerEndpointOverrides {
		if override.Threshold <= 0 || override.CooloffMS <= 0 {
			configErrs.Add(fmt.Sprintf("rate_limiting.per_endpoint_overrides.%s: both 'threshold' and 'cooloff_ms' must be positive", name))
		}
	}
	for _, ip := range r.ExemptIPAddresses {
		if _, _, err := net.ParseCIDR(ip); err == nil {
			continue
		}
		if net.ParseIP(ip) == nil {
			configErrs.Add(fmt.Sprintf("invalid IP address or CIDR for config key %q: %s", "rate_limiting.exempt_ip_addresses", ip))
		}
	}
}
