// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/element-hq/asgateway/setup/config"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asgateway",
			Subsystem: "httpapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asgateway",
			Subsystem: "httpapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of requests allowed by rate limiting",
		},
		[]string{"endpoint"},
	)
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
}

// How long an idle bucket is kept before the cleaner drops it.
const limiterIdleTimeout = time.Minute

type bucketConfig struct {
	burst   int64
	cooloff time.Duration
}

func (c bucketConfig) limit() rate.Limit {
	if c.cooloff <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(c.burst) * float64(time.Second) / float64(c.cooloff))
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimits hands out one token bucket per caller IP and endpoint name.
type RateLimits struct {
	mutex       sync.Mutex
	buckets     map[string]*bucket
	enabled     bool
	defaults    bucketConfig
	overrides   map[string]bucketConfig
	exempt      []*net.IPNet
	stopCleaner chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		buckets:     make(map[string]*bucket),
		enabled:     cfg.Enabled,
		defaults:    bucketConfig{burst: cfg.Threshold, cooloff: time.Duration(cfg.CooloffMS) * time.Millisecond},
		overrides:   make(map[string]bucketConfig, len(cfg.PerEndpointOverrides)),
		stopCleaner: make(chan struct{}),
		now:         time.Now,
	}
	for name, override := range cfg.PerEndpointOverrides {
		l.overrides[name] = bucketConfig{
			burst:   override.Threshold,
			cooloff: time.Duration(override.CooloffMS) * time.Millisecond,
		}
	}
	for _, entry := range cfg.ExemptIPAddresses {
		if network := parseExemption(entry); network != nil {
			l.exempt = append(l.exempt, network)
		}
	}
	if l.enabled {
		go l.clean()
	}
	return l
}

// parseExemption turns a single address or a CIDR range into a network.
func parseExemption(entry string) *net.IPNet {
	if _, network, err := net.ParseCIDR(entry); err == nil {
		return network
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
}

func (l *RateLimits) clean() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCleaner:
			return
		case <-ticker.C:
			l.evictIdle(l.now().Add(-limiterIdleTimeout))
		}
	}
}

func (l *RateLimits) evictIdle(cutoff time.Time) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the cleaner goroutine. Safe to call more than once.
func (l *RateLimits) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCleaner)
	})
}

// Limit returns a 429 response if the caller of req has used up its bucket
// for the named endpoint, or nil if the request may proceed.
func (l *RateLimits) Limit(req *http.Request, endpoint string) *util.JSONResponse {
	if !l.enabled {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	ip := requestIP(req)
	if l.isExempt(ip) {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	caller := req.RemoteAddr
	if ip != nil {
		caller = ip.String()
	}
	cfg, ok := l.overrides[endpoint]
	if !ok {
		cfg = l.defaults
	}

	if !l.allow(caller+"|"+endpoint, cfg) {
		rateLimitRejections.WithLabelValues(endpoint).Inc()
		return &util.JSONResponse{
			Code: http.StatusTooManyRequests,
			JSON: spec.LimitExceeded("You are sending too many requests too quickly!", cfg.cooloff.Milliseconds()),
		}
	}
	rateLimitAllowed.WithLabelValues(endpoint).Inc()
	return nil
}

func (l *RateLimits) allow(key string, cfg bucketConfig) bool {
	if cfg.burst <= 0 {
		return false
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(cfg.limit(), int(cfg.burst))}
		l.buckets[key] = b
	}
	now := l.now()
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *RateLimits) isExempt(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, network := range l.exempt {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// requestIP returns the address of the caller. X-Forwarded-For is only
// honoured when the direct peer is loopback, i.e. a local reverse proxy.
func requestIP(req *http.Request) net.IP {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	remoteIP := net.ParseIP(strings.TrimSpace(host))
	if remoteIP == nil {
		return nil
	}

	forwardedFor := req.Header.Get("X-Forwarded-For")
	if forwardedFor == "" {
		return remoteIP
	}
	if !remoteIP.IsLoopback() {
		logrus.WithFields(logrus.Fields{
			"remote_addr":     remoteIP.String(),
			"x_forwarded_for": forwardedFor,
		}).Debug("Ignoring X-Forwarded-For from non-loopback peer")
		return remoteIP
	}
	for _, part := range strings.Split(forwardedFor, ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil && !ip.IsLoopback() {
			return ip
		}
	}
	return remoteIP
}
