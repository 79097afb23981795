// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// BasicAuth is used for authorization on /metrics handlers
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

var appServiceRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "asgateway",
		Subsystem: "httpapi",
		Name:      "request_duration_seconds",
		Help:      "Time spent handling requests from the homeserver",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	},
	[]string{"handler", "method", "code"},
)

// MakeJSONAPI wraps a JSON handler with rate limiting, tracing and metrics.
// rateLimits may be nil.
func MakeJSONAPI(
	metricsName string, rateLimits *RateLimits, enableMetrics bool,
	f func(req *http.Request) util.JSONResponse,
) http.Handler {
	h := func(req *http.Request) util.JSONResponse {
		if rateLimits != nil {
			if limited := rateLimits.Limit(req, metricsName); limited != nil {
				return *limited
			}
		}
		return f(req)
	}
	return MakeHTTPAPI(metricsName, enableMetrics, util.MakeJSONAPI(util.NewJSONRequestHandler(h)))
}

// MakeHTTPAPI adds a tracing span, and optionally a request duration
// histogram, around a plain HTTP handler.
func MakeHTTPAPI(metricsName string, enableMetrics bool, f http.HandlerFunc) http.Handler {
	withSpan := func(w http.ResponseWriter, req *http.Request) {
		span := opentracing.StartSpan(metricsName)
		defer span.Finish()
		ext.HTTPMethod.Set(span, req.Method)
		ext.HTTPUrl.Set(span, req.URL.Path)
		req = req.WithContext(opentracing.ContextWithSpan(req.Context(), span))

		logger := logrus.WithFields(logrus.Fields{
			"handler": metricsName,
			"method":  req.Method,
		})
		req = req.WithContext(util.ContextWithLogger(req.Context(), logger))

		f(w, req)
	}

	if !enableMetrics {
		return http.HandlerFunc(withSpan)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		withSpan(rec, req)
		appServiceRequestDuration.
			WithLabelValues(metricsName, req.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// WrapHandlerInBasicAuth adds basic auth to a handler. Only used for /metrics
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	if b.Username == "" || b.Password == "" {
		logrus.Warn("Metrics are exposed without protection. Make sure you set up protection at proxy level.")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Serve without authorization if either Username or Password is unset
		if b.Username == "" || b.Password == "" {
			h.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(b.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(b.Password)) != 1 {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	}
}

// URLDecodeMapValues is a function that iterates through each of the items in a
// map, URL decodes the value, and returns a new map with the decoded values
// under the same key names
func URLDecodeMapValues(vmap map[string]string) (map[string]string, error) {
	decoded := make(map[string]string, len(vmap))
	for key, value := range vmap {
		decodedVal, err := url.PathUnescape(value)
		if err != nil {
			return make(map[string]string), err
		}
		decoded[key] = decodedVal
	}
	return decoded, nil
}

// UnmarshalJSON into the given interface pointer. Returns an error JSON
// response if there was a problem unmarshalling.
func UnmarshalJSON(body []byte, iface interface{}) *util.JSONResponse {
	// encoding/json allows invalid utf-8, matrix does not
	if !utf8.Valid(body) {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.NotJSON("Body contains invalid UTF-8"),
		}
	}
	if err := json.Unmarshal(body, iface); err != nil {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("The request body could not be decoded into valid JSON. " + err.Error()),
		}
	}
	return nil
}
