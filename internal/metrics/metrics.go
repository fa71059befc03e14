// Package metrics exposes the ambient observability surface named in
// SPEC_FULL.md §11: a per-pool healthy-origin gauge, a proxied-request
// counter, and a live-connection gauge, independent of any feature
// Non-goal (the teacher carries this kind of instrumentation the same
// way regardless of which directives a given build supports).
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolHealthyOrigins tracks upstream.Pool.HealthyCount() per pool ID,
// updated whenever C4's report_success/report_failure/probe change an
// origin's health state.
var PoolHealthyOrigins = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "cblt_pool_healthy_origins",
	Help: "Number of currently healthy origins in an upstream pool.",
}, []string{"pool"})

// ProxiedRequestsTotal counts requests C5 forwarded to an upstream
// pool, labeled by the pool, the sanitized method, and status code.
var ProxiedRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "cblt_proxied_requests_total",
	Help: "Total requests forwarded to an upstream pool.",
}, []string{"pool", "method", "code"})

// LiveConnections tracks the number of connections C7's connection
// semaphore currently has admitted and not yet closed.
var LiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "cblt_live_connections",
	Help: "Number of currently open client connections.",
})

func init() {
	prometheus.MustRegister(PoolHealthyOrigins, ProxiedRequestsTotal, LiveConnections)
}

func SanitizeCode(s int) string {
	switch s {
	case 0, 200:
		return "200"
	default:
		return strconv.Itoa(s)
	}
}

// Only support the list of "regular" HTTP methods, see
// https://developer.mozilla.org/en-US/docs/Web/HTTP/Methods
var methodMap = map[string]string{
	"GET": http.MethodGet, "get": http.MethodGet,
	"HEAD": http.MethodHead, "head": http.MethodHead,
	"PUT": http.MethodPut, "put": http.MethodPut,
	"POST": http.MethodPost, "post": http.MethodPost,
	"DELETE": http.MethodDelete, "delete": http.MethodDelete,
	"CONNECT": http.MethodConnect, "connect": http.MethodConnect,
	"OPTIONS": http.MethodOptions, "options": http.MethodOptions,
	"TRACE": http.MethodTrace, "trace": http.MethodTrace,
	"PATCH": http.MethodPatch, "patch": http.MethodPatch,
}

// SanitizeMethod sanitizes the method for use as a metric label. This helps
// prevent high cardinality on the method label. The name is always upper case.
func SanitizeMethod(m string) string {
	if m, ok := methodMap[m]; ok {
		return m
	}

	return "OTHER"
}
