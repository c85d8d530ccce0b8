// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// Credentials are labelled by store id, never by secret or email.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var latencyBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_upstream_attempts_total{credential,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_attempts_per_request
	attemptsPerRequest prometheus.Histogram

	// gateway_failover_success_total: served by a credential other than the first tried
	failoverSuccess prometheus.Counter

	// gateway_failover_exhausted_total
	failoverExhausted prometheus.Counter

	// gateway_no_credentials_total
	noCredentials prometheus.Counter

	// gateway_auth_rejections_total{reason}
	authRejections *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_stream_bytes_total
	streamBytes prometheus.Counter

	// gateway_stream_aborted_total{side}
	streamAborted *prometheus.CounterVec

	// gateway_credential_health{credential}: 1=ok, 0=cooling down after a failure
	credentialHealth *prometheus.GaugeVec

	// gateway_component_health{component}
	componentHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes every upstream attempt)",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes (buffered responses only)",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream attempts, one per credential tried",
			},
			[]string{"credential", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"outcome"},
		),

		attemptsPerRequest: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_attempts_per_request",
			Help:    "Number of credentials tried per chat request",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13, 21},
		}),

		failoverSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_failover_success_total",
			Help: "Requests served by a credential other than the first one tried",
		}),

		failoverExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_failover_exhausted_total",
			Help: "Requests for which every credential failed",
		}),

		noCredentials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_no_credentials_total",
			Help: "Requests rejected because the credential store was empty",
		}),

		authRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_rejections_total",
				Help: "Caller authentication failures by reason",
			},
			[]string{"reason"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		streamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_stream_bytes_total",
			Help: "Bytes relayed to callers on streaming responses",
		}),

		streamAborted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_aborted_total",
				Help: "Streaming relays terminated early, by the side that failed",
			},
			[]string{"side"},
		),

		credentialHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_credential_health",
				Help: "Credential health (1=ok, 0=cooling down after a failure)",
			},
			[]string{"credential"},
		),

		componentHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_component_health",
				Help: "Dependency health status (1=ok, 0=degraded)",
			},
			[]string{"component"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.attemptsPerRequest,
		r.failoverSuccess,
		r.failoverExhausted,
		r.noCredentials,
		r.authRejections,
		r.rateLimitTotal,
		r.streamBytes,
		r.streamAborted,
		r.credentialHealth,
		r.componentHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics. Negative sizes are skipped.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(credentialID int64, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(strconv.FormatInt(credentialID, 10), outcome).Inc()
	r.upstreamDuration.WithLabelValues(outcome).Observe(dur.Seconds())
}

// ObserveAttempts records how many credentials a request went through.
func (r *Registry) ObserveAttempts(n int) {
	r.attemptsPerRequest.Observe(float64(n))
}

func (r *Registry) RecordFailoverSuccess()   { r.failoverSuccess.Inc() }
func (r *Registry) RecordFailoverExhausted() { r.failoverExhausted.Inc() }
func (r *Registry) RecordNoCredentials()     { r.noCredentials.Inc() }

func (r *Registry) RecordAuthRejection(reason string) {
	r.authRejections.WithLabelValues(reason).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddStreamBytes(n int64) {
	if n > 0 {
		r.streamBytes.Add(float64(n))
	}
}

// RecordStreamAborted counts a relay cut short; side is "upstream" or "client".
func (r *Registry) RecordStreamAborted(side string) {
	r.streamAborted.WithLabelValues(side).Inc()
}

func (r *Registry) SetCredentialHealth(credentialID int64, ok bool) {
	g := r.credentialHealth.WithLabelValues(strconv.FormatInt(credentialID, 10))
	if ok {
		g.Set(1)
		return
	}
	g.Set(0)
}

func (r *Registry) SetComponentHealth(component string, ok bool) {
	if ok {
		r.componentHealth.WithLabelValues(component).Set(1)
		return
	}
	r.componentHealth.WithLabelValues(component).Set(0)
}

// RegisterDroppedLogs exposes the request-log drop counter.
func (r *Registry) RegisterDroppedLogs(fn func() int64) {
	r.reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "gateway_request_log_dropped_total",
			Help: "Request log entries dropped because the buffer was full",
		},
		func() float64 { return float64(fn()) },
	))
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
