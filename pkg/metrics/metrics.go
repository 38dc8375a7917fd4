// Package metrics owns the data plane's Prometheus registry. A Metrics is
// created once at startup and handed to every component that reports.
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Response time labels.
const (
	LabelTCP        = "service_discovery_tcp"
	LabelUDP        = "service_discovery_udp"
	LabelTCPTimeout = "service_discovery_tcp_timeout"
	LabelUDPTimeout = "service_discovery_udp_timeout"
)

// Cache lookup results.
const (
	LookupHit   = "hit"
	LookupMiss  = "miss"
	LookupError = "error"
)

// Metrics holds the registry and the collectors written on the data path.
type Metrics struct {
	reg *prometheus.Registry

	totalRequests    *prometheus.CounterVec
	responseTime     *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	framesClassified *prometheus.CounterVec
	frontendMessages *prometheus.CounterVec
}

// New creates a registry with all data-path collectors registered.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		totalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "total_requests",
			Help: "Forwarded requests that received a response, per client.",
		}, []string{"client_ip"}),
		responseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "response_time_seconds",
			Help:    "Forwarded request round-trip time.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"server_label"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Service cache lookups by result.",
		}, []string{"result"}),
		framesClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frames_classified_total",
			Help: "Frames classified by verdict.",
		}, []string{"verdict"}),
		frontendMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frontend_messages_total",
			Help: "Messages received by the front end.",
		}, []string{"transport", "direction"}),
	}
	m.reg.MustRegister(
		m.totalRequests,
		m.responseTime,
		m.cacheLookups,
		m.framesClassified,
		m.frontendMessages,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveResponse records a round trip under label.
func (m *Metrics) ObserveResponse(label string, d time.Duration) {
	if m == nil {
		return
	}
	m.responseTime.WithLabelValues(label).Observe(d.Seconds())
}

// IncRequest counts one answered request from clientIP.
func (m *Metrics) IncRequest(clientIP string) {
	if m == nil {
		return
	}
	m.totalRequests.WithLabelValues(clientIP).Inc()
}

// CacheLookup counts one cache lookup.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// FrameClassified counts one classified frame.
func (m *Metrics) FrameClassified(verdict string) {
	if m == nil {
		return
	}
	m.framesClassified.WithLabelValues(verdict).Inc()
}

// FrontendMessage counts one message received by the front end.
func (m *Metrics) FrontendMessage(transport, direction string) {
	if m == nil {
		return
	}
	m.frontendMessages.WithLabelValues(transport, direction).Inc()
}
