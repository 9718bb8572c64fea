package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ChatMetrics captures room registry activity on a chat instance.
type ChatMetrics interface {
	SetConnections(n int)
	SetRooms(n int)
	IncFrames(kind string)
	IncAuthFailures(reason string)
	IncEvictions()
}

// BridgeMetrics captures relay bridge delegation and push outcomes.
type BridgeMetrics interface {
	ObserveDelegation(endpoint, outcome string, durationSeconds float64)
	IncPush(outcome string)
}

// LifecycleMetrics counts instance status transitions.
type LifecycleMetrics interface {
	IncTransition(from, to string)
}

// GatewayMetrics captures request metrics for HTTP surfaces.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) SetConnections(int)                             {}
func (Noop) SetRooms(int)                                   {}
func (Noop) IncFrames(string)                               {}
func (Noop) IncAuthFailures(string)                         {}
func (Noop) IncEvictions()                                  {}
func (Noop) ObserveDelegation(string, string, float64)      {}
func (Noop) IncPush(string)                                 {}
func (Noop) IncTransition(string, string)                   {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// register adds c to the default registerer. A collector already registered
// with the same descriptor is returned instead, so constructors may run more
// than once per process.
func register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Chat metrics ---

type chatProm struct {
	connections  prometheus.Gauge
	rooms        prometheus.Gauge
	frames       *prometheus.CounterVec
	authFailures *prometheus.CounterVec
	evictions    prometheus.Counter
}

// NewChatProm constructs ChatMetrics registered on the default registerer.
func NewChatProm(namespace string) ChatMetrics {
	c := &chatProm{
		connections: register(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections attached to the registry",
		})),
		rooms: register(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Non-empty rooms",
		})),
		frames: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound frames by kind",
		}, []string{"kind"})),
		authFailures: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Failed authentications by reason",
		}, []string{"reason"})),
		evictions: register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_evictions_total",
			Help:      "Connections evicted by a newer session for the same member",
		})),
	}
	return c
}

func (c *chatProm) SetConnections(n int)          { c.connections.Set(float64(n)) }
func (c *chatProm) SetRooms(n int)                { c.rooms.Set(float64(n)) }
func (c *chatProm) IncFrames(kind string)         { c.frames.WithLabelValues(kind).Inc() }
func (c *chatProm) IncAuthFailures(reason string) { c.authFailures.WithLabelValues(reason).Inc() }
func (c *chatProm) IncEvictions()                 { c.evictions.Inc() }

// --- Bridge metrics ---

type bridgeProm struct {
	delegations *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	pushes      *prometheus.CounterVec
}

// NewBridgeProm constructs BridgeMetrics registered on the default registerer.
func NewBridgeProm(namespace string) BridgeMetrics {
	b := &bridgeProm{
		delegations: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegations_total",
			Help:      "Instance control-surface calls by endpoint and outcome",
		}, []string{"endpoint", "outcome"})),
		latency: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delegation_duration_seconds",
			Help:      "Instance control-surface latency by endpoint",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"})),
		pushes: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Frames pushed to gateway connections by outcome",
		}, []string{"outcome"})),
	}
	return b
}

func (b *bridgeProm) ObserveDelegation(endpoint, outcome string, durationSeconds float64) {
	b.delegations.WithLabelValues(endpoint, outcome).Inc()
	b.latency.WithLabelValues(endpoint).Observe(durationSeconds)
}

func (b *bridgeProm) IncPush(outcome string) {
	b.pushes.WithLabelValues(outcome).Inc()
}

// --- Lifecycle metrics ---

type lifecycleProm struct {
	transitions *prometheus.CounterVec
}

func NewLifecycleProm(namespace string) LifecycleMetrics {
	l := &lifecycleProm{
		transitions: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_transitions_total",
			Help:      "Instance status transitions",
		}, []string{"from", "to"})),
	}
	return l
}

func (l *lifecycleProm) IncTransition(from, to string) {
	l.transitions.WithLabelValues(from, to).Inc()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"})),
		latency: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"})),
	}
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
