package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.SetConnections(1)
	m.SetRooms(1)
	m.IncFrames("auth")
	m.IncAuthFailures("invalid")
	m.IncEvictions()
	m.ObserveDelegation("/join", "ok", 0.1)
	m.IncPush("gone")
	m.IncTransition("starting", "booting")
	m.ObserveRequest("GET", "/health", "200", 0.01)
}

func TestChatMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewChatProm("chat")
	m.SetConnections(3)
	m.SetRooms(1)
	m.IncFrames("message")
	m.IncAuthFailures("timeout")
	m.IncEvictions()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if got := gaugeValue(families, "chat_connections"); got != 3 {
		t.Fatalf("expected connections gauge 3, got %v", got)
	}
	if !hasMetric(families, "chat_frames_total", map[string]string{"kind": "message"}) {
		t.Fatalf("expected frames metric")
	}
	if !hasMetric(families, "chat_auth_failures_total", map[string]string{"reason": "timeout"}) {
		t.Fatalf("expected auth_failures metric")
	}
	if !hasMetric(families, "chat_dedup_evictions_total", nil) {
		t.Fatalf("expected evictions metric")
	}
}

func TestBridgeMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewBridgeProm("chat_gateway")
	m.ObserveDelegation("/message", "error", 0.2)
	m.IncPush("gone")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "chat_gateway_delegations_total", map[string]string{"endpoint": "/message", "outcome": "error"}) {
		t.Fatalf("expected delegations metric")
	}
	if !hasMetric(families, "chat_gateway_delegation_duration_seconds", map[string]string{"endpoint": "/message"}) {
		t.Fatalf("expected delegation latency metric")
	}
	if !hasMetric(families, "chat_gateway_pushes_total", map[string]string{"outcome": "gone"}) {
		t.Fatalf("expected pushes metric")
	}
}

func TestLifecycleMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewLifecycleProm("chat_controlplane")
	m.IncTransition("booting", "running")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "chat_controlplane_instance_transitions_total", map[string]string{"from": "booting", "to": "running"}) {
		t.Fatalf("expected transitions metric")
	}
}

func TestGatewayMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewGatewayProm("chat")
	m.ObserveRequest("GET", "/health", "200", 0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "chat_http_requests_total", map[string]string{"method": "GET", "route": "/health", "status": "200"}) {
		t.Fatalf("expected http_requests metric")
	}
	if !hasMetric(families, "chat_http_request_duration_seconds", map[string]string{"method": "GET", "route": "/health"}) {
		t.Fatalf("expected http_request_duration metric")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewChatProm("chat")
	m.IncFrames("auth")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func gaugeValue(families []*dto.MetricFamily, name string) float64 {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			return metric.GetGauge().GetValue()
		}
	}
	return -1
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}

func TestConstructorsShareCollectorsOnReuse(t *testing.T) {
	reg := withTestRegistry(t)
	first := NewChatProm("chat")
	second := NewChatProm("chat")
	NewBridgeProm("chat_gateway")
	NewBridgeProm("chat_gateway")
	NewLifecycleProm("chat_controlplane")
	NewLifecycleProm("chat_controlplane")
	NewGatewayProm("chat_instance")
	NewGatewayProm("chat_instance")

	first.SetConnections(2)
	second.SetRooms(4)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if got := gaugeValue(families, "chat_connections"); got != 2 {
		t.Fatalf("expected connections 2, got %v", got)
	}
	if got := gaugeValue(families, "chat_rooms"); got != 4 {
		t.Fatalf("expected rooms 4, got %v", got)
	}
}
