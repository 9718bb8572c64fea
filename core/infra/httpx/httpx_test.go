package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	infraMetrics "github.com/eemployee/chat/core/infra/metrics"
)

type recordingMetrics struct {
	infraMetrics.Noop
	route, status string
}

func (m *recordingMetrics) ObserveRequest(_, route, status string, _ float64) {
	m.route = route
	m.status = status
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	h := CORS([]string{"https://app.example.com"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("expected allowed origin, got %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", rec.Code)
	}
}

func TestCORSDefaultsToLocalhost(t *testing.T) {
	h := CORS(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodOptions, "/orgs/t1/chat-server", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected preflight 204, got %d", rec.Code)
	}
}

func TestInstrumentRecordsStatus(t *testing.T) {
	m := &recordingMetrics{}
	h := Instrument(m, "/join", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusBadRequest, "roomKey required")
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/join", nil))
	if m.route != "/join" || m.status != "400" {
		t.Fatalf("unexpected observation route=%s status=%s", m.route, m.status)
	}
	if !strings.Contains(rec.Body.String(), `"error":"roomKey required"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc.def")
	if got := BearerToken(req); got != "abc.def" {
		t.Fatalf("unexpected token %q", got)
	}
	req.Header.Set("Authorization", "raw-token")
	if got := BearerToken(req); got != "raw-token" {
		t.Fatalf("unexpected raw token %q", got)
	}
}

func TestReadBodyLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", maxBodyBytes+1)))
	if _, err := ReadBody(req); err == nil {
		t.Fatalf("expected size error")
	}
}
