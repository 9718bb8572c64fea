package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/eemployee/chat/core/auth"
	"github.com/eemployee/chat/core/controlplane/lifecycle"
	"github.com/eemployee/chat/core/infra/compute"
	"github.com/eemployee/chat/core/infra/locks"
)

type stubCallers map[string]*auth.Profile

func (s stubCallers) Caller(_ context.Context, token string) (*auth.Profile, error) {
	if p, ok := s[token]; ok {
		return p, nil
	}
	return nil, auth.ErrAuthInvalid
}

var callers = stubCallers{
	"admin-t1":  {Email: "admin@t1.com", TenantID: "t1", Role: auth.RoleAdmin},
	"member-t1": {Email: "member@t1.com", TenantID: "t1", Role: "employee"},
	"admin-t2":  {Email: "admin@t2.com", TenantID: "t2", Role: auth.RoleAdmin},
}

func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctl := lifecycle.NewController(
		lifecycle.NewRedisStore(client),
		compute.NewStaticProvider("127.0.0.1"),
		locks.NewRedisStore(client),
		nil,
	)
	srv := httptest.NewServer(NewServer(ctl, NewBearerAuth(callers), nil).Handler([]string{"*"}))
	t.Cleanup(srv.Close)
	return srv
}

func healthPort(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	return port
}

func call(t *testing.T, method, target, token string, body any) (int, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, target, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestCreateThenConflict(t *testing.T) {
	srv := newAPI(t)
	u := srv.URL + "/orgs/t1/chat-server"

	status, body := call(t, http.MethodPost, u, "admin-t1", map[string]any{"port": 9000})
	if status != http.StatusCreated || body["chatServerStatus"] != "starting" || body["instanceId"] == "" {
		t.Fatalf("expected 201 starting, got %d %v", status, body)
	}
	if body["chatServerPort"] != float64(9000) {
		t.Fatalf("unexpected port %v", body["chatServerPort"])
	}
	status, body = call(t, http.MethodPost, u, "admin-t1", map[string]any{"port": 9000})
	if status != http.StatusConflict || body["chatServerStatus"] != "starting" {
		t.Fatalf("expected 409 with existing status, got %d %v", status, body)
	}
}

func TestCreateDefaultsAndValidatesPort(t *testing.T) {
	srv := newAPI(t)
	status, body := call(t, http.MethodPost, srv.URL+"/orgs/t1/chat-server", "admin-t1", map[string]any{"port": 80})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %v", status, body)
	}
	status, body = call(t, http.MethodPost, srv.URL+"/orgs/t1/chat-server", "admin-t1", nil)
	if status != http.StatusCreated || body["chatServerPort"] != float64(lifecycle.DefaultPort) {
		t.Fatalf("expected default port, got %d %v", status, body)
	}
}

func TestAuthorization(t *testing.T) {
	srv := newAPI(t)
	u := srv.URL + "/orgs/t1/chat-server"
	cases := []struct {
		method string
		token  string
		want   int
	}{
		{http.MethodPost, "", http.StatusUnauthorized},
		{http.MethodPost, "bogus", http.StatusUnauthorized},
		{http.MethodPost, "member-t1", http.StatusForbidden},
		{http.MethodPost, "admin-t2", http.StatusForbidden},
		{http.MethodPut, "member-t1", http.StatusForbidden},
		{http.MethodDelete, "member-t1", http.StatusForbidden},
		{http.MethodGet, "admin-t2", http.StatusForbidden},
		{http.MethodGet, "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		status, _ := call(t, tc.method, u, tc.token, map[string]any{"action": "stop"})
		if status != tc.want {
			t.Fatalf("%s with %q: expected %d, got %d", tc.method, tc.token, tc.want, status)
		}
	}
	if status, body := call(t, http.MethodGet, u, "member-t1", nil); status != http.StatusOK || body["chatServerStatus"] != "none" {
		t.Fatalf("member GET: %d %v", status, body)
	}
}

func TestStatusPollsToRunning(t *testing.T) {
	srv := newAPI(t)
	u := srv.URL + "/organizations/t1/chat-server"
	port := healthPort(t)
	if status, body := call(t, http.MethodPost, u, "admin-t1", map[string]any{"port": port}); status != http.StatusCreated {
		t.Fatalf("create: %d %v", status, body)
	}
	status, body := call(t, http.MethodGet, u, "member-t1", nil)
	if status != http.StatusOK || body["chatServerStatus"] != "running" || body["chatServerHost"] != "127.0.0.1" {
		t.Fatalf("expected running, got %d %v", status, body)
	}
	if body["chatServerInstanceId"] == "" {
		t.Fatalf("expected instance id in status")
	}
}

func TestToggleAndDelete(t *testing.T) {
	srv := newAPI(t)
	u := srv.URL + "/orgs/t1/chat-server"

	if status, _ := call(t, http.MethodPut, u, "admin-t1", map[string]any{"action": "stop"}); status != http.StatusNotFound {
		t.Fatalf("toggle without instance: expected 404, got %d", status)
	}
	if status, _ := call(t, http.MethodDelete, u, "admin-t1", nil); status != http.StatusNotFound {
		t.Fatalf("delete without instance: expected 404, got %d", status)
	}
	if status, _ := call(t, http.MethodPost, u, "admin-t1", map[string]any{"port": 9000}); status != http.StatusCreated {
		t.Fatalf("create failed")
	}
	if status, _ := call(t, http.MethodPut, u, "admin-t1", map[string]any{"action": "reboot"}); status != http.StatusBadRequest {
		t.Fatalf("bad action: expected 400, got %d", status)
	}
	status, body := call(t, http.MethodPut, u, "admin-t1", map[string]any{"action": "stop"})
	if status != http.StatusOK || body["chatServerStatus"] != "stopped" {
		t.Fatalf("stop: %d %v", status, body)
	}
	status, body = call(t, http.MethodPut, u, "admin-t1", map[string]any{"action": "start"})
	if status != http.StatusOK || body["chatServerStatus"] != "starting" {
		t.Fatalf("start: %d %v", status, body)
	}
	status, body = call(t, http.MethodDelete, u, "admin-t1", nil)
	if status != http.StatusOK || body["message"] != "Chat server terminated" {
		t.Fatalf("delete: %d %v", status, body)
	}
	status, body = call(t, http.MethodGet, u, "admin-t1", nil)
	if status != http.StatusOK || body["chatServerStatus"] != "terminated" || body["chatServerInstanceId"] != "" {
		t.Fatalf("after delete: %d %v", status, body)
	}
}

func TestToggleReportsBodyErrors(t *testing.T) {
	srv := newAPI(t)
	u := srv.URL + "/orgs/t1/chat-server"
	if status, _ := call(t, http.MethodPost, u, "admin-t1", map[string]any{"port": 9000}); status != http.StatusCreated {
		t.Fatalf("create failed")
	}

	status, body := call(t, http.MethodPut, u, "admin-t1", strings.Repeat("x", 1<<20))
	if status != http.StatusBadRequest || body["error"] != "body too large" {
		t.Fatalf("oversized body: %d %v", status, body)
	}

	req, _ := http.NewRequest(http.MethodPut, u, strings.NewReader(`{"action":`))
	req.Header.Set("Authorization", "Bearer admin-t1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusBadRequest || out["error"] != "invalid json" {
		t.Fatalf("malformed body: %d %v", resp.StatusCode, out)
	}
}

func TestBearerAuthWrapsUnauthorized(t *testing.T) {
	a := NewBearerAuth(callers)
	req := httptest.NewRequest(http.MethodGet, "/orgs/t1/chat-server", nil)
	if _, err := a.AuthenticateHTTP(req); !errors.Is(err, errUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	req.Header.Set("Authorization", "Bearer admin-t1")
	p, err := a.AuthenticateHTTP(req)
	if err != nil || p.TenantID != "t1" {
		t.Fatalf("unexpected profile %+v err=%v", p, err)
	}
}
