// Package api serves the provisioning REST surface tenant admins use to
// create, inspect, power and delete their chat instance.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/eemployee/chat/core/auth"
	"github.com/eemployee/chat/core/controlplane/lifecycle"
	"github.com/eemployee/chat/core/infra/buildinfo"
	"github.com/eemployee/chat/core/infra/httpx"
	"github.com/eemployee/chat/core/infra/logging"
	infraMetrics "github.com/eemployee/chat/core/infra/metrics"
)

// Controller is the lifecycle surface used by the handlers.
type Controller interface {
	Create(ctx context.Context, tenantID string, port int) (*lifecycle.Record, error)
	Poll(ctx context.Context, tenantID string) (*lifecycle.Record, error)
	Act(ctx context.Context, tenantID string, action lifecycle.Action) (*lifecycle.Record, error)
	Delete(ctx context.Context, tenantID string) error
}

type Server struct {
	ctl     Controller
	auth    AuthProvider
	metrics infraMetrics.GatewayMetrics
}

func NewServer(ctl Controller, authProvider AuthProvider, metrics infraMetrics.GatewayMetrics) *Server {
	if metrics == nil {
		metrics = infraMetrics.Noop{}
	}
	return &Server{ctl: ctl, auth: authProvider, metrics: metrics}
}

func (s *Server) Handler(allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": buildinfo.Version})
	})
	// /organizations is the path older web clients use.
	for _, prefix := range []string{"/orgs", "/organizations"} {
		route := prefix + "/{tenantId}/chat-server"
		mux.HandleFunc("POST "+route, s.instrumented(route, s.handleCreate))
		mux.HandleFunc("GET "+route, s.instrumented(route, s.handleStatus))
		mux.HandleFunc("PUT "+route, s.instrumented(route, s.handleToggle))
		mux.HandleFunc("DELETE "+route, s.instrumented(route, s.handleDelete))
	}
	return httpx.CORS(allowedOrigins, mux)
}

func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return httpx.Instrument(s.metrics, route, fn)
}

// caller authenticates the request and applies check for the path tenant.
// It writes the error response itself and returns false on failure.
func (s *Server) caller(w http.ResponseWriter, r *http.Request, check func(*auth.Profile, string) error, denied string) (string, bool) {
	tenantID := strings.TrimSpace(r.PathValue("tenantId"))
	profile, err := s.auth.AuthenticateHTTP(r)
	if err != nil {
		logging.Info("controlplane-api", "unauthorized", "path", r.URL.Path, "error", err)
		httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return "", false
	}
	if err := check(profile, tenantID); err != nil {
		httpx.WriteError(w, http.StatusForbidden, denied)
		return "", false
	}
	return tenantID, true
}

type createRequest struct {
	Port int `json:"port"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.caller(w, r, requireAdmin, "Admin access required")
	if !ok {
		return
	}
	var req createRequest
	body, err := httpx.ReadBody(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	rec, err := s.ctl.Create(r.Context(), tenantID, req.Port)
	switch {
	case errors.Is(err, lifecycle.ErrConflict):
		resp := map[string]any{"error": "Chat server already exists"}
		if rec != nil {
			resp["chatServerHost"] = rec.Host
			resp["chatServerPort"] = rec.Port
			resp["chatServerStatus"] = rec.Status
		}
		httpx.WriteJSON(w, http.StatusConflict, resp)
		return
	case errors.Is(err, lifecycle.ErrValidation):
		httpx.WriteError(w, http.StatusBadRequest, "Port must be between 1024 and 65535")
		return
	case errors.Is(err, lifecycle.ErrProvision):
		httpx.WriteError(w, http.StatusInternalServerError, "Failed to launch chat server: "+err.Error())
		return
	case err != nil:
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"message":          "Chat server is being created. It may take a few minutes to boot.",
		"instanceId":       rec.InstanceID,
		"chatServerPort":   rec.Port,
		"chatServerStatus": rec.Status,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.caller(w, r, requireMember, "You do not belong to this organization")
	if !ok {
		return
	}
	rec, err := s.ctl.Poll(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"chatServerHost":       rec.Host,
		"chatServerPort":       rec.Port,
		"chatServerStatus":     rec.Status,
		"chatServerInstanceId": rec.InstanceID,
	})
}

type toggleRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.caller(w, r, requireAdmin, "Admin access required")
	if !ok {
		return
	}
	var req toggleRequest
	body, err := httpx.ReadBody(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	action, err := lifecycle.ParseAction(req.Action)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, `action must be "start" or "stop"`)
		return
	}
	rec, err := s.ctl.Act(r.Context(), tenantID, action)
	if err != nil {
		writeError(w, err)
		return
	}
	msg := "Chat server is stopping"
	if action == lifecycle.ActionStart {
		msg = "Chat server is starting. It may take a minute."
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": msg, "chatServerStatus": rec.Status})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.caller(w, r, requireAdmin, "Admin access required")
	if !ok {
		return
	}
	if err := s.ctl.Delete(r.Context(), tenantID); err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Chat server terminated"})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "No chat server found")
	case errors.Is(err, lifecycle.ErrValidation):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, lifecycle.ErrConflict):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	default:
		logging.Error("controlplane-api", "request failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
