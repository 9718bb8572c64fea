// Package instance is the long-running chat process: it owns the room
// registry, accepts direct websocket clients and exposes the HTTP control
// surface the relay gateway delegates to.
package instance

import (
	"embed"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/eemployee/chat/core/auth"
	"github.com/eemployee/chat/core/chat/protocol"
	"github.com/eemployee/chat/core/chat/registry"
	"github.com/eemployee/chat/core/infra/buildinfo"
	"github.com/eemployee/chat/core/infra/httpx"
	"github.com/eemployee/chat/core/infra/logging"
	infraMetrics "github.com/eemployee/chat/core/infra/metrics"
	"github.com/eemployee/chat/core/infra/schema"
	"github.com/eemployee/chat/core/infra/wsconn"
)

// ServiceName is reported by /health.
const ServiceName = "eemployee-chat"

//go:embed schemas/*.json
var schemaFS embed.FS

// Request schema ids.
const (
	schemaAuth    = "auth"
	schemaJoin    = "join"
	schemaMessage = "message"
	schemaLeave   = "leave"
)

func loadSchemas() *schema.Validator {
	sources := map[string][]byte{}
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		panic(err)
	}
	for _, e := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			panic(err)
		}
		sources[strings.TrimSuffix(e.Name(), ".json")] = data
	}
	return schema.MustValidator(sources)
}

// Server serves the instance HTTP surface.
type Server struct {
	hub       *registry.Hub
	authn     registry.Authenticator
	validator *schema.Validator
	metrics   infraMetrics.GatewayMetrics
	upgrader  websocket.Upgrader
	port      string
}

// NewServer builds the HTTP surface around a running hub. A nil metrics
// value disables request metrics.
func NewServer(hub *registry.Hub, authn registry.Authenticator, metrics infraMetrics.GatewayMetrics, port string) *Server {
	if metrics == nil {
		metrics = infraMetrics.Noop{}
	}
	return &Server{
		hub:       hub,
		authn:     authn,
		validator: loadSchemas(),
		metrics:   metrics,
		// Clients reach the instance from the tenant's web app on another origin.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		port:     port,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", httpx.Instrument(s.metrics, "/health", s.handleHealth))
	mux.HandleFunc("POST /auth", httpx.Instrument(s.metrics, "/auth", s.handleAuth))
	mux.HandleFunc("POST /join", httpx.Instrument(s.metrics, "/join", s.handleJoin))
	mux.HandleFunc("POST /message", httpx.Instrument(s.metrics, "/message", s.handleMessage))
	mux.HandleFunc("POST /leave", httpx.Instrument(s.metrics, "/leave", s.handleLeave))
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /{$}", s.handleWebSocket)
	return httpx.CORS(allowedOrigins, mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.hub.Stats()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"service":     ServiceName,
		"version":     buildinfo.Version,
		"port":        s.port,
		"connections": stats.Connections,
		"rooms":       stats.Rooms,
		"users":       stats.Users,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		httpx.WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("instance", "ws upgrade failed", "error", err)
		return
	}
	conn := wsconn.New(ws)
	client := s.hub.Attach(conn)
	logging.Debug("instance", "ws connected", "client", client.ID(), "remote", r.RemoteAddr)
	conn.Serve(func(data []byte) {
		s.hub.Frame(client, data)
	})
	s.hub.Detach(client)
}

type authRequest struct {
	Token string `json:"token"`
}

type joinRequest struct {
	RoomKey     string `json:"roomKey"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

type messageRequest struct {
	RoomKey string          `json:"roomKey"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
	IV      json.RawMessage `json:"iv"`
}

type leaveRequest struct {
	RoomKey string `json:"roomKey"`
	Email   string `json:"email"`
}

// decode validates the body against schemaID and unmarshals it into v.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, schemaID string, v any) bool {
	body, err := httpx.ReadBody(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if err := s.validator.Validate(schemaID, body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	body, err := httpx.ReadBody(r)
	if err != nil || json.Unmarshal(body, &req) != nil || s.validator.Validate(schemaAuth, body) != nil {
		httpx.WriteError(w, http.StatusBadRequest, "token required")
		return
	}
	id, err := s.authn.Authenticate(r.Context(), req.Token)
	if err != nil {
		msg := protocol.MsgInvalidToken
		if errors.Is(err, auth.ErrProfileMissing) {
			msg = protocol.MsgProfileNotFound
		}
		logging.Info("instance", "control auth rejected", "error", err)
		httpx.WriteError(w, http.StatusUnauthorized, msg)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, id)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !s.decode(w, r, schemaJoin, &req) {
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Email
	}
	roster, err := s.hub.Join(req.RoomKey, protocol.User{Email: req.Email, DisplayName: req.DisplayName})
	if err != nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"userList": roster})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !s.decode(w, r, schemaMessage, &req) {
		return
	}
	b, err := s.hub.Message(req.RoomKey, req.From, req.Payload, req.IV)
	if err != nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"broadcast": b})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if !s.decode(w, r, schemaLeave, &req) {
		return
	}
	if err := s.hub.Leave(req.RoomKey, req.Email); err != nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}
