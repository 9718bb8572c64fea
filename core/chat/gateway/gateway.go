// Package gateway is the managed relay front door: it terminates client
// websockets, hands every event to the bridge and delivers pushes from any
// gateway node to the sockets it holds.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eemployee/chat/core/chat/ledger"
	"github.com/eemployee/chat/core/infra/buildinfo"
	"github.com/eemployee/chat/core/infra/bus"
	"github.com/eemployee/chat/core/infra/httpx"
	"github.com/eemployee/chat/core/infra/logging"
	infraMetrics "github.com/eemployee/chat/core/infra/metrics"
	"github.com/eemployee/chat/core/infra/wsconn"
)

const (
	// CloseUnauthenticated is the close status sent when connect is rejected.
	CloseUnauthenticated = 4401

	serviceName = "eemployee-chat-gateway"
)

var errQueueFull = errors.New("send queue full")

// Relay receives the lifecycle events of gateway connections. The row
// returned by OnConnect is passed back to OnDisconnect.
type Relay interface {
	OnConnect(ctx context.Context, connID string, query url.Values) (*ledger.Row, error)
	OnFrame(ctx context.Context, connID string, body []byte) error
	OnDisconnect(ctx context.Context, connID string, last *ledger.Row) error
}

// Server holds the sockets of this gateway node.
type Server struct {
	relay    Relay
	bus      bus.Transport
	metrics  infraMetrics.GatewayMetrics
	upgrader websocket.Upgrader
	active   atomic.Int64
}

func NewServer(relay Relay, transport bus.Transport, metrics infraMetrics.GatewayMetrics) *Server {
	if metrics == nil {
		metrics = infraMetrics.Noop{}
	}
	return &Server{
		relay:    relay,
		bus:      transport,
		metrics:  metrics,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func (s *Server) Handler(allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", httpx.Instrument(s.metrics, "/health", s.handleHealth))
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return httpx.CORS(allowedOrigins, mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"service":     serviceName,
		"version":     buildinfo.Version,
		"connections": s.active.Load(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	ctx := context.WithoutCancel(r.Context())
	conn := wsconn.New(ws)
	connID := uuid.NewString()

	deliver := func(data []byte) error {
		if !conn.Send(data) {
			conn.Close()
			return errQueueFull
		}
		return nil
	}
	if err := s.bus.Register(connID, deliver); err != nil {
		logging.Error("gateway", "push registration failed", "conn", connID, "error", err)
		conn.CloseWithCode(websocket.CloseInternalServerErr, "unavailable")
		conn.Serve(func([]byte) {})
		return
	}
	row, err := s.relay.OnConnect(ctx, connID, r.URL.Query())
	if err != nil {
		logging.Info("gateway", "connect rejected", "conn", connID, "error", err)
		s.bus.Unregister(connID)
		conn.CloseWithCode(CloseUnauthenticated, "unauthenticated")
		conn.Serve(func([]byte) {})
		return
	}

	s.active.Add(1)
	conn.Serve(func(data []byte) {
		if err := s.relay.OnFrame(ctx, connID, data); err != nil {
			logging.Debug("gateway", "frame not relayed", "conn", connID, "error", err)
		}
	})
	s.active.Add(-1)
	s.bus.Unregister(connID)
	if err := s.relay.OnDisconnect(ctx, connID, row); err != nil {
		logging.Error("gateway", "disconnect cleanup failed", "conn", connID, "error", err)
	}
}
