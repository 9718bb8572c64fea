package gateway

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/eemployee/chat/core/chat/bridge"
	"github.com/eemployee/chat/core/chat/ledger"
	"github.com/eemployee/chat/core/controlplane/lifecycle"
	"github.com/eemployee/chat/core/infra/bus"
	"github.com/eemployee/chat/core/infra/config"
	"github.com/eemployee/chat/core/infra/httpx"
	"github.com/eemployee/chat/core/infra/logging"
	infraMetrics "github.com/eemployee/chat/core/infra/metrics"
	"github.com/eemployee/chat/core/infra/redisutil"
)

// Run starts a gateway node and blocks until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer logging.Sync()

	client, err := redisutil.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer client.Close()

	var transport interface {
		bus.Transport
		bus.RoomSubscriber
	}
	if cfg.NatsURL != "" {
		pushBus, err := bus.NewPushBus(cfg.NatsURL, "chat-gateway")
		if err != nil {
			return err
		}
		transport = pushBus
	} else {
		logging.Warn("chat-gateway", "NATS_URL not set, push delivery limited to this node")
		transport = bus.NewLocalBus()
	}
	defer transport.Close()

	relay := bridge.New(
		ledger.NewRedisStore(client, ledger.DefaultTTL),
		lifecycle.NewRedisStore(client),
		transport,
		bridge.WithMetrics(infraMetrics.NewBridgeProm("chat_gateway")),
	)
	if err := transport.SubscribeRooms(relay.OnRoomEvent); err != nil {
		return err
	}
	srv := NewServer(relay, transport, infraMetrics.NewGatewayProm("chat_gateway"))

	httpx.ServeMetrics(ctx, "chat-gateway", cfg.MetricsAddr)
	return httpx.Serve(ctx, "chat-gateway", cfg.GatewayAddr, srv.Handler(cfg.AllowedOrigins))
}
