package instance

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/eemployee/chat/core/auth"
	"github.com/eemployee/chat/core/chat/registry"
	"github.com/eemployee/chat/core/infra/bus"
	"github.com/eemployee/chat/core/infra/config"
	"github.com/eemployee/chat/core/infra/httpx"
	"github.com/eemployee/chat/core/infra/logging"
	infraMetrics "github.com/eemployee/chat/core/infra/metrics"
)

// Run starts the instance and blocks until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer logging.Sync()

	verifier := auth.NewVerifier(cfg.AuthIssuer, cfg.JWKSURL)
	authn := auth.NewAuthenticator(verifier, auth.NewProfileResolver(cfg.ProfileAPIURL, nil))

	opts := []registry.Option{registry.WithMetrics(infraMetrics.NewChatProm("chat"))}
	if cfg.NatsURL != "" {
		rooms, err := bus.NewPushBus(cfg.NatsURL, "chat-instance")
		if err != nil {
			return err
		}
		defer rooms.Close()
		opts = append(opts, registry.WithRelay(RelayRooms(rooms)))
	} else {
		logging.Warn("chat-instance", "NATS_URL not set, relay members will not see direct traffic")
	}
	hub := registry.New(authn, opts...)
	go hub.Run(ctx)

	port := cfg.InstanceAddr[strings.LastIndex(cfg.InstanceAddr, ":")+1:]
	srv := NewServer(hub, authn, infraMetrics.NewGatewayProm("chat_instance"), port)

	httpx.ServeMetrics(ctx, "chat-instance", cfg.MetricsAddr)
	logging.Info("chat-instance", "starting", "addr", cfg.InstanceAddr, "issuer", cfg.AuthIssuer)
	return httpx.Serve(ctx, "chat-instance", cfg.InstanceAddr, srv.Handler(cfg.AllowedOrigins))
}
