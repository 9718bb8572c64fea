package api

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/eemployee/chat/core/auth"
	"github.com/eemployee/chat/core/controlplane/lifecycle"
	"github.com/eemployee/chat/core/infra/compute"
	"github.com/eemployee/chat/core/infra/config"
	"github.com/eemployee/chat/core/infra/httpx"
	"github.com/eemployee/chat/core/infra/locks"
	"github.com/eemployee/chat/core/infra/logging"
	infraMetrics "github.com/eemployee/chat/core/infra/metrics"
	"github.com/eemployee/chat/core/infra/redisutil"
)

// Run starts the provisioning API and blocks until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer logging.Sync()

	client, err := redisutil.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer client.Close()

	profile, err := config.LoadProvisionProfile(cfg.ProvisionConfigPath)
	if err != nil {
		return err
	}
	provider, err := newProvider(ctx, cfg, profile)
	if err != nil {
		return err
	}

	ctl := lifecycle.NewController(
		lifecycle.NewRedisStore(client),
		provider,
		locks.NewRedisStore(client),
		profile,
		lifecycle.WithMetrics(infraMetrics.NewLifecycleProm("chat_controlplane")),
	)
	authn := auth.NewAuthenticator(
		auth.NewVerifier(cfg.AuthIssuer, cfg.JWKSURL),
		auth.NewProfileResolver(cfg.ProfileAPIURL, nil),
	)
	srv := NewServer(ctl, NewBearerAuth(authn), infraMetrics.NewGatewayProm("chat_controlplane"))

	httpx.ServeMetrics(ctx, "chat-controlplane", cfg.MetricsAddr)
	logging.Info("chat-controlplane", "starting", "addr", cfg.ControlPlaneAddr, "provider", cfg.Provider)
	return httpx.Serve(ctx, "chat-controlplane", cfg.ControlPlaneAddr, srv.Handler(cfg.AllowedOrigins))
}

func newProvider(ctx context.Context, cfg *config.Config, profile *config.ProvisionProfile) (compute.Provider, error) {
	switch cfg.Provider {
	case config.ProviderStatic:
		return compute.NewStaticProvider(cfg.StaticHost), nil
	case config.ProviderEC2:
		return compute.NewEC2Provider(ctx, profile)
	default:
		return nil, fmt.Errorf("unknown compute provider %q", cfg.Provider)
	}
}
