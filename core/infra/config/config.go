package config

import (
	"os"
	"strings"
)

const (
	defaultRedisURL         = "redis://localhost:6379"
	defaultInstanceAddr     = ":8765"
	defaultMetricsAddr      = ":9092"
	defaultGatewayAddr      = ":8080"
	defaultControlPlaneAddr = ":8081"
	defaultProvider         = ProviderEC2
	jwksSuffix              = "/.well-known/jwks.json"

	envRedisURL            = "REDIS_URL"
	envNATSURL             = "NATS_URL"
	envPort                = "PORT"
	envChatPort            = "CHAT_PORT"
	envMetricsAddr         = "CHAT_METRICS_ADDR"
	envGatewayAddr         = "GATEWAY_HTTP_ADDR"
	envControlPlaneAddr    = "CONTROLPLANE_HTTP_ADDR"
	envAuthIssuer          = "AUTH_ISSUER"
	envJWKSURL             = "AUTH_JWKS_URL"
	envProfileAPIURL       = "PROFILE_API_URL"
	envProvider            = "CHAT_PROVIDER"
	envStaticHost          = "CHAT_STATIC_HOST"
	envProvisionConfigPath = "CHAT_PROVISION_CONFIG"
	envAllowedOrigins      = "CORS_ALLOW_ORIGINS"
)

// Compute provider names accepted in CHAT_PROVIDER.
const (
	ProviderEC2    = "ec2"
	ProviderStatic = "static"
)

// Config holds runtime configuration shared by the chat binaries.
type Config struct {
	RedisURL string
	// NatsURL is optional; an empty value keeps gateway push delivery in-process.
	NatsURL string

	InstanceAddr     string
	MetricsAddr      string
	GatewayAddr      string
	ControlPlaneAddr string

	AuthIssuer    string
	JWKSURL       string
	ProfileAPIURL string

	Provider            string
	StaticHost          string
	ProvisionConfigPath string
	AllowedOrigins      []string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	redisURL := os.Getenv(envRedisURL)
	if redisURL == "" {
		redisURL = defaultRedisURL
	}

	instanceAddr := defaultInstanceAddr
	if port := firstEnv(envChatPort, envPort); port != "" {
		if strings.Contains(port, ":") {
			instanceAddr = port
		} else {
			instanceAddr = ":" + port
		}
	}

	issuer := strings.TrimRight(strings.TrimSpace(os.Getenv(envAuthIssuer)), "/")
	jwksURL := strings.TrimSpace(os.Getenv(envJWKSURL))
	if jwksURL == "" && issuer != "" {
		jwksURL = issuer + jwksSuffix
	}

	provider := strings.ToLower(strings.TrimSpace(os.Getenv(envProvider)))
	if provider == "" {
		provider = defaultProvider
	}

	return &Config{
		RedisURL:            redisURL,
		NatsURL:             strings.TrimSpace(os.Getenv(envNATSURL)),
		InstanceAddr:        instanceAddr,
		MetricsAddr:         envOr(envMetricsAddr, defaultMetricsAddr),
		GatewayAddr:         envOr(envGatewayAddr, defaultGatewayAddr),
		ControlPlaneAddr:    envOr(envControlPlaneAddr, defaultControlPlaneAddr),
		AuthIssuer:          issuer,
		JWKSURL:             jwksURL,
		ProfileAPIURL:       strings.TrimRight(strings.TrimSpace(os.Getenv(envProfileAPIURL)), "/"),
		Provider:            provider,
		StaticHost:          envOr(envStaticHost, "127.0.0.1"),
		ProvisionConfigPath: strings.TrimSpace(os.Getenv(envProvisionConfigPath)),
		AllowedOrigins:      allowedOrigins(),
	}
}

// allowedOrigins defaults to "*": tenant web apps are served from their own
// origins.
func allowedOrigins() []string {
	if origins := splitList(os.Getenv(envAllowedOrigins)); len(origins) > 0 {
		return origins
	}
	return []string{"*"}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
