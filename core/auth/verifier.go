package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/eemployee/chat/core/infra/logging"
)

const (
	defaultKeyTTL      = 10 * time.Minute
	defaultKeyCap      = 64
	defaultJWKSTimeout = 10 * time.Second
)

// Claims are the token fields the chat relay reads.
type Claims struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates RS256-family JWTs against an identity provider's key set.
type Verifier struct {
	issuer  string
	jwksURL string
	client  *http.Client
	clock   clock.Clock
	keys    *expirable.LRU[string, *rsa.PublicKey]

	// refreshMu serialises key-set fetches so concurrent misses share one.
	refreshMu sync.Mutex
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithHTTPClient overrides the client used for key-set fetches.
func WithHTTPClient(c *http.Client) VerifierOption {
	return func(v *Verifier) {
		if c != nil {
			v.client = c
		}
	}
}

// WithClock sets the time source used for expiry checks.
func WithClock(c clock.Clock) VerifierOption {
	return func(v *Verifier) {
		if c != nil {
			v.clock = c
		}
	}
}

// WithKeyTTL overrides how long fetched keys stay cached.
func WithKeyTTL(ttl time.Duration) VerifierOption {
	return func(v *Verifier) {
		if ttl > 0 {
			v.keys = expirable.NewLRU[string, *rsa.PublicKey](defaultKeyCap, nil, ttl)
		}
	}
}

// NewVerifier builds a verifier. An empty issuer disables the issuer check.
func NewVerifier(issuer, jwksURL string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		issuer:  strings.TrimRight(strings.TrimSpace(issuer), "/"),
		jwksURL: strings.TrimSpace(jwksURL),
		client:  &http.Client{Timeout: defaultJWKSTimeout},
		clock:   clock.New(),
		keys:    expirable.NewLRU[string, *rsa.PublicKey](defaultKeyCap, nil, defaultKeyTTL),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks signature, issuer and expiry and returns the token's claims.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	token = stripBearer(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrAuthInvalid)
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock.Now),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid")
		}
		return v.key(ctx, kid)
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthInvalid, err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("%w: token not valid", ErrAuthInvalid)
	}
	return claims, nil
}

func (v *Verifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if k, ok := v.keys.Get(kid); ok {
		return k, nil
	}
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()
	// Another caller may have refreshed while we waited.
	if k, ok := v.keys.Get(kid); ok {
		return k, nil
	}
	if err := v.refresh(ctx); err != nil {
		return nil, err
	}
	if k, ok := v.keys.Get(kid); ok {
		return k, nil
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (v *Verifier) refresh(ctx context.Context) error {
	if v.jwksURL == "" {
		return fmt.Errorf("jwks url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	loaded := 0
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			logging.Warn("auth", "skipping jwk", "kid", k.Kid, "error", err)
			continue
		}
		v.keys.Add(k.Kid, pub)
		loaded++
	}
	logging.Debug("auth", "jwks refreshed", "keys", loaded)
	return nil
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(eb)
	if !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp.Int64())}, nil
}

func stripBearer(token string) string {
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}
