package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/eemployee/chat/core/auth"
	"github.com/eemployee/chat/core/controlplane/lifecycle"
	"github.com/eemployee/chat/core/infra/httpx"
)

var errUnauthorized = errors.New("unauthorized")

// AuthProvider resolves the caller of a provisioning request.
type AuthProvider interface {
	AuthenticateHTTP(r *http.Request) (*auth.Profile, error)
}

// CallerSource resolves a bearer token to a profile. *auth.Authenticator
// satisfies it.
type CallerSource interface {
	Caller(ctx context.Context, token string) (*auth.Profile, error)
}

// BearerAuth authenticates requests from their Authorization header.
type BearerAuth struct {
	callers CallerSource
}

func NewBearerAuth(callers CallerSource) *BearerAuth {
	return &BearerAuth{callers: callers}
}

func (a *BearerAuth) AuthenticateHTTP(r *http.Request) (*auth.Profile, error) {
	token := httpx.BearerToken(r)
	if token == "" {
		return nil, errUnauthorized
	}
	profile, err := a.callers.Caller(r.Context(), token)
	if err != nil {
		return nil, errors.Join(errUnauthorized, err)
	}
	return profile, nil
}

func requireAdmin(p *auth.Profile, tenantID string) error {
	if !p.IsAdminOf(tenantID) {
		return lifecycle.ErrForbidden
	}
	return nil
}

func requireMember(p *auth.Profile, tenantID string) error {
	if !p.IsMemberOf(tenantID) {
		return lifecycle.ErrForbidden
	}
	return nil
}
