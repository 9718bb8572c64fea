package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/eemployee/chat/core/chat/protocol"
)

// TokenVerifier validates a bearer token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// ProfileSource resolves tenant membership for a token.
type ProfileSource interface {
	Resolve(ctx context.Context, token string) (*Profile, error)
}

// Authenticator runs the credential check then the profile lookup.
type Authenticator struct {
	verifier TokenVerifier
	profiles ProfileSource
}

func NewAuthenticator(verifier TokenVerifier, profiles ProfileSource) *Authenticator {
	return &Authenticator{verifier: verifier, profiles: profiles}
}

// Authenticate returns the identity a chat connection joins with. Errors wrap
// ErrAuthInvalid or ErrProfileMissing.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (protocol.Identity, error) {
	claims, profile, err := a.resolve(ctx, token)
	if err != nil {
		return protocol.Identity{}, err
	}
	email := strings.TrimSpace(claims.Email)
	if email == "" {
		email = strings.TrimSpace(profile.Email)
	}
	if email == "" {
		return protocol.Identity{}, fmt.Errorf("%w: no email in token or profile", ErrAuthInvalid)
	}
	display := strings.TrimSpace(profile.DisplayName)
	if display == "" {
		display = strings.TrimSpace(claims.Name)
	}
	if display == "" {
		display = email
	}
	return protocol.Identity{
		Email:       email,
		DisplayName: display,
		TenantID:    profile.TenantID,
		SubUnitID:   profile.EffectiveSubUnit(),
	}, nil
}

// Caller returns the full profile, used for role checks on the provisioning API.
func (a *Authenticator) Caller(ctx context.Context, token string) (*Profile, error) {
	_, profile, err := a.resolve(ctx, token)
	return profile, err
}

func (a *Authenticator) resolve(ctx context.Context, token string) (*Claims, *Profile, error) {
	token = stripBearer(token)
	claims, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	profile, err := a.profiles.Resolve(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	return claims, profile, nil
}
