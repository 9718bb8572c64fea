package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultProfileTimeout = 10 * time.Second

	// TierInfrastructure is the multi-unit tier whose members are scoped to a sub-unit.
	TierInfrastructure = "infrastructure"
	// RoleAdmin may manage the tenant's chat server.
	RoleAdmin = "admin"
)

// Profile is the tenant membership of a verified user.
type Profile struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	TenantID    string `json:"orgId"`
	Role        string `json:"role"`
	SubUnitID   string `json:"storeId,omitempty"`
	Tier        string `json:"tier,omitempty"`
}

// EffectiveSubUnit returns the sub-unit used for room scoping. Only members of
// a multi-unit tenant are scoped.
func (p *Profile) EffectiveSubUnit() string {
	if p == nil || !strings.EqualFold(p.Tier, TierInfrastructure) {
		return ""
	}
	return strings.TrimSpace(p.SubUnitID)
}

// IsAdminOf reports whether the profile administers tenantID.
func (p *Profile) IsAdminOf(tenantID string) bool {
	return p.IsMemberOf(tenantID) && p.Role == RoleAdmin
}

// IsMemberOf reports whether the profile belongs to tenantID.
func (p *Profile) IsMemberOf(tenantID string) bool {
	return p != nil && tenantID != "" && p.TenantID == tenantID
}

// ProfileResolver loads profiles from the tenant API's /auth/me endpoint.
type ProfileResolver struct {
	baseURL string
	client  *http.Client
}

// NewProfileResolver builds a resolver. A nil client gets a 10s timeout.
func NewProfileResolver(baseURL string, client *http.Client) *ProfileResolver {
	if client == nil {
		client = &http.Client{Timeout: defaultProfileTimeout}
	}
	return &ProfileResolver{baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"), client: client}
}

// Resolve fetches the caller's profile. The token is forwarded as-is.
func (r *ProfileResolver) Resolve(ctx context.Context, token string) (*Profile, error) {
	if r.baseURL == "" {
		return nil, fmt.Errorf("%w: profile api not configured", ErrProfileMissing)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/auth/me", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileMissing, err)
	}
	req.Header.Set("Authorization", token)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileMissing, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrProfileMissing, resp.StatusCode)
	}
	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrProfileMissing, err)
	}
	if strings.TrimSpace(p.TenantID) == "" {
		return nil, fmt.Errorf("%w: no tenant", ErrProfileMissing)
	}
	return &p, nil
}
