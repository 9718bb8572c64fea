package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/eemployee/chat/core/chat/protocol"
	"github.com/eemployee/chat/core/controlplane/lifecycle"
	infraMetrics "github.com/eemployee/chat/core/infra/metrics"
)

// DelegationTimeout bounds every call to an instance control endpoint.
const DelegationTimeout = 10 * time.Second

// InstanceClient calls the HTTP control surface of a chat instance.
type InstanceClient struct {
	http    *http.Client
	metrics infraMetrics.BridgeMetrics
}

// NewInstanceClient returns a client; a nil http client gets DelegationTimeout.
func NewInstanceClient(client *http.Client, metrics infraMetrics.BridgeMetrics) *InstanceClient {
	if client == nil {
		client = &http.Client{Timeout: DelegationTimeout}
	}
	if metrics == nil {
		metrics = infraMetrics.Noop{}
	}
	return &InstanceClient{http: client, metrics: metrics}
}

// BaseURL returns the control surface address of rec, or "" when the
// instance has no host yet.
func BaseURL(rec *lifecycle.Record) string {
	if rec == nil || rec.Host == "" {
		return ""
	}
	return "http://" + net.JoinHostPort(rec.Host, strconv.Itoa(rec.Port))
}

func (c *InstanceClient) Auth(ctx context.Context, base, token string) (protocol.Identity, error) {
	var id protocol.Identity
	err := c.post(ctx, base, "/auth", map[string]string{"token": token}, &id)
	return id, err
}

func (c *InstanceClient) Join(ctx context.Context, base, roomKey string, user protocol.User) ([]protocol.User, error) {
	var out struct {
		UserList []protocol.User `json:"userList"`
	}
	err := c.post(ctx, base, "/join", map[string]string{
		"roomKey":     roomKey,
		"email":       user.Email,
		"displayName": user.DisplayName,
	}, &out)
	return out.UserList, err
}

func (c *InstanceClient) Message(ctx context.Context, base, roomKey, from string, payload, iv json.RawMessage) (*protocol.Broadcast, error) {
	var out struct {
		Broadcast *protocol.Broadcast `json:"broadcast"`
	}
	err := c.post(ctx, base, "/message", map[string]any{
		"roomKey": roomKey,
		"from":    from,
		"payload": payload,
		"iv":      iv,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Broadcast == nil {
		return nil, fmt.Errorf("%w: /message returned no broadcast", ErrDelegation)
	}
	return out.Broadcast, nil
}

func (c *InstanceClient) Leave(ctx context.Context, base, roomKey, email string) error {
	return c.post(ctx, base, "/leave", map[string]string{"roomKey": roomKey, "email": email}, nil)
}

func (c *InstanceClient) post(ctx context.Context, base, path string, body, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.metrics.ObserveDelegation(path, outcome, time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, DelegationTimeout)
	defer cancel()
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrDelegation, path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDelegation, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDelegation, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s: status %d: %s", ErrDelegation, path, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrDelegation, path, err)
	}
	return nil
}
