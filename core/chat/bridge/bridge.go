// Package bridge mirrors the chat protocol for clients attached through the
// relay gateway. Room state lives on the tenant's instance; the bridge keeps
// only the connection ledger and relays presence and messages between them.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eemployee/chat/core/chat/ledger"
	"github.com/eemployee/chat/core/chat/protocol"
	"github.com/eemployee/chat/core/controlplane/lifecycle"
	"github.com/eemployee/chat/core/infra/bus"
	"github.com/eemployee/chat/core/infra/logging"
	infraMetrics "github.com/eemployee/chat/core/infra/metrics"
)

// DefaultFanout bounds concurrent pushes per broadcast.
const DefaultFanout = 16

// Pusher delivers a frame to one gateway connection.
type Pusher interface {
	Push(ctx context.Context, connID string, data []byte) error
}

// InstanceDirectory locates tenant instances. lifecycle.Store satisfies it.
type InstanceDirectory interface {
	Get(ctx context.Context, tenantID string) (*lifecycle.Record, error)
	ListRunning(ctx context.Context) ([]lifecycle.Record, error)
}

// Bridge handles gateway connect, frame and disconnect events. It holds no
// per-connection state and is safe for concurrent use.
type Bridge struct {
	ledger    ledger.Store
	instances InstanceDirectory
	client    *InstanceClient
	pusher    Pusher
	metrics   infraMetrics.BridgeMetrics
	fanout    int
}

// Option configures a Bridge.
type Option func(*Bridge)

func WithInstanceClient(c *InstanceClient) Option {
	return func(b *Bridge) {
		if c != nil {
			b.client = c
		}
	}
}

func WithMetrics(m infraMetrics.BridgeMetrics) Option {
	return func(b *Bridge) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithFanout sets the push concurrency limit.
func WithFanout(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.fanout = n
		}
	}
}

func New(store ledger.Store, instances InstanceDirectory, pusher Pusher, opts ...Option) *Bridge {
	b := &Bridge{
		ledger:    store,
		instances: instances,
		pusher:    pusher,
		metrics:   infraMetrics.Noop{},
		fanout:    DefaultFanout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		b.client = NewInstanceClient(nil, b.metrics)
	}
	return b
}

// OnConnect authenticates a new gateway connection against the instance of
// the tenant it belongs to, joins it to its room and records it. The recorded
// row is returned for the caller to hand back to OnDisconnect.
func (b *Bridge) OnConnect(ctx context.Context, connID string, query url.Values) (*ledger.Row, error) {
	token := strings.TrimSpace(query.Get("token"))
	if token == "" {
		return nil, fmt.Errorf("%w: token required", ErrUnauthenticated)
	}
	candidates, err := b.candidates(ctx, strings.TrimSpace(query.Get("tenant")))
	if err != nil {
		return nil, err
	}

	var (
		id   protocol.Identity
		base string
	)
	for i := range candidates {
		rec := &candidates[i]
		u := BaseURL(rec)
		if u == "" {
			logging.Debug("bridge", "instance has no host", "tenant", rec.TenantID)
			continue
		}
		got, err := b.client.Auth(ctx, u, token)
		if err != nil {
			logging.Debug("bridge", "auth delegation failed", "tenant", rec.TenantID, "error", err)
			continue
		}
		if got.TenantID != rec.TenantID {
			continue
		}
		id, base = got, u
		break
	}
	if base == "" {
		return nil, fmt.Errorf("%w: no instance accepted the token", ErrUnauthenticated)
	}

	roomKey := id.RoomKey()
	if _, err := b.client.Join(ctx, base, roomKey, id.User()); err != nil {
		logging.Error("bridge", "join delegation failed", "conn", connID, "tenant", id.TenantID, "error", err)
	}
	row := ledger.Row{
		ConnID:      connID,
		Email:       id.Email,
		DisplayName: id.DisplayName,
		TenantID:    id.TenantID,
		SubUnitID:   id.SubUnitID,
		RoomKey:     roomKey,
		ConnectedAt: time.Now().UTC(),
	}
	if err := b.ledger.Put(ctx, row); err != nil {
		return nil, err
	}
	logging.Info("bridge", "connected", "conn", connID, "email", id.Email, "tenant", id.TenantID, "room", roomKey)
	return &row, nil
}

func (b *Bridge) candidates(ctx context.Context, tenant string) ([]lifecycle.Record, error) {
	if tenant == "" {
		return b.instances.ListRunning(ctx)
	}
	rec, err := b.instances.Get(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return []lifecycle.Record{*rec}, nil
}

// OnFrame handles one inbound client frame.
func (b *Bridge) OnFrame(ctx context.Context, connID string, body []byte) error {
	row, err := b.ledger.Get(ctx, connID)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	if err != nil {
		return err
	}
	in, err := protocol.Decode(body)
	if err != nil {
		return err
	}
	switch f := in.(type) {
	case protocol.AuthFrame:
		b.onAuth(ctx, row)
	case protocol.MessageFrame:
		b.onMessage(ctx, row, f)
	case protocol.UnknownFrame:
		logging.Debug("bridge", "ignoring frame", "conn", connID, "type", f.Type)
	}
	return nil
}

// onAuth answers the application-level auth a client sends after the
// transport connect. The connection was already verified in OnConnect.
func (b *Bridge) onAuth(ctx context.Context, row *ledger.Row) {
	user := protocol.User{Email: row.Email, DisplayName: row.DisplayName}
	var roster []protocol.User
	if base := b.instanceURL(ctx, row.TenantID); base != "" {
		users, err := b.client.Join(ctx, base, row.RoomKey, user)
		if err != nil {
			logging.Error("bridge", "join delegation failed", "conn", row.ConnID, "error", err)
		} else {
			roster = users
		}
	}
	b.push(ctx, row.ConnID, protocol.MustEncode(protocol.AuthSuccess{}))
	b.push(ctx, row.ConnID, protocol.MustEncode(protocol.UserList{Users: roster}))
	b.broadcast(ctx, row, protocol.MustEncode(protocol.UserJoined{User: user}), row.ConnID)
}

func (b *Bridge) onMessage(ctx context.Context, row *ledger.Row, f protocol.MessageFrame) {
	base := b.instanceURL(ctx, row.TenantID)
	if base == "" {
		return
	}
	msg, err := b.client.Message(ctx, base, row.RoomKey, row.Email, f.Payload, f.IV)
	if err != nil {
		logging.Error("bridge", "message delegation failed", "conn", row.ConnID, "error", err)
		return
	}
	b.broadcast(ctx, row, protocol.MustEncode(*msg), "")
}

// OnDisconnect leaves the room, tells the remaining scope and deletes the
// ledger row. last is the row returned by OnConnect; it stands in for the
// stored row when a failed push already pruned it. The row is deleted even
// when the instance cannot be reached.
func (b *Bridge) OnDisconnect(ctx context.Context, connID string, last *ledger.Row) error {
	row, err := b.ledger.Get(ctx, connID)
	if err != nil {
		if last == nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return nil
			}
			return err
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			logging.Warn("bridge", "ledger lookup failed, using connect snapshot", "conn", connID, "error", err)
		}
		row = last
	}
	if base := b.instanceURL(ctx, row.TenantID); base != "" {
		if err := b.client.Leave(ctx, base, row.RoomKey, row.Email); err != nil {
			logging.Error("bridge", "leave delegation failed", "conn", connID, "error", err)
		}
	}
	b.broadcast(ctx, row, protocol.MustEncode(protocol.UserLeft{Email: row.Email}), connID)
	if err := b.ledger.Delete(ctx, connID); err != nil {
		return err
	}
	logging.Info("bridge", "disconnected", "conn", connID, "email", row.Email)
	return nil
}

// OnRoomEvent delivers a frame produced by a member attached directly to the
// instance to the relay connections of the same room.
func (b *Bridge) OnRoomEvent(ctx context.Context, ev bus.RoomEvent) {
	rows, err := b.ledger.ListByTenant(ctx, ev.TenantID)
	if err != nil {
		logging.Error("bridge", "room lookup failed", "tenant", ev.TenantID, "error", err)
		return
	}
	targets := rows[:0]
	for _, row := range rows {
		if row.RoomKey == ev.RoomKey && row.Email != ev.Exclude {
			targets = append(targets, row)
		}
	}
	b.pushAll(ctx, targets, ev.Frame, "")
}

func (b *Bridge) instanceURL(ctx context.Context, tenantID string) string {
	rec, err := b.instances.Get(ctx, tenantID)
	if err != nil {
		logging.Error("bridge", "instance lookup failed", "tenant", tenantID, "error", err)
		return ""
	}
	base := BaseURL(rec)
	if base == "" {
		logging.Warn("bridge", "instance has no host, skipping delegation", "tenant", tenantID)
	}
	return base
}

// broadcast pushes data to every row in the sender's scope except exclude.
func (b *Bridge) broadcast(ctx context.Context, from *ledger.Row, data []byte, exclude string) {
	rows, err := b.ledger.Scope(ctx, from.TenantID, from.SubUnitID)
	if err != nil {
		logging.Error("bridge", "scope lookup failed", "tenant", from.TenantID, "error", err)
		return
	}
	b.pushAll(ctx, rows, data, exclude)
}

func (b *Bridge) pushAll(ctx context.Context, rows []ledger.Row, data []byte, exclude string) {
	var g errgroup.Group
	g.SetLimit(b.fanout)
	for _, row := range rows {
		if row.ConnID == exclude {
			continue
		}
		connID := row.ConnID
		g.Go(func() error {
			b.push(ctx, connID, data)
			return nil
		})
	}
	_ = g.Wait()
}

// push delivers to one connection and prunes its row when it is gone.
func (b *Bridge) push(ctx context.Context, connID string, data []byte) {
	err := b.pusher.Push(ctx, connID, data)
	switch {
	case err == nil:
		b.metrics.IncPush("ok")
	case errors.Is(err, ErrGone):
		b.metrics.IncPush("gone")
		logging.Info("bridge", "pruning gone connection", "conn", connID)
		if err := b.ledger.Delete(ctx, connID); err != nil {
			logging.Error("bridge", "prune failed", "conn", connID, "error", err)
		}
	default:
		b.metrics.IncPush("error")
		logging.Error("bridge", "push failed", "conn", connID, "error", err)
	}
}
