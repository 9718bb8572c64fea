package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eemployee/chat/core/infra/logging"
	"github.com/nats-io/nats.go"
)

const (
	defaultPushTimeout = 3 * time.Second

	replyOK   = "ok"
	replyGone = "gone"
)

// PushBus routes frames to connections held by any gateway node. Each node
// subscribes to the delivery subject of its own connections and answers
// push requests with an ok or gone reply.
type PushBus struct {
	nc      *nats.Conn
	timeout time.Duration

	mu      sync.Mutex
	subs    map[string]*nats.Subscription
	roomSub *nats.Subscription
}

// NewPushBus dials NATS at the provided URL.
func NewPushBus(url string, name string) (*PushBus, error) {
	if name == "" {
		name = "chat-gateway"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "nats connection closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewPushBusConn(nc), nil
}

// NewPushBusConn wraps an established connection.
func NewPushBusConn(nc *nats.Conn) *PushBus {
	return &PushBus{nc: nc, timeout: defaultPushTimeout, subs: make(map[string]*nats.Subscription)}
}

// Register subscribes to connID's delivery subject.
func (b *PushBus) Register(connID string, deliver DeliverFunc) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if connID == "" {
		return errEmptyConn
	}
	if deliver == nil {
		return errNilDeliver
	}
	sub, err := b.nc.Subscribe(PushSubject(connID), func(msg *nats.Msg) {
		reply := replyOK
		if err := deliver(msg.Data); err != nil {
			reply = replyGone
		}
		if msg.Reply != "" {
			if err := msg.Respond([]byte(reply)); err != nil {
				logging.Warn("bus", "push reply failed", "conn_id", connID, "error", err)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", connID, err)
	}
	b.mu.Lock()
	if prev, ok := b.subs[connID]; ok {
		_ = prev.Unsubscribe()
	}
	b.subs[connID] = sub
	b.mu.Unlock()
	return nil
}

func (b *PushBus) Unregister(connID string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	sub, ok := b.subs[connID]
	delete(b.subs, connID)
	b.mu.Unlock()
	if ok {
		_ = sub.Unsubscribe()
	}
}

// Push sends data to connID and waits for the owning node's reply.
func (b *PushBus) Push(ctx context.Context, connID string, data []byte) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if connID == "" {
		return errEmptyConn
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	msg, err := b.nc.RequestWithContext(ctx, PushSubject(connID), data)
	if errors.Is(err, nats.ErrNoResponders) {
		return ErrGone
	}
	if err != nil {
		return fmt.Errorf("push %s: %w", connID, err)
	}
	if string(msg.Data) == replyGone {
		return ErrGone
	}
	return nil
}

func (b *PushBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (b *PushBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	b.mu.Lock()
	for id, sub := range b.subs {
		_ = sub.Unsubscribe()
		delete(b.subs, id)
	}
	if b.roomSub != nil {
		_ = b.roomSub.Unsubscribe()
		b.roomSub = nil
	}
	b.mu.Unlock()
	b.nc.Close()
}
