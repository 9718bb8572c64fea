package bus

import (
	"context"
	"sync"
)

// LocalBus delivers frames to connections held by this process only.
type LocalBus struct {
	mu    sync.RWMutex
	conns map[string]DeliverFunc
	rooms []RoomHandler
}

// NewLocalBus returns an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{conns: make(map[string]DeliverFunc)}
}

func (b *LocalBus) Register(connID string, deliver DeliverFunc) error {
	if b == nil {
		return errNilBus
	}
	if connID == "" {
		return errEmptyConn
	}
	if deliver == nil {
		return errNilDeliver
	}
	b.mu.Lock()
	b.conns[connID] = deliver
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Unregister(connID string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.conns, connID)
	b.mu.Unlock()
}

// Push returns ErrGone when connID is unknown or its deliver func fails.
func (b *LocalBus) Push(ctx context.Context, connID string, data []byte) error {
	if b == nil {
		return errNilBus
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	deliver, ok := b.conns[connID]
	b.mu.RUnlock()
	if !ok {
		return ErrGone
	}
	if err := deliver(data); err != nil {
		return ErrGone
	}
	return nil
}

func (b *LocalBus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.conns = make(map[string]DeliverFunc)
	b.rooms = nil
	b.mu.Unlock()
}
