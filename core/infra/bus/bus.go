package bus

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrGone reports that the target connection no longer exists on any node.
	ErrGone = errors.New("connection gone")

	errNilBus     = errors.New("push bus not initialized")
	errEmptyConn  = errors.New("empty connection id")
	errNilDeliver = errors.New("nil deliver func")
)

// DeliverFunc writes a frame to a locally held connection. A non-nil error
// means the connection can no longer accept frames.
type DeliverFunc func(data []byte) error

// Transport is the push primitive shared by gateway nodes.
type Transport interface {
	Register(connID string, deliver DeliverFunc) error
	Unregister(connID string)
	Push(ctx context.Context, connID string, data []byte) error
	Close()
}

// PushSubject is the per-connection delivery subject.
func PushSubject(connID string) string {
	if connID == "" {
		return ""
	}
	return fmt.Sprintf("chat.push.%s", connID)
}
