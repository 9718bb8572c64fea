package registry

import (
	"context"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/eemployee/chat/core/chat/protocol"
)

// Conn is the transport side of a connection. Send must not block; it returns
// false when the frame could not be queued. Close must be idempotent.
type Conn interface {
	Send(data []byte) bool
	Close()
}

type clientState int

const (
	stateUnauthenticated clientState = iota
	stateAuthenticated
	stateClosed
)

var clientSeq atomic.Uint64

// Client is a connection attached to the hub. All fields below conn are owned
// by the hub loop.
type Client struct {
	id   uint64
	conn Conn

	state      clientState
	identity   protocol.Identity
	room       string
	timer      *clock.Timer
	authing    bool
	cancelAuth context.CancelFunc
}

// ID is unique per process.
func (c *Client) ID() uint64 {
	return c.id
}
