package bridge

import (
	"errors"

	"github.com/eemployee/chat/core/infra/bus"
)

var (
	// ErrUnauthenticated rejects a gateway connection; the gateway closes it.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnknownConnection is returned for frames from a connection with no ledger row.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrDelegation wraps failed or timed out calls to an instance.
	ErrDelegation = errors.New("delegation failure")
	// ErrGone reports a push to a connection that no longer exists.
	ErrGone = bus.ErrGone
)
