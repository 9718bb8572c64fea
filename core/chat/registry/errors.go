package registry

import "errors"

// ErrAuthTimeout is reported when a connection does not authenticate in time.
var ErrAuthTimeout = errors.New("registry: authentication timeout")

var errHubStopped = errors.New("registry: hub stopped")
