// Package compute launches and controls the machines that host chat instances.
package compute

import (
	"context"
	"errors"
)

// ErrInstanceNotFound is returned when the provider no longer knows an instance.
var ErrInstanceNotFound = errors.New("instance not found")

// Provider machine states.
const (
	StatePending      = "pending"
	StateRunning      = "running"
	StateShuttingDown = "shutting-down"
	StateTerminated   = "terminated"
	StateStopping     = "stopping"
	StateStopped      = "stopped"
)

// LaunchSpec describes one instance to launch.
type LaunchSpec struct {
	TenantID string
	Port     int
	// UserData is the raw boot script; providers encode it as needed.
	UserData string
}

// Instance is the provider's view of a machine.
type Instance struct {
	ID       string
	State    string
	PublicIP string
}

// Provider is the compute backend used by the lifecycle controller.
type Provider interface {
	Launch(ctx context.Context, spec LaunchSpec) (string, error)
	Describe(ctx context.Context, id string) (*Instance, error)
	Stop(ctx context.Context, id string) error
	Start(ctx context.Context, id string) error
	Terminate(ctx context.Context, id string) error
}
