package lifecycle

import (
	"strings"
	"time"
)

// Status is the chat-server state of a tenant.
type Status string

const (
	StatusNone       Status = "none"
	StatusStarting   Status = "starting"
	StatusBooting    Status = "booting"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// DefaultPort is used when a create request omits the port.
const DefaultPort = 8765

const (
	minPort = 1024
	maxPort = 65535
)

// Record is the per-tenant instance record.
type Record struct {
	TenantID   string    `json:"tenantId"`
	InstanceID string    `json:"instanceId,omitempty"`
	Host       string    `json:"host,omitempty"`
	Port       int       `json:"port"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

// LaunchGrace is how long a create may hold a record in starting before its
// instance id is stored. Past it the create is treated as abandoned.
const LaunchGrace = 30 * time.Second

// Active reports whether the record blocks a new create at now. A create that
// is still launching counts as active within LaunchGrace of CreatedAt.
func (r *Record) Active(now time.Time) bool {
	if r == nil {
		return false
	}
	if r.InstanceID == "" {
		return r.Status == StatusStarting && now.Sub(r.CreatedAt) < LaunchGrace
	}
	return r.Status != StatusTerminated
}

// Abandoned reports a starting record whose create never stored an instance
// id and has run out of grace.
func (r *Record) Abandoned(now time.Time) bool {
	return r != nil && r.Status == StatusStarting && r.InstanceID == "" && !r.Active(now)
}

// Action is an admin power action.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// ParseAction accepts "start" or "stop".
func ParseAction(raw string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionStart:
		return ActionStart, nil
	case ActionStop:
		return ActionStop, nil
	default:
		return "", ErrValidation
	}
}
