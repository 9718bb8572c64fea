// Package lifecycle drives a tenant's chat instance through its states:
// provisioning, readiness polling, power actions and teardown.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/eemployee/chat/core/infra/compute"
	"github.com/eemployee/chat/core/infra/config"
	"github.com/eemployee/chat/core/infra/locks"
	"github.com/eemployee/chat/core/infra/logging"
	infraMetrics "github.com/eemployee/chat/core/infra/metrics"
)

const (
	healthTimeout = 3 * time.Second
	createLockTTL = LaunchGrace
)

// LockResource names the lock serialising creates for a tenant.
func LockResource(tenantID string) string {
	return "chat-server:" + tenantID
}

// Controller owns every write to instance records.
type Controller struct {
	store    Store
	provider compute.Provider
	locks    locks.Store
	profile  *config.ProvisionProfile
	http     *http.Client
	metrics  infraMetrics.LifecycleMetrics
	clock    clock.Clock
	owner    string
}

// Option configures a Controller.
type Option func(*Controller)

// WithHTTPClient overrides the client used for health checks.
func WithHTTPClient(c *http.Client) Option {
	return func(ctl *Controller) {
		if c != nil {
			ctl.http = c
		}
	}
}

func WithMetrics(m infraMetrics.LifecycleMetrics) Option {
	return func(ctl *Controller) {
		if m != nil {
			ctl.metrics = m
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) {
		if c != nil {
			ctl.clock = c
		}
	}
}

// NewController wires a controller. A nil profile uses the default
// provisioning profile.
func NewController(store Store, provider compute.Provider, lockStore locks.Store, profile *config.ProvisionProfile, opts ...Option) *Controller {
	if profile == nil {
		profile, _ = config.ParseProvisionProfile(nil)
	}
	ctl := &Controller{
		store:    store,
		provider: provider,
		locks:    lockStore,
		profile:  profile,
		http:     &http.Client{Timeout: healthTimeout},
		metrics:  infraMetrics.Noop{},
		clock:    clock.New(),
		owner:    "controlplane-" + uuid.NewString(),
	}
	for _, opt := range opts {
		opt(ctl)
	}
	return ctl
}

// Get returns the stored record without polling.
func (c *Controller) Get(ctx context.Context, tenantID string) (*Record, error) {
	return c.store.Get(ctx, tenantID)
}

// Create provisions an instance for tenantID. A zero port selects DefaultPort.
// The returned record is also set on ErrConflict so callers can report the
// existing instance.
func (c *Controller) Create(ctx context.Context, tenantID string, port int) (*Record, error) {
	if port == 0 {
		port = DefaultPort
	}
	if port < minPort || port > maxPort {
		return nil, fmt.Errorf("%w: port must be between %d and %d", ErrValidation, minPort, maxPort)
	}

	var out *Record
	owner := c.owner + ":" + uuid.NewString()
	err := locks.WithLock(ctx, c.locks, LockResource(tenantID), owner, createLockTTL, func(ctx context.Context) error {
		rec, err := c.store.Get(ctx, tenantID)
		if err != nil {
			return err
		}
		if rec.Active(c.clock.Now()) {
			out = rec
			return ErrConflict
		}
		prev := rec.Status
		rec = &Record{TenantID: tenantID, Port: port, Status: StatusStarting, CreatedAt: c.clock.Now().UTC()}
		if err := c.store.Save(ctx, rec); err != nil {
			return err
		}
		c.metrics.IncTransition(string(prev), string(StatusStarting))
		out = rec

		id, err := c.launch(ctx, tenantID, port)
		if err != nil {
			rec.Status = StatusFailed
			if saveErr := c.store.Save(ctx, rec); saveErr != nil {
				logging.Error("lifecycle", "mark failed", "tenant", tenantID, "error", saveErr)
			}
			c.metrics.IncTransition(string(StatusStarting), string(StatusFailed))
			logging.Error("lifecycle", "launch failed", "tenant", tenantID, "error", err)
			return fmt.Errorf("%w: %v", ErrProvision, err)
		}
		rec.InstanceID = id
		if err := c.store.Save(ctx, rec); err != nil {
			return err
		}
		logging.Info("lifecycle", "instance created", "tenant", tenantID, "instance_id", id, "port", port)
		return nil
	})
	if errors.Is(err, locks.ErrHeld) {
		return nil, fmt.Errorf("%w: create already in progress", ErrConflict)
	}
	return out, err
}

func (c *Controller) launch(ctx context.Context, tenantID string, port int) (string, error) {
	script, err := RenderBootScript(c.profile, port)
	if err != nil {
		return "", err
	}
	return c.provider.Launch(ctx, compute.LaunchSpec{TenantID: tenantID, Port: port, UserData: script})
}

// Poll advances the record by at most one provider check and one health
// check. Provider and health errors leave the status unchanged.
func (c *Controller) Poll(ctx context.Context, tenantID string) (*Record, error) {
	rec, err := c.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if rec.Abandoned(c.clock.Now()) {
		logging.Warn("lifecycle", "create abandoned before instance id was stored", "tenant", tenantID)
		if rec, err = c.transition(ctx, rec, StatusFailed, nil); err != nil {
			return nil, err
		}
	}

	if rec.Status == StatusStopped && rec.InstanceID != "" {
		inst, err := c.provider.Describe(ctx, rec.InstanceID)
		switch {
		case errors.Is(err, compute.ErrInstanceNotFound), err == nil && inst.State == compute.StateTerminated:
			rec, err = c.transition(ctx, rec, StatusTerminated, nil)
			if err != nil {
				return nil, err
			}
		case err != nil:
			logging.Warn("lifecycle", "describe stopped instance", "tenant", tenantID, "error", err)
		}
	}

	if rec.Status == StatusStarting && rec.InstanceID != "" {
		inst, err := c.provider.Describe(ctx, rec.InstanceID)
		switch {
		case errors.Is(err, compute.ErrInstanceNotFound):
			if rec, err = c.transition(ctx, rec, StatusFailed, nil); err != nil {
				return nil, err
			}
		case err != nil:
			logging.Warn("lifecycle", "describe starting instance", "tenant", tenantID, "error", err)
		case inst.State == compute.StateRunning && inst.PublicIP != "":
			host := inst.PublicIP
			if rec, err = c.transition(ctx, rec, StatusBooting, func(r *Record) { r.Host = host }); err != nil {
				return nil, err
			}
		case inst.State == compute.StateTerminated || inst.State == compute.StateShuttingDown:
			if rec, err = c.transition(ctx, rec, StatusFailed, nil); err != nil {
				return nil, err
			}
		}
	}

	if rec.Status == StatusBooting && rec.Host != "" {
		if c.healthy(ctx, rec.Host, rec.Port) {
			if rec, err = c.transition(ctx, rec, StatusRunning, nil); err != nil {
				return nil, err
			}
		}
	}
	return rec, nil
}

// transition applies a conditional write from rec.Status to next. When
// another caller won the race the freshly stored record is returned.
func (c *Controller) transition(ctx context.Context, rec *Record, next Status, mutate func(*Record)) (*Record, error) {
	updated := *rec
	updated.Status = next
	if mutate != nil {
		mutate(&updated)
	}
	ok, err := c.store.Transition(ctx, rec.Status, &updated)
	if err != nil {
		return nil, err
	}
	if !ok {
		return c.store.Get(ctx, rec.TenantID)
	}
	c.metrics.IncTransition(string(rec.Status), string(next))
	logging.Info("lifecycle", "status changed", "tenant", rec.TenantID, "from", rec.Status, "to", next)
	return &updated, nil
}

type healthBody struct {
	Status string `json:"status"`
}

func (c *Controller) healthy(ctx context.Context, host string, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		logging.Debug("lifecycle", "health check failed", "url", url, "error", err)
		return false
	}
	defer resp.Body.Close()
	var body healthBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "ok"
}

// Act runs a power action and returns the updated record.
func (c *Controller) Act(ctx context.Context, tenantID string, action Action) (*Record, error) {
	switch action {
	case ActionStop:
		return c.Stop(ctx, tenantID)
	case ActionStart:
		return c.Start(ctx, tenantID)
	default:
		return nil, ErrValidation
	}
}

// Stop stops the instance and marks the record stopped.
func (c *Controller) Stop(ctx context.Context, tenantID string) (*Record, error) {
	return c.power(ctx, tenantID, "stop", c.provider.Stop, func(r *Record) {
		r.Status = StatusStopped
	})
}

// Start starts a stopped instance. The host is cleared because the address
// may change.
func (c *Controller) Start(ctx context.Context, tenantID string) (*Record, error) {
	return c.power(ctx, tenantID, "start", c.provider.Start, func(r *Record) {
		r.Status = StatusStarting
		r.Host = ""
	})
}

func (c *Controller) power(ctx context.Context, tenantID, op string, call func(context.Context, string) error, apply func(*Record)) (*Record, error) {
	rec, err := c.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if rec.InstanceID == "" {
		return nil, ErrNotFound
	}
	if err := call(ctx, rec.InstanceID); err != nil {
		logging.Error("lifecycle", op+" failed", "tenant", tenantID, "instance_id", rec.InstanceID, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrProvision, op, err)
	}
	prev := rec.Status
	apply(rec)
	if err := c.store.Save(ctx, rec); err != nil {
		return nil, err
	}
	c.metrics.IncTransition(string(prev), string(rec.Status))
	logging.Info("lifecycle", "instance "+op, "tenant", tenantID, "instance_id", rec.InstanceID)
	return rec, nil
}

// Delete terminates the instance and clears its id and host. Provider errors
// are logged and ignored. A record left without an instance id by a failed
// or abandoned create is reset to terminated.
func (c *Controller) Delete(ctx context.Context, tenantID string) error {
	rec, err := c.store.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	switch {
	case rec.InstanceID != "":
		if err := c.provider.Terminate(ctx, rec.InstanceID); err != nil {
			logging.Warn("lifecycle", "terminate failed", "tenant", tenantID, "instance_id", rec.InstanceID, "error", err)
		}
	case rec.Status == StatusNone || rec.Status == StatusTerminated:
		return ErrNotFound
	}
	prev := rec.Status
	rec.Status = StatusTerminated
	rec.InstanceID = ""
	rec.Host = ""
	if err := c.store.Save(ctx, rec); err != nil {
		return err
	}
	c.metrics.IncTransition(string(prev), string(StatusTerminated))
	logging.Info("lifecycle", "instance terminated", "tenant", tenantID)
	return nil
}
