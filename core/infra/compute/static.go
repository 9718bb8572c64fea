package compute

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// StaticProvider pretends every instance runs at one fixed host. It backs
// local development, where chat-instance is started by hand.
type StaticProvider struct {
	host string

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewStaticProvider returns a provider whose instances all report host.
func NewStaticProvider(host string) *StaticProvider {
	return &StaticProvider{host: host, instances: map[string]*Instance{}}
}

func (p *StaticProvider) Launch(_ context.Context, spec LaunchSpec) (string, error) {
	id := "static-" + uuid.NewString()
	p.mu.Lock()
	p.instances[id] = &Instance{ID: id, State: StateRunning, PublicIP: p.host}
	p.mu.Unlock()
	return id, nil
}

func (p *StaticProvider) Describe(_ context.Context, id string) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[id]
	if !ok {
		return nil, fmt.Errorf("describe instance %s: %w", id, ErrInstanceNotFound)
	}
	cp := *inst
	return &cp, nil
}

func (p *StaticProvider) Stop(_ context.Context, id string) error {
	return p.set(id, StateStopped, "")
}

func (p *StaticProvider) Start(_ context.Context, id string) error {
	return p.set(id, StateRunning, p.host)
}

func (p *StaticProvider) Terminate(_ context.Context, id string) error {
	return p.set(id, StateTerminated, "")
}

// SetState overrides an instance state, e.g. to simulate a machine the
// provider terminated on its own.
func (p *StaticProvider) SetState(id, state string) error {
	return p.set(id, state, p.host)
}

func (p *StaticProvider) set(id, state, ip string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, ErrInstanceNotFound)
	}
	inst.State = state
	inst.PublicIP = ip
	return nil
}
