// Package registry owns the authoritative room state of a chat instance.
//
// A Hub runs a single goroutine that applies every room mutation in order:
// attach, authentication result, auth timeout, message, detach and the
// control-surface joins used by the relay gateway. Credential checks run off
// the loop and report back as events.
package registry

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/eemployee/chat/core/auth"
	"github.com/eemployee/chat/core/chat/protocol"
	"github.com/eemployee/chat/core/infra/logging"
	infraMetrics "github.com/eemployee/chat/core/infra/metrics"
)

const (
	// DefaultAuthTimeout is how long a connection may stay unauthenticated.
	DefaultAuthTimeout = 10 * time.Second

	eventBuffer = 256
)

// Authenticator resolves a token to a chat identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (protocol.Identity, error)
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Users       int `json:"users"`
}

type room struct {
	key     string
	members map[*Client]struct{}
	// virtual holds members relayed through the gateway, keyed by email.
	virtual map[string]protocol.User
}

func (r *room) empty() bool {
	return len(r.members) == 0 && len(r.virtual) == 0
}

// Option configures a Hub.
type Option func(*Hub)

func WithClock(c clock.Clock) Option {
	return func(h *Hub) {
		if c != nil {
			h.clock = c
		}
	}
}

func WithAuthTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.authTimeout = d
		}
	}
}

func WithMetrics(m infraMetrics.ChatMetrics) Option {
	return func(h *Hub) {
		if m != nil {
			h.metrics = m
		}
	}
}

// RelayFunc forwards a frame produced by a direct member to the relay members
// of its room. exclude is the producing member's email. It runs on the hub
// loop and must not block.
type RelayFunc func(tenantID, roomKey, exclude string, data []byte)

// WithRelay sets where frames from direct members go when their room also
// holds relay members.
func WithRelay(fn RelayFunc) Option {
	return func(h *Hub) {
		h.relay = fn
	}
}

// WithRoomKey overrides how an identity maps to a room. The default is
// protocol.Identity.RoomKey, the same key the relay gateway joins under.
func WithRoomKey(fn func(protocol.Identity) string) Option {
	return func(h *Hub) {
		if fn != nil {
			h.roomKey = fn
		}
	}
}

// Hub is the room registry.
type Hub struct {
	auth        Authenticator
	clock       clock.Clock
	authTimeout time.Duration
	metrics     infraMetrics.ChatMetrics
	roomKey     func(protocol.Identity) string
	relay       RelayFunc

	events chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// loop-owned
	clients map[*Client]struct{}
	rooms   map[string]*room
}

// New builds a hub. Call Run to start processing.
func New(authn Authenticator, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		auth:        authn,
		clock:       clock.New(),
		authTimeout: DefaultAuthTimeout,
		metrics:     infraMetrics.Noop{},
		roomKey:     protocol.Identity.RoomKey,
		events:      make(chan func(), eventBuffer),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		clients:     make(map[*Client]struct{}),
		rooms:       make(map[string]*room),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes events until ctx is cancelled. Every attached connection is
// closed on exit.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.cancel()
	for {
		select {
		case fn := <-h.events:
			fn()
		case <-ctx.Done():
			for c := range h.clients {
				h.stopAuth(c)
				c.state = stateClosed
				c.conn.Close()
			}
			h.clients = map[*Client]struct{}{}
			h.rooms = map[string]*room{}
			return
		}
	}
}

func (h *Hub) post(fn func()) bool {
	select {
	case h.events <- fn:
		return true
	case <-h.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (h *Hub) call(fn func()) error {
	finished := make(chan struct{})
	if !h.post(func() {
		defer close(finished)
		fn()
	}) {
		return errHubStopped
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		return errHubStopped
	}
}

// Attach registers a new unauthenticated connection and starts its auth timer.
func (h *Hub) Attach(conn Conn) *Client {
	c := &Client{id: clientSeq.Add(1), conn: conn, state: stateUnauthenticated}
	c.timer = h.clock.AfterFunc(h.authTimeout, func() {
		h.post(func() { h.onTimeout(c) })
	})
	if !h.post(func() {
		h.clients[c] = struct{}{}
		h.metrics.SetConnections(len(h.clients))
	}) {
		c.timer.Stop()
		conn.Close()
	}
	return c
}

// Frame hands an inbound client frame to the hub. Malformed frames are ignored.
func (h *Hub) Frame(c *Client, data []byte) {
	in, err := protocol.Decode(data)
	if err != nil {
		logging.Debug("registry", "ignoring malformed frame", "client", c.id, "error", err)
		return
	}
	h.post(func() { h.onFrame(c, in) })
}

// Detach removes a connection after its transport closed.
func (h *Hub) Detach(c *Client) {
	h.post(func() { h.detach(c) })
}

// Stats reports live connections and rooms.
func (h *Hub) Stats() Stats {
	var s Stats
	_ = h.call(func() {
		s.Connections = len(h.clients)
		s.Rooms = len(h.rooms)
		emails := map[string]struct{}{}
		for _, r := range h.rooms {
			for m := range r.members {
				emails[m.identity.Email] = struct{}{}
			}
			for e := range r.virtual {
				emails[e] = struct{}{}
			}
		}
		s.Users = len(emails)
	})
	return s
}

func (h *Hub) onFrame(c *Client, in protocol.Inbound) {
	if c.state == stateClosed {
		return
	}
	switch f := in.(type) {
	case protocol.AuthFrame:
		h.metrics.IncFrames(string(protocol.KindAuth))
		if c.state != stateUnauthenticated || c.authing {
			return
		}
		h.startAuth(c, f.Token)
	case protocol.MessageFrame:
		h.metrics.IncFrames(string(protocol.KindMessage))
		if c.state != stateAuthenticated {
			return
		}
		b := protocol.NewBroadcast(c.identity.Email, f.Payload, f.IV, h.clock.Now())
		data := protocol.MustEncode(b)
		h.broadcast(c.room, data, c, "")
		h.forward(c, data)
	case protocol.UnknownFrame:
		h.metrics.IncFrames("unknown")
	}
}

func (h *Hub) startAuth(c *Client, token string) {
	ctx, cancel := context.WithCancel(h.ctx)
	c.authing = true
	c.cancelAuth = cancel
	go func() {
		defer cancel()
		id, err := h.auth.Authenticate(ctx, token)
		h.post(func() { h.onAuthResult(c, id, err) })
	}()
}

func (h *Hub) onAuthResult(c *Client, id protocol.Identity, err error) {
	c.authing = false
	c.cancelAuth = nil
	if c.state != stateUnauthenticated {
		return
	}
	if err != nil {
		msg, reason := protocol.MsgInvalidToken, "invalid_token"
		if errors.Is(err, auth.ErrProfileMissing) {
			msg, reason = protocol.MsgProfileNotFound, "profile_missing"
		}
		logging.Info("registry", "auth failed", "client", c.id, "reason", reason, "error", err)
		h.reject(c, msg, reason)
		return
	}

	c.timer.Stop()
	key := h.roomKey(id)
	r := h.room(key)
	evicted := h.evict(r, id.Email)

	r.members[c] = struct{}{}
	c.identity = id
	c.room = key
	c.state = stateAuthenticated
	logging.Info("registry", "joined", "email", id.Email, "room", key, "evicted", evicted)

	if !c.conn.Send(protocol.MustEncode(protocol.AuthSuccess{})) ||
		!c.conn.Send(protocol.MustEncode(protocol.UserList{Users: r.roster()})) {
		h.detach(c)
		return
	}
	if evicted == 0 {
		data := protocol.MustEncode(protocol.UserJoined{User: id.User()})
		h.broadcast(key, data, c, id.Email)
		h.forward(c, data)
	}
	h.metrics.SetRooms(len(h.rooms))
}

// evict removes every session of email from r without presence events and
// returns how many were removed.
func (h *Hub) evict(r *room, email string) int {
	n := 0
	for m := range r.members {
		if m.identity.Email != email {
			continue
		}
		delete(r.members, m)
		delete(h.clients, m)
		h.stopAuth(m)
		m.state = stateClosed
		m.conn.Close()
		n++
	}
	if _, ok := r.virtual[email]; ok {
		delete(r.virtual, email)
		n++
	}
	if n > 0 {
		h.metrics.IncEvictions()
		h.metrics.SetConnections(len(h.clients))
	}
	return n
}

func (h *Hub) onTimeout(c *Client) {
	if c.state != stateUnauthenticated {
		return
	}
	logging.Info("registry", "auth timeout", "client", c.id)
	h.reject(c, protocol.MsgAuthTimeout, "timeout")
}

func (h *Hub) reject(c *Client, msg, reason string) {
	h.metrics.IncAuthFailures(reason)
	c.conn.Send(protocol.MustEncode(protocol.AuthError{Message: msg}))
	h.detach(c)
}

// detach is idempotent; evicted and already-closed clients are skipped.
func (h *Hub) detach(c *Client) {
	if c.state == stateClosed {
		return
	}
	h.stopAuth(c)
	wasAuthenticated := c.state == stateAuthenticated
	c.state = stateClosed
	delete(h.clients, c)
	c.conn.Close()
	h.metrics.SetConnections(len(h.clients))
	if !wasAuthenticated {
		return
	}
	r, ok := h.rooms[c.room]
	if !ok {
		return
	}
	delete(r.members, c)
	if r.empty() {
		delete(h.rooms, c.room)
		h.metrics.SetRooms(len(h.rooms))
		return
	}
	logging.Info("registry", "left", "email", c.identity.Email, "room", c.room)
	data := protocol.MustEncode(protocol.UserLeft{Email: c.identity.Email})
	h.broadcast(c.room, data, nil, "")
	h.forward(c, data)
}

// forward relays data from direct member c when its room has relay members.
func (h *Hub) forward(c *Client, data []byte) {
	if h.relay == nil {
		return
	}
	r, ok := h.rooms[c.room]
	if !ok || len(r.virtual) == 0 {
		return
	}
	h.relay(c.identity.TenantID, c.room, c.identity.Email, data)
}

func (h *Hub) stopAuth(c *Client) {
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.cancelAuth != nil {
		c.cancelAuth()
		c.cancelAuth = nil
	}
}

func (h *Hub) room(key string) *room {
	r, ok := h.rooms[key]
	if !ok {
		r = &room{key: key, members: map[*Client]struct{}{}, virtual: map[string]protocol.User{}}
		h.rooms[key] = r
	}
	return r
}

// broadcast sends data to every direct member of key except the sender and
// members with skipEmail. Members whose queue is full are dropped afterwards.
func (h *Hub) broadcast(key string, data []byte, sender *Client, skipEmail string) {
	r, ok := h.rooms[key]
	if !ok {
		return
	}
	var slow []*Client
	for m := range r.members {
		if m == sender || (skipEmail != "" && m.identity.Email == skipEmail) {
			continue
		}
		if !m.conn.Send(data) {
			slow = append(slow, m)
		}
	}
	for _, m := range slow {
		logging.Warn("registry", "dropping slow client", "client", m.id, "email", m.identity.Email)
		h.detach(m)
	}
}

// roster lists distinct emails in the room, sorted by email.
func (r *room) roster() []protocol.User {
	seen := make(map[string]protocol.User, len(r.members)+len(r.virtual))
	for m := range r.members {
		seen[m.identity.Email] = m.identity.User()
	}
	for email, u := range r.virtual {
		if _, ok := seen[email]; !ok {
			seen[email] = u
		}
	}
	out := make([]protocol.User, 0, len(seen))
	for _, u := range seen {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}
