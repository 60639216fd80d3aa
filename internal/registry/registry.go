// Package registry owns connection lifetime for the signaling relay.
//
// A Registry is not safe for concurrent use; it is driven from the single
// dispatch goroutine.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/auth"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/metrics"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/protocol"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrRoleConflict     = errors.New("role conflict")
)

type Role uint8

const (
	RoleUnassigned Role = iota
	RoleDevice
	RoleOperator
	RoleMonitor
)

func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "device"
	case RoleOperator:
		return "operator"
	case RoleMonitor:
		return "monitor"
	default:
		return "unassigned"
	}
}

var allRoles = []Role{RoleUnassigned, RoleDevice, RoleOperator, RoleMonitor}

// Transport is the outbound half of a client socket.
type Transport interface {
	// Send queues one encoded frame. It must not block.
	Send(frame []byte) error
	// Close tears the socket down. reason may carry a *protocol.Error to pick
	// the close code.
	Close(reason error)
}

// Connection is one open client socket. Fields are read freely on the
// dispatch goroutine but only changed through Registry methods.
type Connection struct {
	ID           string
	Role         Role
	DeviceID     string
	Identity     auth.Identity
	Dialect      protocol.Dialect
	IsController bool
	RemoteAddr   string

	OpenedAt       time.Time
	LastActivityAt time.Time
	// PingSentAt is set when the heartbeat probes an idle connection and
	// cleared by the next activity.
	PingSentAt time.Time

	// preferred encodes frames sent before the first inbound frame fixes
	// Dialect.
	preferred protocol.Dialect
	ctx       context.Context
	cancel    context.CancelFunc
	transport Transport
	closed    bool
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

func (c *Connection) Closed() bool { return c.closed }

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	NewID   func() string
}

// CloseHook runs after a connection has been removed from the registry.
type CloseHook func(c *Connection, reason error)

type Registry struct {
	conns   map[string]*Connection
	devices map[string]string
	roles   map[Role]int
	hooks   []CloseHook

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

func New(opts Options) *Registry {
	r := &Registry{
		conns:   make(map[string]*Connection),
		devices: make(map[string]string),
		roles:   make(map[Role]int),
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		newID:   opts.NewID,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	r.resetGauges()
	return r
}

// OnClose registers a hook run for every closed connection, in
// registration order.
func (r *Registry) OnClose(h CloseHook) {
	r.hooks = append(r.hooks, h)
}

// Open allocates a connection for an authenticated transport and sends it a
// welcome carrying its id. dialect is a hint used until the connection's
// first frame fixes its dialect; DialectUnknown means legacy.
func (r *Registry) Open(t Transport, identity auth.Identity, dialect protocol.Dialect, remoteAddr string) (*Connection, error) {
	id := r.newID()
	for attempts := 0; ; attempts++ {
		if _, taken := r.conns[id]; !taken && id != "" {
			break
		}
		if attempts >= 8 {
			return nil, fmt.Errorf("allocate connection id: %d collisions", attempts)
		}
		id = r.newID()
	}

	now := r.now()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:             id,
		Identity:       identity,
		preferred:      dialect,
		RemoteAddr:     remoteAddr,
		OpenedAt:       now,
		LastActivityAt: now,
		ctx:            ctx,
		cancel:         cancel,
		transport:      t,
	}
	r.conns[id] = c
	r.adjustRole(RoleUnassigned, 1)

	welcome := protocol.Envelope{
		Op: protocol.OpWelcome,
		Payload: protocol.Payload{
			ConnectionID: id,
			Data:         map[string]any{"protocolVersion": protocol.Version1},
		},
	}
	if err := r.Send(c, welcome); err != nil {
		r.Close(id, err)
		return nil, fmt.Errorf("send welcome: %w", err)
	}
	r.log.Debug("connection opened", "conn_id", id, "subject", identity.Subject, "remote_addr", remoteAddr)
	return c, nil
}

func (r *Registry) Lookup(id string) (*Connection, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// LookupDeviceConnection returns the registered online connection for
// deviceID.
func (r *Registry) LookupDeviceConnection(deviceID string) (*Connection, bool) {
	id, ok := r.devices[deviceID]
	if !ok {
		return nil, false
	}
	return r.Lookup(id)
}

// SetRole assigns c's role. Re-assigning the same role is a no-op; changing
// an established role is ErrRoleConflict.
func (r *Registry) SetRole(c *Connection, role Role) error {
	if c.Role == role {
		return nil
	}
	if c.Role != RoleUnassigned {
		return fmt.Errorf("%w: connection is %s, not %s", ErrRoleConflict, c.Role, role)
	}
	r.adjustRole(c.Role, -1)
	c.Role = role
	r.adjustRole(role, 1)
	return nil
}

func (r *Registry) SetDeviceID(c *Connection, deviceID string) {
	c.DeviceID = deviceID
}

// SetDialect fixes c's dialect the first time a known dialect is seen,
// overriding the hint given to Open.
func (r *Registry) SetDialect(c *Connection, d protocol.Dialect) {
	if c.Dialect == protocol.DialectUnknown && d != protocol.DialectUnknown {
		c.Dialect = d
	}
}

// BindDevice makes c the online connection for deviceID, returning the
// connection it replaced, if any.
func (r *Registry) BindDevice(c *Connection, deviceID string) (*Connection, bool) {
	var prev *Connection
	if id, ok := r.devices[deviceID]; ok && id != c.ID {
		prev = r.conns[id]
	}
	c.DeviceID = deviceID
	r.devices[deviceID] = c.ID
	return prev, prev != nil
}

func (r *Registry) SetController(c *Connection, on bool) {
	c.IsController = on
}

// Touch records inbound activity and clears any outstanding ping.
func (r *Registry) Touch(c *Connection) {
	c.LastActivityAt = r.now()
	c.PingSentAt = time.Time{}
}

func (r *Registry) MarkPinged(c *Connection, at time.Time) {
	c.PingSentAt = at
}

// Send encodes env in c's dialect and queues it.
func (r *Registry) Send(c *Connection, env protocol.Envelope) error {
	if c == nil || c.closed {
		return ErrConnectionClosed
	}
	dialect := c.Dialect
	if dialect == protocol.DialectUnknown {
		dialect = c.preferred
	}
	frame, err := protocol.Encode(env, dialect)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Op, err)
	}
	return c.transport.Send(frame)
}

// Close removes the connection, closes its transport and runs the close
// hooks. It reports false when id is not open.
func (r *Registry) Close(id string, reason error) bool {
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	delete(r.conns, id)
	if c.DeviceID != "" && r.devices[c.DeviceID] == id {
		delete(r.devices, c.DeviceID)
	}
	r.adjustRole(c.Role, -1)
	c.closed = true
	c.cancel()
	c.transport.Close(reason)

	r.log.Debug("connection closed", "conn_id", id, "role", c.Role.String(), "device_id", c.DeviceID, "reason", reason)
	for _, h := range r.hooks {
		h(c, reason)
	}
	return true
}

// CloseAll closes every connection, for shutdown.
func (r *Registry) CloseAll(reason error) {
	for _, c := range r.Snapshot() {
		r.Close(c.ID, reason)
	}
}

// Snapshot returns the open connections ordered by open time.
func (r *Registry) Snapshot() []*Connection {
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (r *Registry) Count() int { return len(r.conns) }

func (r *Registry) CountByRole() map[Role]int {
	out := make(map[Role]int, len(r.roles))
	for role, n := range r.roles {
		if n > 0 {
			out[role] = n
		}
	}
	return out
}

func (r *Registry) adjustRole(role Role, delta int) {
	r.roles[role] += delta
	r.metrics.SetConnections(role.String(), r.roles[role])
}

// resetGauges publishes every role's count, so scrapes before the first
// connection see the series.
func (r *Registry) resetGauges() {
	for _, role := range allRoles {
		r.metrics.SetConnections(role.String(), r.roles[role])
	}
}
