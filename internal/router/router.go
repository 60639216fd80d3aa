// Package router is the signaling state machine: it dispatches canonical
// envelopes, routes them between devices and operators, and arbitrates which
// single operator controls each device.
//
// A Router is driven from the dispatch goroutine and is not safe for
// concurrent use.
package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/auth"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/events"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/metrics"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/presence"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/protocol"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/registry"
)

// Disconnect reasons carried on relay-originated disconnected messages.
const (
	ReasonReplaced           = "replaced"
	ReasonDisplaced          = events.ReasonDisplaced
	ReasonDeviceOffline      = events.ReasonDeviceOffline
	ReasonDeviceReregistered = events.ReasonDeviceReregistered
	ReasonControllerLeft     = events.ReasonControllerLeft
	ReasonPeerLeft           = "peer_left"
)

var errReplaced = errors.New("device connection replaced")

// Authorizer decides whether an identity may reach a device.
type Authorizer interface {
	Authorize(ctx context.Context, id auth.Identity, deviceID, owner string) error
}

// SessionNotifier receives session lifecycle transitions.
type SessionNotifier interface {
	SessionStarted(deviceID, controllerConnID, subject string)
	SessionEnded(deviceID, controllerConnID, subject, reason string)
}

type Options struct {
	Registry   *registry.Registry
	Presence   *presence.Tracker
	Authorizer Authorizer
	Scheduler  Scheduler
	Notifier   SessionNotifier
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	// StrictSDP rejects offers and answers whose SDP does not parse.
	StrictSDP bool
	// EnforceOwnership rejects register from anyone but the device's first
	// registrant or an admin.
	EnforceOwnership bool

	// ICEServers returns the ICE servers advertised in capabilities replies.
	ICEServers func(connID string) ([]webrtc.ICEServer, error)
	// HeartbeatIntervalMs is advertised in capabilities replies.
	HeartbeatIntervalMs int64
}

// deviceState is the routing state for one device id beyond what the
// presence tracker records.
type deviceState struct {
	// peers are operator connections that have exchanged signaling with the
	// current device connection.
	peers map[string]struct{}
	// monitors receive tagged copies of forwarded traffic, in subscription
	// order.
	monitors []string
	// sessionStarted is set once the current controller has received an
	// answer.
	sessionStarted bool
	// controllerSubject outlives the controller's connection record.
	controllerSubject string
}

type Router struct {
	reg       *registry.Registry
	presence  *presence.Tracker
	authz     Authorizer
	scheduler Scheduler
	notifier  SessionNotifier
	log       *slog.Logger
	metrics   *metrics.Metrics

	strictSDP        bool
	enforceOwnership bool
	iceServers       func(connID string) ([]webrtc.ICEServer, error)
	heartbeatMs      int64

	devices map[string]*deviceState
	// authorized caches the device each operator or monitor connection was
	// last authorized for.
	authorized map[string]string
}

func New(opts Options) *Router {
	r := &Router{
		reg:              opts.Registry,
		presence:         opts.Presence,
		authz:            opts.Authorizer,
		scheduler:        opts.Scheduler,
		notifier:         opts.Notifier,
		log:              opts.Logger,
		metrics:          opts.Metrics,
		strictSDP:        opts.StrictSDP,
		enforceOwnership: opts.EnforceOwnership,
		iceServers:       opts.ICEServers,
		heartbeatMs:      opts.HeartbeatIntervalMs,
		devices:          make(map[string]*deviceState),
		authorized:       make(map[string]string),
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.scheduler == nil {
		r.scheduler = InlineScheduler{}
	}
	r.reg.OnClose(r.onClose)
	return r
}

// Handle dispatches one inbound envelope from c. Failures are reported to c
// as error messages; Handle never closes c.
func (r *Router) Handle(c *registry.Connection, env protocol.Envelope) {
	env.SenderConnectionID = c.ID
	if env.Op.RelayOnly() {
		r.reportError(c, env.Op, protocol.ProtocolError(protocol.CodeUnknownType,
			"%s is not accepted from clients", env.Op.WireType(c.Dialect)))
		return
	}

	switch env.Op {
	case protocol.OpPing:
		r.send(c, protocol.Envelope{Op: protocol.OpPong, MessageID: env.MessageID})
	case protocol.OpPong:
	case protocol.OpCapabilities:
		r.handleCapabilities(c)
	case protocol.OpRegister:
		r.handleRegister(c, env)
	case protocol.OpOffer:
		r.handleOffer(c, env, env.Payload.Takeover)
	case protocol.OpTakeover:
		r.handleOffer(c, env, true)
	case protocol.OpAnswer:
		if c.Role != registry.RoleDevice {
			r.reportError(c, env.Op, roleConflict("only a registered device may send answers"))
			return
		}
		r.handleFromDevice(c, env)
	case protocol.OpICECandidate:
		if c.Role == registry.RoleDevice {
			r.handleFromDevice(c, env)
			return
		}
		r.handleOperatorCandidate(c, env)
	case protocol.OpMonitor:
		r.handleMonitor(c, env)
	default:
		r.reportError(c, env.Op, protocol.ProtocolError(protocol.CodeUnknownType, "unsupported operation"))
	}
}

// ReportError sends err to c as an error message.
func (r *Router) ReportError(c *registry.Connection, op protocol.Op, err error) {
	r.reportError(c, op, err)
}

func (r *Router) handleCapabilities(c *registry.Connection) {
	data := map[string]any{
		"dialects":         []string{protocol.DialectLegacy.String(), protocol.DialectEnveloped.String()},
		"versions":         []int{protocol.Version1},
		"ops":              protocol.SupportedOps(),
		"strictSdp":        r.strictSDP,
		"monitorSupported": true,
	}
	if r.heartbeatMs > 0 {
		data["heartbeatIntervalMs"] = r.heartbeatMs
	}
	if r.iceServers != nil {
		servers, err := r.iceServers(c.ID)
		if err != nil {
			r.log.Warn("ice servers unavailable", "conn_id", c.ID, "err", err)
		} else {
			data["iceServers"] = servers
		}
	}
	r.send(c, protocol.Envelope{Op: protocol.OpCapabilities, Payload: protocol.Payload{Data: data}})
}

func (r *Router) handleRegister(c *registry.Connection, env protocol.Envelope) {
	deviceID := env.TargetDeviceID
	if deviceID == "" {
		deviceID = env.Payload.From
	}
	if deviceID == "" {
		r.reportError(c, env.Op, protocol.ProtocolError(protocol.CodeMissingField, "register requires deviceId"))
		return
	}
	if c.Role == registry.RoleDevice && c.DeviceID != deviceID {
		r.reportError(c, env.Op, roleConflict("connection is already registered as device "+c.DeviceID))
		return
	}
	if c.Role != registry.RoleUnassigned && c.Role != registry.RoleDevice {
		r.reportError(c, env.Op, roleConflict(c.Role.String()+" connections cannot register"))
		return
	}
	if r.enforceOwnership && !c.Identity.Admin {
		if owner := r.presence.Owner(deviceID); owner != "" && owner != c.Identity.Subject {
			r.metrics.Inc(metrics.EventOwnershipDenied)
			r.reportError(c, env.Op, protocol.OwnershipError(protocol.CodeNotOwner,
				"device %s is registered to another owner", deviceID))
			return
		}
	}
	if err := r.reg.SetRole(c, registry.RoleDevice); err != nil {
		r.reportError(c, env.Op, roleConflict(err.Error()))
		return
	}

	if cur, ok := r.reg.LookupDeviceConnection(deviceID); ok && cur.ID == c.ID {
		r.send(c, registeredEnvelope(deviceID, c.ID))
		return
	}

	st := r.device(deviceID)
	ctrlID := r.presence.Controller(deviceID)
	r.endControl(deviceID, ReasonDeviceReregistered, true)
	for id := range st.peers {
		if id == ctrlID {
			continue
		}
		if peer, ok := r.reg.Lookup(id); ok {
			r.send(peer, protocol.Envelope{
				Op:             protocol.OpDisconnected,
				TargetDeviceID: deviceID,
				Payload:        protocol.Payload{Reason: ReasonDeviceReregistered},
			})
		}
	}
	prev, replaced := r.reg.BindDevice(c, deviceID)
	r.presence.MarkOnline(deviceID, c.ID, c.Identity.Subject)
	st.peers = make(map[string]struct{})

	if replaced {
		r.metrics.Inc(metrics.EventDeviceReplaced)
		r.log.Info("device connection replaced", "device_id", deviceID, "conn_id", c.ID, "replaced_conn_id", prev.ID)
		r.send(prev, protocol.Envelope{
			Op:             protocol.OpDisconnected,
			TargetDeviceID: deviceID,
			Payload:        protocol.Payload{Reason: ReasonReplaced},
		})
		r.reg.Close(prev.ID, errReplaced)
	}
	r.metrics.SetDevicesOnline(r.presence.OnlineCount())
	r.log.Info("device registered", "device_id", deviceID, "conn_id", c.ID, "subject", c.Identity.Subject)
	r.send(c, registeredEnvelope(deviceID, c.ID))
}

func registeredEnvelope(deviceID, connID string) protocol.Envelope {
	return protocol.Envelope{
		Op:             protocol.OpRegistered,
		TargetDeviceID: deviceID,
		Payload:        protocol.Payload{ConnectionID: connID, Status: string(presence.StatusOnline)},
	}
}

func (r *Router) handleOffer(c *registry.Connection, env protocol.Envelope, takeover bool) {
	deviceID := env.TargetDeviceID
	if deviceID == "" {
		r.reportError(c, env.Op, protocol.ProtocolError(protocol.CodeMissingField, "%s requires deviceId", env.Op))
		return
	}
	if c.Role != registry.RoleUnassigned && c.Role != registry.RoleOperator {
		r.reportError(c, env.Op, roleConflict(c.Role.String()+" connections cannot send "+env.Op.String()))
		return
	}
	if env.Op == protocol.OpOffer && !env.Payload.HasSDP() {
		r.reportError(c, env.Op, protocol.ProtocolError(protocol.CodeMissingField, "offer requires sdp"))
		return
	}
	if r.strictSDP && env.Payload.HasSDP() {
		if err := protocol.ValidateSessionDescription(env.Payload.SDP, env.Payload.SDPType, webrtc.SDPTypeOffer); err != nil {
			r.reportError(c, env.Op, err)
			return
		}
	}
	r.withAuthorization(c, env.Op, deviceID, func() {
		r.routeOffer(c, env, deviceID, takeover)
	})
}

func (r *Router) routeOffer(c *registry.Connection, env protocol.Envelope, deviceID string, takeover bool) {
	device, ok := r.reg.LookupDeviceConnection(deviceID)
	if !ok {
		r.reportError(c, env.Op, protocol.RoutingError(protocol.CodeDeviceOffline, "device %s is offline", deviceID))
		return
	}
	ctrlID := r.presence.Controller(deviceID)
	displacing := ctrlID != "" && ctrlID != c.ID
	if displacing && !takeover {
		r.metrics.Inc(metrics.EventOwnershipDenied)
		r.reportError(c, env.Op, protocol.OwnershipError(protocol.CodeControlled,
			"device %s is controlled by another operator", deviceID))
		return
	}
	if err := r.reg.SetRole(c, registry.RoleOperator); err != nil {
		r.reportError(c, env.Op, roleConflict(err.Error()))
		return
	}
	r.bindOperator(c, deviceID)
	st := r.device(deviceID)

	if displacing {
		r.metrics.Inc(metrics.EventTakeover)
		r.log.Info("controller takeover", "device_id", deviceID, "conn_id", c.ID, "displaced_conn_id", ctrlID)
		r.endControl(deviceID, ReasonDisplaced, true)
		r.forward(deviceID, device, protocol.Envelope{
			Op:             protocol.OpTakeover,
			TargetDeviceID: deviceID,
			Payload: protocol.Payload{
				ConnectionID: c.ID,
				From:         c.Identity.Subject,
			},
		})
	}

	if r.presence.Controller(deviceID) != c.ID {
		r.presence.SetController(deviceID, c.ID)
		r.reg.SetController(c, true)
		st.sessionStarted = false
		st.controllerSubject = c.Identity.Subject
	}
	st.peers[c.ID] = struct{}{}

	if !env.Payload.HasSDP() {
		return
	}
	out := operatorEnvelope(c, env, protocol.OpOffer, deviceID)
	if err := r.forward(deviceID, device, out); err != nil {
		r.reportError(c, env.Op, protocol.RoutingError(protocol.CodeDeviceOffline, "device %s is offline", deviceID))
	}
}

func (r *Router) handleOperatorCandidate(c *registry.Connection, env protocol.Envelope) {
	deviceID := env.TargetDeviceID
	if deviceID == "" {
		deviceID = c.DeviceID
	}
	if deviceID == "" {
		r.reportError(c, env.Op, protocol.ProtocolError(protocol.CodeMissingField, "ice_candidate requires deviceId"))
		return
	}
	if c.Role != registry.RoleUnassigned && c.Role != registry.RoleOperator {
		r.reportError(c, env.Op, roleConflict(c.Role.String()+" connections cannot send ice candidates"))
		return
	}
	r.withAuthorization(c, env.Op, deviceID, func() {
		device, ok := r.reg.LookupDeviceConnection(deviceID)
		if !ok {
			r.reportError(c, env.Op, protocol.RoutingError(protocol.CodeDeviceOffline, "device %s is offline", deviceID))
			return
		}
		if err := r.reg.SetRole(c, registry.RoleOperator); err != nil {
			r.reportError(c, env.Op, roleConflict(err.Error()))
			return
		}
		r.bindOperator(c, deviceID)
		r.device(deviceID).peers[c.ID] = struct{}{}

		out := operatorEnvelope(c, env, protocol.OpICECandidate, deviceID)
		if err := r.forward(deviceID, device, out); err != nil {
			r.reportError(c, env.Op, protocol.RoutingError(protocol.CodeDeviceOffline, "device %s is offline", deviceID))
		}
	})
}

// handleFromDevice routes an answer or candidate from a device to the
// operator connection it names.
func (r *Router) handleFromDevice(c *registry.Connection, env protocol.Envelope) {
	deviceID := c.DeviceID
	st := r.device(deviceID)
	ctrlID := r.presence.Controller(deviceID)

	targetID := env.TargetConnectionID
	if targetID == "" {
		targetID = ctrlID
	}
	if targetID == "" {
		r.reportError(c, env.Op, protocol.RoutingError(protocol.CodeUnknownTarget, "%s requires connectionId", env.Op))
		return
	}
	target, ok := r.reg.Lookup(targetID)
	_, isPeer := st.peers[targetID]
	if !ok || (targetID != ctrlID && !isPeer) {
		r.reportError(c, env.Op, protocol.RoutingError(protocol.CodeUnknownTarget, "unknown target connection %s", targetID))
		return
	}
	if env.Op == protocol.OpAnswer && r.strictSDP {
		if err := protocol.ValidateSessionDescription(env.Payload.SDP, env.Payload.SDPType, webrtc.SDPTypeAnswer); err != nil {
			r.reportError(c, env.Op, err)
			return
		}
	}

	out := protocol.Envelope{
		Op:             env.Op,
		TargetDeviceID: deviceID,
		Payload:        env.Clone().Payload,
	}
	out.Payload.ConnectionID = c.ID
	out.Payload.From = c.Identity.Subject
	out.Payload.Takeover = false
	out.Payload.Monitor = false
	if err := r.forward(deviceID, target, out); err != nil {
		r.reportError(c, env.Op, protocol.RoutingError(protocol.CodeUnknownTarget, "target connection %s is gone", targetID))
		return
	}

	if env.Op == protocol.OpAnswer && targetID == ctrlID && !st.sessionStarted {
		st.sessionStarted = true
		if r.notifier != nil {
			r.notifier.SessionStarted(deviceID, ctrlID, target.Identity.Subject)
		}
	}
}

func (r *Router) handleMonitor(c *registry.Connection, env protocol.Envelope) {
	deviceID := env.TargetDeviceID
	if deviceID == "" {
		r.reportError(c, env.Op, protocol.ProtocolError(protocol.CodeMissingField, "monitor requires deviceId"))
		return
	}
	if c.Role != registry.RoleUnassigned && c.Role != registry.RoleMonitor {
		r.reportError(c, env.Op, roleConflict(c.Role.String()+" connections cannot monitor"))
		return
	}
	r.withAuthorization(c, env.Op, deviceID, func() {
		if err := r.reg.SetRole(c, registry.RoleMonitor); err != nil {
			r.reportError(c, env.Op, roleConflict(err.Error()))
			return
		}
		if c.DeviceID != "" && c.DeviceID != deviceID {
			r.removeMonitor(c.DeviceID, c.ID)
		}
		r.reg.SetDeviceID(c, deviceID)
		st := r.device(deviceID)
		if !containsID(st.monitors, c.ID) {
			st.monitors = append(st.monitors, c.ID)
		}
		status := presence.StatusOffline
		if r.presence.IsOnline(deviceID) {
			status = presence.StatusOnline
		}
		r.send(c, protocol.Envelope{
			Op:             protocol.OpMonitorConfirmed,
			TargetDeviceID: deviceID,
			Payload:        protocol.Payload{Status: string(status)},
		})
	})
}

// withAuthorization runs next once c is known to be allowed to reach
// deviceID. The access-list lookup runs through the scheduler.
func (r *Router) withAuthorization(c *registry.Connection, op protocol.Op, deviceID string, next func()) {
	if r.authz == nil || r.authorized[c.ID] == deviceID {
		next()
		return
	}
	identity := c.Identity
	owner := r.presence.Owner(deviceID)
	r.scheduler.Await(c, func(ctx context.Context) error {
		return r.authz.Authorize(ctx, identity, deviceID, owner)
	}, func(err error) {
		if err != nil {
			if protocol.IsKind(err, protocol.KindForbidden) {
				r.metrics.Inc(metrics.EventForbidden)
			}
			r.reportError(c, op, err)
			return
		}
		r.authorized[c.ID] = deviceID
		next()
	})
}

// bindOperator points c at deviceID, releasing anything it held on a
// previous device.
func (r *Router) bindOperator(c *registry.Connection, deviceID string) {
	if c.DeviceID != "" && c.DeviceID != deviceID {
		r.releaseOperator(c, c.DeviceID)
	}
	r.reg.SetDeviceID(c, deviceID)
}

// releaseOperator drops c's control and peer membership on deviceID and
// tells the device.
func (r *Router) releaseOperator(c *registry.Connection, deviceID string) {
	st, ok := r.devices[deviceID]
	if !ok {
		return
	}
	_, wasPeer := st.peers[c.ID]
	delete(st.peers, c.ID)

	reason := ReasonPeerLeft
	wasController := r.presence.Controller(deviceID) == c.ID
	if wasController {
		reason = ReasonControllerLeft
		r.endControl(deviceID, ReasonControllerLeft, false)
	}
	if wasPeer || wasController {
		if device, ok := r.reg.LookupDeviceConnection(deviceID); ok {
			r.send(device, protocol.Envelope{
				Op:             protocol.OpDisconnected,
				TargetDeviceID: deviceID,
				Payload:        protocol.Payload{ConnectionID: c.ID, Reason: reason},
			})
		}
	}
	r.prune(deviceID)
}

// endControl clears deviceID's controller, optionally telling it why, and
// emits session end when a session had started.
func (r *Router) endControl(deviceID, reason string, notify bool) {
	ctrlID := r.presence.Controller(deviceID)
	if ctrlID == "" {
		return
	}
	r.presence.ClearController(deviceID, ctrlID)

	st := r.device(deviceID)
	if ctrl, ok := r.reg.Lookup(ctrlID); ok {
		r.reg.SetController(ctrl, false)
		if notify {
			r.send(ctrl, protocol.Envelope{
				Op:             protocol.OpDisconnected,
				TargetDeviceID: deviceID,
				Payload:        protocol.Payload{Reason: reason},
			})
		}
	}

	subject := st.controllerSubject
	st.controllerSubject = ""
	if st.sessionStarted {
		st.sessionStarted = false
		if r.notifier != nil {
			r.notifier.SessionEnded(deviceID, ctrlID, subject, reason)
		}
	}
}

// forward delivers env to target and a _monitor-tagged copy to each of
// deviceID's monitors. The original is always sent first.
func (r *Router) forward(deviceID string, target *registry.Connection, env protocol.Envelope) error {
	if err := r.reg.Send(target, env); err != nil {
		r.metrics.Inc(metrics.EventSendDropped)
		r.log.Debug("forward dropped", "device_id", deviceID, "conn_id", target.ID, "op", env.Op.String(), "err", err)
		return err
	}
	r.metrics.Inc(metrics.EventFrameForwarded)

	st, ok := r.devices[deviceID]
	if !ok {
		return nil
	}
	for _, id := range st.monitors {
		if id == target.ID {
			continue
		}
		m, ok := r.reg.Lookup(id)
		if !ok {
			continue
		}
		tagged := env.Clone()
		tagged.Payload.Monitor = true
		if err := r.reg.Send(m, tagged); err != nil {
			r.metrics.Inc(metrics.EventSendDropped)
			continue
		}
		r.metrics.Inc(metrics.EventMonitorCopy)
	}
	return nil
}

func (r *Router) onClose(c *registry.Connection, _ error) {
	delete(r.authorized, c.ID)
	deviceID := c.DeviceID
	if deviceID == "" {
		return
	}

	switch c.Role {
	case registry.RoleDevice:
		p, ok := r.presence.GetStatus(deviceID)
		if !ok || p.OnlineConnectionID != c.ID {
			return
		}
		st := r.device(deviceID)
		ctrlID := p.ControllerConnectionID
		r.endControl(deviceID, ReasonDeviceOffline, false)
		r.presence.MarkOffline(deviceID, c.ID)
		r.metrics.SetDevicesOnline(r.presence.OnlineCount())
		r.log.Info("device offline", "device_id", deviceID, "conn_id", c.ID)

		notified := make(map[string]struct{}, len(st.peers)+len(st.monitors)+1)
		notice := protocol.Envelope{
			Op:             protocol.OpDisconnected,
			TargetDeviceID: deviceID,
			Payload:        protocol.Payload{ConnectionID: c.ID, Reason: ReasonDeviceOffline},
		}
		targets := make([]string, 0, len(notified))
		if ctrlID != "" {
			targets = append(targets, ctrlID)
		}
		for id := range st.peers {
			targets = append(targets, id)
		}
		targets = append(targets, st.monitors...)
		for _, id := range targets {
			if _, done := notified[id]; done {
				continue
			}
			notified[id] = struct{}{}
			if peer, ok := r.reg.Lookup(id); ok {
				r.send(peer, notice)
			}
		}
		st.peers = make(map[string]struct{})
		r.prune(deviceID)
	case registry.RoleOperator:
		r.releaseOperator(c, deviceID)
	case registry.RoleMonitor:
		r.removeMonitor(deviceID, c.ID)
	}
}

func (r *Router) removeMonitor(deviceID, connID string) {
	st, ok := r.devices[deviceID]
	if !ok {
		return
	}
	for i, id := range st.monitors {
		if id == connID {
			st.monitors = append(st.monitors[:i], st.monitors[i+1:]...)
			break
		}
	}
	r.prune(deviceID)
}

func (r *Router) device(deviceID string) *deviceState {
	st, ok := r.devices[deviceID]
	if !ok {
		st = &deviceState{peers: make(map[string]struct{})}
		r.devices[deviceID] = st
	}
	return st
}

// prune drops routing state that no longer references any connection.
func (r *Router) prune(deviceID string) {
	st, ok := r.devices[deviceID]
	if !ok {
		return
	}
	if len(st.peers) == 0 && len(st.monitors) == 0 && !st.sessionStarted && !r.presence.IsOnline(deviceID) {
		delete(r.devices, deviceID)
	}
}

// Monitors returns deviceID's monitor connection ids in subscription order.
func (r *Router) Monitors(deviceID string) []string {
	st, ok := r.devices[deviceID]
	if !ok {
		return nil
	}
	return append([]string(nil), st.monitors...)
}

func (r *Router) send(c *registry.Connection, env protocol.Envelope) {
	if err := r.reg.Send(c, env); err != nil {
		r.metrics.Inc(metrics.EventSendDropped)
		r.log.Debug("send dropped", "conn_id", c.ID, "op", env.Op.String(), "err", err)
	}
}

func (r *Router) reportError(c *registry.Connection, op protocol.Op, err error) {
	pe := protocol.AsError(err)
	if pe.Kind == protocol.KindInternal {
		r.log.Warn("request failed", "conn_id", c.ID, "op", op.String(), "err", err)
	} else {
		r.log.Debug("request rejected", "conn_id", c.ID, "op", op.String(), "code", pe.Code)
	}
	r.metrics.Inc(metrics.EventErrorSent)
	r.send(c, protocol.ErrorEnvelope(pe, op))
}

// operatorEnvelope builds the copy of an operator message delivered to a
// device, stamped with the sender's connection id and subject.
func operatorEnvelope(c *registry.Connection, env protocol.Envelope, op protocol.Op, deviceID string) protocol.Envelope {
	out := protocol.Envelope{
		Op:             op,
		TargetDeviceID: deviceID,
		Payload:        env.Clone().Payload,
	}
	out.Payload.ConnectionID = c.ID
	out.Payload.From = c.Identity.Subject
	out.Payload.Takeover = false
	out.Payload.Monitor = false
	return out
}

func roleConflict(msg string) *protocol.Error {
	return protocol.ProtocolError(protocol.CodeRoleConflict, "%s", msg)
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
