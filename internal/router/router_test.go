package router_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/auth"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/metrics"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/presence"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/protocol"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/registry"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/registry/registrytest"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/router"
)

type sessionEvent struct {
	kind     string
	deviceID string
	connID   string
	subject  string
	reason   string
}

type recordingNotifier struct {
	events []sessionEvent
}

func (n *recordingNotifier) SessionStarted(deviceID, connID, subject string) {
	n.events = append(n.events, sessionEvent{kind: "start", deviceID: deviceID, connID: connID, subject: subject})
}

func (n *recordingNotifier) SessionEnded(deviceID, connID, subject, reason string) {
	n.events = append(n.events, sessionEvent{kind: "end", deviceID: deviceID, connID: connID, subject: subject, reason: reason})
}

// denyAuthorizer forbids the listed subjects and counts calls.
type denyAuthorizer struct {
	deny  map[string]bool
	calls int
}

func (a *denyAuthorizer) Authorize(_ context.Context, id auth.Identity, _, _ string) error {
	a.calls++
	if a.deny[id.Subject] {
		return protocol.ForbiddenError(auth.ErrForbidden)
	}
	return nil
}

// deferredScheduler parks every call until flush.
type deferredScheduler struct {
	pending []func()
}

func (s *deferredScheduler) Await(c *registry.Connection, call func(context.Context) error, resume func(error)) {
	s.pending = append(s.pending, func() {
		err := call(c.Context())
		if c.Closed() {
			return
		}
		resume(err)
	})
}

func (s *deferredScheduler) flush() {
	pending := s.pending
	s.pending = nil
	for _, fn := range pending {
		fn()
	}
}

type fixture struct {
	reg      *registry.Registry
	presence *presence.Tracker
	router   *router.Router
	notifier *recordingNotifier
	authz    *denyAuthorizer
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, configure ...func(*router.Options)) *fixture {
	t.Helper()
	n := 0
	f := &fixture{
		notifier: &recordingNotifier{},
		authz:    &denyAuthorizer{deny: map[string]bool{}},
		metrics:  metrics.New(),
		presence: presence.NewTracker(nil),
	}
	f.reg = registry.New(registry.Options{
		Metrics: f.metrics,
		NewID: func() string {
			n++
			return fmt.Sprintf("c%d", n)
		},
	})
	opts := router.Options{
		Registry:            f.reg,
		Presence:            f.presence,
		Authorizer:          f.authz,
		Notifier:            f.notifier,
		Metrics:             f.metrics,
		HeartbeatIntervalMs: 30000,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	f.router = router.New(opts)
	return f
}

func (f *fixture) open(t *testing.T, subject string) (*registry.Connection, *registrytest.Transport) {
	t.Helper()
	tr := registrytest.NewTransport()
	c, err := f.reg.Open(tr, auth.Identity{Subject: subject}, protocol.DialectUnknown, "")
	require.NoError(t, err)
	tr.Reset()
	return c, tr
}

// send mirrors the dispatch loop: decode, fix the dialect, touch, route.
func (f *fixture) send(t *testing.T, c *registry.Connection, raw string) {
	t.Helper()
	env, err := protocol.Decode([]byte(raw))
	require.NoError(t, err)
	f.reg.SetDialect(c, env.Dialect)
	f.reg.Touch(c)
	f.router.Handle(c, env)
}

func (f *fixture) registerDevice(t *testing.T, subject, deviceID string) (*registry.Connection, *registrytest.Transport) {
	t.Helper()
	c, tr := f.open(t, subject)
	f.send(t, c, fmt.Sprintf(`{"type":"register","deviceId":%q}`, deviceID))
	last, ok := tr.Last()
	require.True(t, ok)
	require.Equal(t, protocol.OpRegistered, last.Op)
	tr.Reset()
	return c, tr
}

func requireError(t *testing.T, tr *registrytest.Transport, code string) {
	t.Helper()
	last, ok := tr.Last()
	require.True(t, ok, "expected an error frame")
	require.Equal(t, protocol.OpError, last.Op)
	assert.Equal(t, code, last.Payload.Code)
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	f := newFixture(t)
	_, op1Tr := f.open(t, "alice")
	device, deviceTr := f.registerDevice(t, "robot-owner", "robot1")
	op2, op2Tr := f.open(t, "bob")

	f.send(t, op2, `{"type":"offer","deviceId":"robot1","sdp":"X"}`)

	offers := deviceTr.Envelopes()
	require.Len(t, offers, 1)
	assert.Equal(t, protocol.OpOffer, offers[0].Op)
	assert.Equal(t, op2.ID, offers[0].Payload.ConnectionID)
	assert.Equal(t, "bob", offers[0].Payload.From)
	assert.Equal(t, "X", offers[0].Payload.SDP)
	assert.Equal(t, "robot1", offers[0].TargetDeviceID)
	assert.Equal(t, op2.ID, f.presence.Controller("robot1"))
	assert.True(t, op2.IsController)
	assert.Equal(t, registry.RoleOperator, op2.Role)

	f.send(t, device, fmt.Sprintf(`{"type":"answer","connectionId":%q,"sdp":"Y"}`, op2.ID))

	answers := op2Tr.Envelopes()
	require.Len(t, answers, 1)
	assert.Equal(t, protocol.OpAnswer, answers[0].Op)
	assert.Equal(t, "Y", answers[0].Payload.SDP)
	assert.Equal(t, device.ID, answers[0].Payload.ConnectionID)
	assert.Empty(t, op1Tr.Frames())

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, sessionEvent{kind: "start", deviceID: "robot1", connID: op2.ID, subject: "bob"}, f.notifier.events[0])
}

func TestRegister_Reply(t *testing.T) {
	f := newFixture(t)
	c, tr := f.open(t, "robot-owner")
	f.send(t, c, `{"type":"register","robotId":"robot1"}`)

	maps := tr.Maps()
	require.Len(t, maps, 1)
	assert.Equal(t, "registered", maps[0]["type"])
	assert.Equal(t, "robot1", maps[0]["deviceId"])
	assert.Equal(t, c.ID, maps[0]["connectionId"])

	p, ok := f.presence.GetStatus("robot1")
	require.True(t, ok)
	assert.Equal(t, presence.StatusOnline, p.Status)
	assert.Equal(t, c.ID, p.OnlineConnectionID)
	assert.Equal(t, "robot-owner", p.OwnerSubject)

	f.send(t, c, `{"type":"register","deviceId":"robot1"}`)
	last, _ := tr.Last()
	assert.Equal(t, protocol.OpRegistered, last.Op)
	assert.False(t, tr.Closed())
}

func TestRegister_MissingDeviceID(t *testing.T) {
	f := newFixture(t)
	c, tr := f.open(t, "robot-owner")
	f.send(t, c, `{"type":"register"}`)
	requireError(t, tr, protocol.CodeMissingField)
	assert.Equal(t, registry.RoleUnassigned, c.Role)
}

func TestRegister_ReplacesPreviousDevice(t *testing.T) {
	f := newFixture(t)
	dev1, dev1Tr := f.registerDevice(t, "robot-owner", "robot1")
	op, opTr := f.open(t, "alice")
	f.send(t, op, `{"type":"offer","deviceId":"robot1","sdp":"X"}`)
	opTr.Reset()

	dev2, dev2Tr := f.open(t, "robot-owner")
	f.send(t, dev2, `{"type":"register","deviceId":"robot1"}`)

	assert.True(t, dev1Tr.Closed())
	assert.True(t, dev1.Closed())
	last, ok := dev1Tr.Last()
	require.True(t, ok)
	assert.Equal(t, protocol.OpDisconnected, last.Op)
	assert.Equal(t, router.ReasonReplaced, last.Payload.Reason)

	got, ok := f.reg.LookupDeviceConnection("robot1")
	require.True(t, ok)
	assert.Equal(t, dev2.ID, got.ID)
	p, _ := f.presence.GetStatus("robot1")
	assert.Equal(t, presence.StatusOnline, p.Status)
	assert.Equal(t, dev2.ID, p.OnlineConnectionID)
	assert.Empty(t, p.ControllerConnectionID)

	notice, ok := opTr.Last()
	require.True(t, ok)
	assert.Equal(t, protocol.OpDisconnected, notice.Op)
	assert.Equal(t, router.ReasonDeviceReregistered, notice.Payload.Reason)
	assert.False(t, op.IsController)
	assert.False(t, opTr.Closed())

	regd, ok := dev2Tr.Last()
	require.True(t, ok)
	assert.Equal(t, protocol.OpRegistered, regd.Op)
	assert.EqualValues(t, 1, f.metrics.Get(metrics.EventDeviceReplaced))

	// The new device connection keeps working.
	f.send(t, op, `{"type":"offer","deviceId":"robot1","sdp":"X2"}`)
	offer, ok := dev2Tr.Last()
	require.True(t, ok)
	assert.Equal(t, "X2", offer.Payload.SDP)
}

func TestRegister_ReregisterNotifiesEveryPeer(t *testing.T) {
	f := newFixture(t)
	f.registerDevice(t, "robot-owner", "robot1")
	ctrl, ctrlTr := f.open(t, "alice")
	f.send(t, ctrl, `{"type":"offer","deviceId":"robot1","sdp":"X"}`)
	peer, peerTr := f.open(t, "bob")
	f.send(t, peer, `{"type":"ice-candidate","deviceId":"robot1","candidate":"candidate:1"}`)
	ctrlTr.Reset()
	peerTr.Reset()

	dev2, _ := f.open(t, "robot-owner")
	f.send(t, dev2, `{"type":"register","deviceId":"robot1"}`)

	for name, tr := range map[string]*registrytest.Transport{"controller": ctrlTr, "peer": peerTr} {
		envs := tr.Envelopes()
		require.Len(t, envs, 1, name)
		assert.Equal(t, protocol.OpDisconnected, envs[0].Op, name)
		assert.Equal(t, router.ReasonDeviceReregistered, envs[0].Payload.Reason, name)
		assert.False(t, tr.Closed(), name)
	}
}

func TestOffer_ControlledAndTakeover(t *testing.T) {
	f := newFixture(t)
	_, deviceTr := f.registerDevice(t, "robot-owner", "robot1")
	op1, op1Tr := f.open(t, "alice")
	op2, op2Tr := f.open(t, "bob")

	f.send(t, op1, `{"type":"offer","deviceId":"robot1","sdp":"A"}`)
	deviceTr.Reset()

	f.send(t, op2, `{"type":"offer","deviceId":"robot1","sdp":"B"}`)
	requireError(t, op2Tr, protocol.CodeControlled)
	assert.Equal(t, op1.ID, f.presence.Controller("robot1"))
	assert.Empty(t, deviceTr.Frames())
	assert.Equal(t, registry.RoleUnassigned, op2.Role)

	op2Tr.Reset()
	f.send(t, op2, `{"type":"offer","deviceId":"robot1","sdp":"B","takeover":true}`)

	assert.Equal(t, op2.ID, f.presence.Controller("robot1"))
	assert.True(t, op2.IsController)
	assert.False(t, op1.IsController)
	assert.False(t, op1Tr.Closed())

	displaced, ok := op1Tr.Last()
	require.True(t, ok)
	assert.Equal(t, protocol.OpDisconnected, displaced.Op)
	assert.Equal(t, router.ReasonDisplaced, displaced.Payload.Reason)

	got := deviceTr.Envelopes()
	require.Len(t, got, 2)
	assert.Equal(t, protocol.OpTakeover, got[0].Op)
	assert.Equal(t, op2.ID, got[0].Payload.ConnectionID)
	assert.Equal(t, "bob", got[0].Payload.From)
	assert.Equal(t, protocol.OpOffer, got[1].Op)
	assert.Equal(t, "B", got[1].Payload.SDP)
	assert.False(t, got[1].Payload.Takeover)
	assert.Empty(t, op2Tr.Frames())
	assert.EqualValues(t, 1, f.metrics.Get(metrics.EventTakeover))
}

func TestTakeover_DeviceOffline(t *testing.T) {
	f := newFixture(t)
	op, tr := f.open(t, "alice")
	f.send(t, op, `{"type":"takeover","deviceId":"ghost"}`)
	requireError(t, tr, protocol.CodeDeviceOffline)
}

func TestOffer_Validation(t *testing.T) {
	f := newFixture(t)
	f.registerDevice(t, "robot-owner", "robot1")
	op, tr := f.open(t, "alice")

	f.send(t, op, `{"type":"offer","sdp":"X"}`)
	requireError(t, tr, protocol.CodeMissingField)

	f.send(t, op, `{"type":"offer","deviceId":"robot1"}`)
	requireError(t, tr, protocol.CodeMissingField)

	f.send(t, op, `{"type":"offer","deviceId":"robot2","sdp":"X"}`)
	requireError(t, tr, protocol.CodeDeviceOffline)
}

func TestOffer_StrictSDP(t *testing.T) {
	f := newFixture(t, func(o *router.Options) { o.StrictSDP = true })
	_, deviceTr := f.registerDevice(t, "robot-owner", "robot1")
	op, tr := f.open(t, "alice")

	f.send(t, op, `{"type":"offer","deviceId":"robot1","sdp":"not sdp"}`)
	requireError(t, tr, protocol.CodeInvalidSDP)
	assert.Empty(t, deviceTr.Frames())
}

func TestDialectStickiness(t *testing.T) {
	f := newFixture(t)
	device, deviceTr := f.registerDevice(t, "robot-owner", "robot1")
	op, opTr := f.open(t, "alice")

	f.send(t, op, `{"type":"signalling.offer","version":1,"id":"m1","timestamp":1700000000000,"payload":{"deviceId":"robot1","sdp":"X"}}`)
	deviceMaps := deviceTr.Maps()
	require.Len(t, deviceMaps, 1)
	assert.Equal(t, "offer", deviceMaps[0]["type"])
	assert.Equal(t, "X", deviceMaps[0]["sdp"])
	assert.Nil(t, deviceMaps[0]["payload"])

	f.send(t, device, fmt.Sprintf(`{"type":"answer","connectionId":%q,"sdp":"Y"}`, op.ID))
	opMaps := opTr.Maps()
	require.Len(t, opMaps, 1)
	assert.Equal(t, "signalling.answer", opMaps[0]["type"])
	assert.EqualValues(t, protocol.Version1, opMaps[0]["version"])
	payload, ok := opMaps[0]["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Y", payload["sdp"])

	// A later legacy message does not switch the operator's dialect.
	opTr.Reset()
	f.send(t, op, `{"type":"ping"}`)
	pong := opTr.Maps()
	require.Len(t, pong, 1)
	assert.Equal(t, "liveness.pong", pong[0]["type"])
}

func TestMonitorReceivesTaggedCopies(t *testing.T) {
	f := newFixture(t)
	device, deviceTr := f.registerDevice(t, "robot-owner", "robot1")
	mon, monTr := f.open(t, "auditor")
	op, opTr := f.open(t, "alice")

	f.send(t, mon, `{"type":"monitor","deviceId":"robot1"}`)
	confirm, ok := monTr.Last()
	require.True(t, ok)
	assert.Equal(t, protocol.OpMonitorConfirmed, confirm.Op)
	assert.Equal(t, "online", confirm.Payload.Status)
	assert.Equal(t, registry.RoleMonitor, mon.Role)
	assert.Equal(t, []string{mon.ID}, f.router.Monitors("robot1"))
	monTr.Reset()

	f.send(t, op, `{"type":"offer","deviceId":"robot1","sdp":"X"}`)
	f.send(t, device, fmt.Sprintf(`{"type":"answer","connectionId":%q,"sdp":"Y"}`, op.ID))
	f.send(t, device, fmt.Sprintf(`{"type":"ice-candidate","connectionId":%q,"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host"}`, op.ID))

	deviceMaps := deviceTr.Maps()
	require.Len(t, deviceMaps, 1)
	assert.NotContains(t, deviceMaps[0], "_monitor")
	opMaps := opTr.Maps()
	require.Len(t, opMaps, 2)
	for _, m := range opMaps {
		assert.NotContains(t, m, "_monitor")
	}

	copies := monTr.Envelopes()
	require.Len(t, copies, 3)
	assert.Equal(t, protocol.OpOffer, copies[0].Op)
	assert.Equal(t, protocol.OpAnswer, copies[1].Op)
	assert.Equal(t, protocol.OpICECandidate, copies[2].Op)
	for _, c := range copies {
		assert.True(t, c.Payload.Monitor)
		assert.Equal(t, "robot1", c.TargetDeviceID)
	}
	assert.Equal(t, "X", copies[0].Payload.SDP)
	assert.Equal(t, "Y", copies[1].Payload.SDP)
	assert.EqualValues(t, 3, f.metrics.Get(metrics.EventMonitorCopy))
}

func TestMonitor_OfflineDeviceAndClose(t *testing.T) {
	f := newFixture(t)
	mon, monTr := f.open(t, "auditor")
	f.send(t, mon, `{"type":"monitor","deviceId":"robot1"}`)
	confirm, ok := monTr.Last()
	require.True(t, ok)
	assert.Equal(t, "offline", confirm.Payload.Status)

	f.reg.Close(mon.ID, nil)
	assert.Empty(t, f.router.Monitors("robot1"))
}

func TestDeviceClose_NotifiesAndMarksOffline(t *testing.T) {
	f := newFixture(t)
	device, _ := f.registerDevice(t, "robot-owner", "robot1")
	mon, monTr := f.open(t, "auditor")
	op, opTr := f.open(t, "alice")
	f.send(t, mon, `{"type":"monitor","deviceId":"robot1"}`)
	f.send(t, op, `{"type":"offer","deviceId":"robot1","sdp":"X"}`)
	f.send(t, device, fmt.Sprintf(`{"type":"answer","connectionId":%q,"sdp":"Y"}`, op.ID))
	opTr.Reset()
	monTr.Reset()

	require.True(t, f.reg.Close(device.ID, protocol.TimeoutError("idle")))

	for _, tr := range []*registrytest.Transport{opTr, monTr} {
		last, ok := tr.Last()
		require.True(t, ok)
		assert.Equal(t, protocol.OpDisconnected, last.Op)
		assert.Equal(t, router.ReasonDeviceOffline, last.Payload.Reason)
		assert.Equal(t, "robot1", last.TargetDeviceID)
		assert.Len(t, tr.Frames(), 1)
	}

	p, ok := f.presence.GetStatus("robot1")
	require.True(t, ok)
	assert.Equal(t, presence.StatusOffline, p.Status)
	assert.Empty(t, p.ControllerConnectionID)
	assert.False(t, op.IsController)

	require.Len(t, f.notifier.events, 2)
	assert.Equal(t, "end", f.notifier.events[1].kind)
	assert.Equal(t, router.ReasonDeviceOffline, f.notifier.events[1].reason)

	// The operator stays connected and may reach the device again later.
	assert.False(t, opTr.Closed())
	f.send(t, op, `{"type":"offer","deviceId":"robot1","sdp":"X"}`)
	requireError(t, opTr, protocol.CodeDeviceOffline)
}

func TestControllerClose_ReleasesDevice(t *testing.T) {
	f := newFixture(t)
	device, deviceTr := f.registerDevice(t, "robot-owner", "robot1")
	op, _ := f.open(t, "alice")
	f.send(t, op, `{"type":"offer","deviceId":"robot1","sdp":"X"}`)
	f.send(t, device, fmt.Sprintf(`{"type":"answer","connectionId":%q,"sdp":"Y"}`, op.ID))
	deviceTr.Reset()

	f.reg.Close(op.ID, nil)

	assert.Empty(t, f.presence.Controller("robot1"))
	last, ok := deviceTr.Last()
	require.True(t, ok)
	assert.Equal(t, protocol.OpDisconnected, last.Op)
	assert.Equal(t, router.ReasonControllerLeft, last.Payload.Reason)
	assert.Equal(t, op.ID, last.Payload.ConnectionID)

	require.Len(t, f.notifier.events, 2)
	assert.Equal(t, sessionEvent{kind: "end", deviceID: "robot1", connID: op.ID, subject: "alice", reason: router.ReasonControllerLeft}, f.notifier.events[1])

	// The device is idle again.
	op2, op2Tr := f.open(t, "bob")
	f.send(t, op2, `{"type":"offer","deviceId":"robot1","sdp":"X"}`)
	assert.Empty(t, op2Tr.Frames())
	assert.Equal(t, op2.ID, f.presence.Controller("robot1"))
}

func TestControllerClose_WithoutAnswerEmitsNoSession(t *testing.T) {
	f := newFixture(t)
	f.registerDevice(t, "robot-owner", "robot1")
	op, _ := f.open(t, "alice")
	f.send(t, op, `{"type":"offer","deviceId":"robot1","sdp":"X"}`)
	f.reg.Close(op.ID, nil)
	assert.Empty(t, f.notifier.events)
}

func TestDeviceMessages_UnknownTarget(t *testing.T) {
	f := newFixture(t)
	device, deviceTr := f.registerDevice(t, "robot-owner", "robot1")
	stranger, strangerTr := f.open(t, "eve")

	f.send(t, device, `{"type":"answer","connectionId":"nope","sdp":"Y"}`)
	requireError(t, deviceTr, protocol.CodeUnknownTarget)

	f.send(t, device, fmt.Sprintf(`{"type":"answer","connectionId":%q,"sdp":"Y"}`, stranger.ID))
	requireError(t, deviceTr, protocol.CodeUnknownTarget)
	assert.Empty(t, strangerTr.Frames())

	f.send(t, device, `{"type":"ice_candidate","candidate":"c"}`)
	requireError(t, deviceTr, protocol.CodeUnknownTarget)
}

func TestAnswer_DefaultsToController(t *testing.T) {
	f := newFixture(t)
	device, _ := f.registerDevice(t, "robot-owner", "robot1")
	op, opTr := f.open(t, "alice")
	f.send(t, op, `{"type":"offer","deviceId":"robot1","sdp":"X"}`)

	f.send(t, device, `{"type":"answer","sdp":"Y"}`)
	last, ok := opTr.Last()
	require.True(t, ok)
	assert.Equal(t, protocol.OpAnswer, last.Op)
}

func TestOperatorCandidates(t *testing.T) {
	f := newFixture(t)
	device, deviceTr := f.registerDevice(t, "robot-owner", "robot1")
	op, opTr := f.open(t, "alice")

	f.send(t, op, `{"type":"ice-candidate","deviceId":"robot1","candidate":{"candidate":"candidate:1","sdpMid":"0"},"sdpMLineIndex":0}`)
	got, ok := deviceTr.Last()
	require.True(t, ok)
	assert.Equal(t, protocol.OpICECandidate, got.Op)
	assert.Equal(t, op.ID, got.Payload.ConnectionID)
	assert.JSONEq(t, `{"candidate":"candidate:1","sdpMid":"0"}`, string(got.Payload.Candidate))
	require.NotNil(t, got.Payload.SDPMLineIndex)
	assert.EqualValues(t, 0, *got.Payload.SDPMLineIndex)

	// Subsequent candidates may omit the device id.
	f.send(t, op, `{"type":"candidate","candidate":"candidate:2"}`)
	got, _ = deviceTr.Last()
	assert.Equal(t, json.RawMessage(`"candidate:2"`), got.Payload.Candidate)
	assert.Equal(t, 1, f.authz.calls)

	// The operator is now a known peer, so the device can answer it.
	f.send(t, device, fmt.Sprintf(`{"type":"ice-candidate","connectionId":%q,"candidate":"candidate:3"}`, op.ID))
	back, ok := opTr.Last()
	require.True(t, ok)
	assert.Equal(t, protocol.OpICECandidate, back.Op)

	f.send(t, op, `{"type":"ice-candidate","deviceId":"robot9","candidate":"c"}`)
	requireError(t, opTr, protocol.CodeDeviceOffline)
}

func TestRoleConflicts(t *testing.T) {
	f := newFixture(t)
	device, deviceTr := f.registerDevice(t, "robot-owner", "robot1")
	op, opTr := f.open(t, "alice")
	mon, monTr := f.open(t, "auditor")

	f.send(t, device, `{"type":"offer","deviceId":"robot1","sdp":"X"}`)
	requireError(t, deviceTr, protocol.CodeRoleConflict)

	f.send(t, device, `{"type":"register","deviceId":"robot2"}`)
	requireError(t, deviceTr, protocol.CodeRoleConflict)

	f.send(t, op, `{"type":"offer","deviceId":"robot1","sdp":"X"}`)
	f.send(t, op, `{"type":"register","deviceId":"robot1"}`)
	requireError(t, opTr, protocol.CodeRoleConflict)

	f.send(t, op, `{"type":"answer","connectionId":"c1","sdp":"Y"}`)
	requireError(t, opTr, protocol.CodeRoleConflict)

	f.send(t, mon, `{"type":"monitor","deviceId":"robot1"}`)
	f.send(t, mon, `{"type":"offer","deviceId":"robot1","sdp":"X"}`)
	requireError(t, monTr, protocol.CodeRoleConflict)
	assert.Equal(t, registry.RoleMonitor, mon.Role)
}

func TestForbidden(t *testing.T) {
	f := newFixture(t)
	_, deviceTr := f.registerDevice(t, "robot-owner", "robot1")
	f.authz.deny["mallory"] = true
	mallory, tr := f.open(t, "mallory")

	f.send(t, mallory, `{"type":"offer","deviceId":"robot1","sdp":"X"}`)
	requireError(t, tr, protocol.CodeForbidden)
	f.send(t, mallory, `{"type":"monitor","deviceId":"robot1"}`)
	requireError(t, tr, protocol.CodeForbidden)

	assert.Empty(t, deviceTr.Frames())
	assert.Empty(t, f.presence.Controller("robot1"))
	assert.Equal(t, registry.RoleUnassigned, mallory.Role)
	assert.EqualValues(t, 2, f.metrics.Get(metrics.EventForbidden))
}

func TestAuthorizationIsDeferred(t *testing.T) {
	sched := &deferredScheduler{}
	f := newFixture(t, func(o *router.Options) { o.Scheduler = sched })
	_, deviceTr := f.registerDevice(t, "robot-owner", "robot1")
	op, _ := f.open(t, "alice")

	f.send(t, op, `{"type":"offer","deviceId":"robot1","sdp":"X"}`)
	assert.Empty(t, deviceTr.Frames())
	require.Len(t, sched.pending, 1)

	sched.flush()
	last, ok := deviceTr.Last()
	require.True(t, ok)
	assert.Equal(t, protocol.OpOffer, last.Op)

	// A connection closed while its lookup is pending is never resumed.
	late, _ := f.open(t, "bob")
	f.send(t, late, `{"type":"offer","deviceId":"robot1","sdp":"X","takeover":true}`)
	f.reg.Close(late.ID, nil)
	sched.flush()
	assert.Equal(t, op.ID, f.presence.Controller("robot1"))
}

func TestOwnershipEnforcement(t *testing.T) {
	f := newFixture(t, func(o *router.Options) { o.EnforceOwnership = true })
	first, _ := f.registerDevice(t, "owner", "robot1")
	f.reg.Close(first.ID, nil)

	other, otherTr := f.open(t, "intruder")
	f.send(t, other, `{"type":"register","deviceId":"robot1"}`)
	requireError(t, otherTr, protocol.CodeNotOwner)
	assert.False(t, f.presence.IsOnline("robot1"))

	tr := registrytest.NewTransport()
	admin, err := f.reg.Open(tr, auth.Identity{Subject: "ops", Admin: true}, protocol.DialectUnknown, "")
	require.NoError(t, err)
	f.send(t, admin, `{"type":"register","deviceId":"robot1"}`)
	last, ok := tr.Last()
	require.True(t, ok)
	assert.Equal(t, protocol.OpRegistered, last.Op)
	assert.Equal(t, "owner", f.presence.Owner("robot1"))
}

func TestCapabilitiesAndPing(t *testing.T) {
	f := newFixture(t)
	c, tr := f.open(t, "alice")

	f.send(t, c, `{"type":"capabilities"}`)
	maps := tr.Maps()
	require.Len(t, maps, 1)
	assert.Equal(t, "capabilities", maps[0]["type"])
	assert.EqualValues(t, 30000, maps[0]["heartbeatIntervalMs"])
	assert.Contains(t, maps[0]["ops"], "offer")
	assert.Contains(t, maps[0]["dialects"], "enveloped")

	tr.Reset()
	f.send(t, c, `{"type":"ping"}`)
	last, ok := tr.Last()
	require.True(t, ok)
	assert.Equal(t, protocol.OpPong, last.Op)

	tr.Reset()
	f.send(t, c, `{"type":"pong"}`)
	assert.Empty(t, tr.Frames())
	assert.Equal(t, registry.RoleUnassigned, c.Role)
}

func TestRelayOnlyTypesRejected(t *testing.T) {
	f := newFixture(t)
	c, tr := f.open(t, "alice")
	f.send(t, c, `{"type":"welcome"}`)
	requireError(t, tr, protocol.CodeUnknownType)

	maps := tr.Maps()
	assert.Equal(t, "welcome", maps[0]["op"])
	assert.False(t, tr.Closed())
}
