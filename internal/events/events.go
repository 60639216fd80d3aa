// Package events publishes session lifecycle notifications for the billing
// and session-tracking collaborator.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/metrics"
)

type Kind string

const (
	KindSessionStart Kind = "session.start"
	KindSessionEnd   Kind = "session.end"
)

// Session end reasons.
const (
	ReasonControllerLeft     = "controller_left"
	ReasonDisplaced          = "displaced"
	ReasonDeviceOffline      = "device_offline"
	ReasonDeviceReregistered = "device_reregistered"
)

type Session struct {
	Kind                   Kind      `json:"kind"`
	DeviceID               string    `json:"deviceId"`
	ControllerConnectionID string    `json:"controllerConnectionId"`
	Subject                string    `json:"subject,omitempty"`
	Reason                 string    `json:"reason,omitempty"`
	At                     time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Session) error
}

// NATSConn is the part of *nats.Conn the publisher needs.
type NATSConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes each event as JSON on <prefix>.<kind>.
type NATSPublisher struct {
	conn   NATSConn
	prefix string
}

func NewNATSPublisher(conn NATSConn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

func (p *NATSPublisher) Subject(kind Kind) string {
	return p.prefix + "." + string(kind)
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev.Kind), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

// ConnectNATS dials url with reconnect handling that logs through logger.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("robot-signal-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// LogPublisher writes events to the structured log. It is used when no
// broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev Session) error {
	p.Logger.Info("session event",
		"kind", string(ev.Kind),
		"device_id", ev.DeviceID,
		"conn_id", ev.ControllerConnectionID,
		"subject", ev.Subject,
		"reason", ev.Reason,
	)
	return nil
}

// Enqueuer runs work off the caller's goroutine.
type Enqueuer interface {
	Enqueue(name string, fn func(context.Context) error) bool
}

// Notifier stamps and hands events to a Publisher through an Enqueuer so the
// dispatch loop never waits on the broker.
type Notifier struct {
	pub     Publisher
	queue   Enqueuer
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewNotifier(pub Publisher, queue Enqueuer, m *metrics.Metrics) *Notifier {
	return &Notifier{pub: pub, queue: queue, metrics: m, now: time.Now}
}

func (n *Notifier) SessionStarted(deviceID, controllerConnID, subject string) {
	n.metrics.Inc(metrics.EventSessionStart)
	n.emit(Session{
		Kind:                   KindSessionStart,
		DeviceID:               deviceID,
		ControllerConnectionID: controllerConnID,
		Subject:                subject,
	})
}

func (n *Notifier) SessionEnded(deviceID, controllerConnID, subject, reason string) {
	n.metrics.Inc(metrics.EventSessionEnd)
	n.emit(Session{
		Kind:                   KindSessionEnd,
		DeviceID:               deviceID,
		ControllerConnectionID: controllerConnID,
		Subject:                subject,
		Reason:                 reason,
	})
}

func (n *Notifier) emit(ev Session) {
	if n == nil || n.pub == nil {
		return
	}
	ev.At = n.now().UTC()
	n.queue.Enqueue(string(ev.Kind), func(ctx context.Context) error {
		return n.pub.Publish(ctx, ev)
	})
}
