// Package metrics exposes relay counters and gauges through Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// Event names for the signal_relay_events_total counter.
const (
	EventFrameReceived    = "frame_received"
	EventFrameForwarded   = "frame_forwarded"
	EventMonitorCopy      = "monitor_copy"
	EventErrorSent        = "error_sent"
	EventSendDropped      = "send_dropped"
	EventSlowConsumer     = "slow_consumer"
	EventRateLimited      = "rate_limited"
	EventMessageTooLarge  = "message_too_large"
	EventAuthFailed       = "auth_failed"
	EventAuthTimeout      = "auth_timeout"
	EventOriginRejected   = "origin_rejected"
	EventHeartbeatPing    = "heartbeat_ping"
	EventHeartbeatTimeout = "heartbeat_timeout"
	EventDeviceReplaced   = "device_replaced"
	EventTakeover         = "takeover"
	EventOwnershipDenied  = "ownership_denied"
	EventForbidden        = "forbidden"
	EventOutboxDropped    = "outbox_dropped"
	EventOutboxFailed     = "outbox_failed"
	EventSessionStart     = "session_start"
	EventSessionEnd       = "session_end"
)

const namespace = "signal_relay"

// Metrics owns a private Prometheus registry. All methods are safe on a nil
// receiver so components can run without metrics in tests.
type Metrics struct {
	reg           *prometheus.Registry
	events        *prometheus.CounterVec
	connections   *prometheus.GaugeVec
	devicesOnline prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Relay events by name.",
		}, []string{"event"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open signaling connections by role.",
		}, []string{"role"}),
		devicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_online",
			Help:      "Devices with a registered online connection.",
		}),
	}
	m.reg.MustRegister(
		m.events,
		m.connections,
		m.devicesOnline,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Add(float64(delta))
}

// Get returns the current value of an event counter.
func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(name).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

// SetConnections records the open connection count for role.
func (m *Metrics) SetConnections(role string, n int) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Set(float64(n))
}

func (m *Metrics) SetDevicesOnline(n int) {
	if m == nil {
		return
	}
	m.devicesOnline.Set(float64(n))
}

// Registry returns the registry backing m, for the HTTP handler and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}
