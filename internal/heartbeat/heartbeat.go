// Package heartbeat probes idle connections and evicts dead ones.
package heartbeat

import (
	"log/slog"
	"time"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/metrics"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/protocol"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/registry"
)

// Supervisor sweeps the registry on the dispatch goroutine. A connection idle
// for one interval gets a single ping; one idle for two intervals is closed
// through the registry, which runs the same cleanup as a client disconnect.
type Supervisor struct {
	reg      *registry.Registry
	interval time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func New(reg *registry.Registry, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{reg: reg, interval: interval, log: logger, metrics: m}
}

// SweepEvery is the sweep period: half the interval, so a connection is
// closed at most half an interval after its grace window ends.
func (s *Supervisor) SweepEvery() time.Duration {
	if s.interval <= 0 {
		return 0
	}
	if every := s.interval / 2; every > 0 {
		return every
	}
	return s.interval
}

// Sweep probes or closes connections based on their idle time at now and
// returns the ids it pinged and closed.
func (s *Supervisor) Sweep(now time.Time) (pinged, closed []string) {
	grace := 2 * s.interval
	for _, c := range s.reg.Snapshot() {
		if c.Closed() {
			continue
		}
		idle := now.Sub(c.LastActivityAt)
		switch {
		case idle >= grace:
			s.log.Info("heartbeat timeout", "conn_id", c.ID, "role", c.Role.String(), "device_id", c.DeviceID, "idle", idle)
			s.metrics.Inc(metrics.EventHeartbeatTimeout)
			if s.reg.Close(c.ID, protocol.TimeoutError("no activity for %s", idle.Truncate(time.Millisecond))) {
				closed = append(closed, c.ID)
			}
		case idle >= s.interval && c.PingSentAt.IsZero():
			if err := s.reg.Send(c, protocol.Envelope{Op: protocol.OpPing}); err != nil {
				s.log.Debug("heartbeat ping not sent", "conn_id", c.ID, "err", err)
				continue
			}
			s.reg.MarkPinged(c, now)
			s.metrics.Inc(metrics.EventHeartbeatPing)
			pinged = append(pinged, c.ID)
		}
	}
	return pinged, closed
}
