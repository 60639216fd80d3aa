// Package outbox runs collaborator calls (presence persistence, session
// events) off the dispatch loop. Enqueue never blocks; when the queue is full
// the job is dropped and counted.
package outbox

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/metrics"
)

// DefaultJobTimeout bounds a single job.
const DefaultJobTimeout = 10 * time.Second

type job struct {
	name string
	fn   func(context.Context) error
}

type Outbox struct {
	jobs    chan job
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics

	drops atomic.Uint64
}

func New(size int, logger *slog.Logger, m *metrics.Metrics) *Outbox {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		jobs:    make(chan job, size),
		timeout: DefaultJobTimeout,
		log:     logger,
		metrics: m,
	}
}

// Enqueue schedules fn and reports whether it was accepted.
func (o *Outbox) Enqueue(name string, fn func(context.Context) error) bool {
	select {
	case o.jobs <- job{name: name, fn: fn}:
		return true
	default:
		o.drops.Add(1)
		o.metrics.Inc(metrics.EventOutboxDropped)
		o.log.Warn("outbox full, dropping job", "job", name)
		return false
	}
}

func (o *Outbox) DropCount() uint64 {
	return o.drops.Load()
}

// Run executes jobs in FIFO order until ctx is cancelled. Jobs still queued at
// that point are run with a fresh deadline so final presence writes land.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			o.drain()
			return nil
		case j := <-o.jobs:
			o.run(ctx, j)
		}
	}
}

func (o *Outbox) drain() {
	ctx := context.Background()
	for {
		select {
		case j := <-o.jobs:
			o.run(ctx, j)
		default:
			return
		}
	}
}

func (o *Outbox) run(parent context.Context, j job) {
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()
	if err := j.fn(ctx); err != nil {
		o.metrics.Inc(metrics.EventOutboxFailed)
		o.log.Warn("outbox job failed", "job", j.name, "err", err)
	}
}
