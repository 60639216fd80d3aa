package signaling

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/auth"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/heartbeat"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/metrics"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/protocol"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/ratelimit"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/registry"
)

var (
	ErrShutdown   = errors.New("relay shutting down")
	ErrHubStopped = errors.New("dispatch loop stopped")
)

// Handler consumes decoded envelopes on the dispatch goroutine.
type Handler interface {
	Handle(c *registry.Connection, env protocol.Envelope)
	ReportError(c *registry.Connection, op protocol.Op, err error)
}

type eventKind uint8

const (
	eventOpen eventKind = iota
	eventFrame
	eventClose
	eventResume
)

type event struct {
	kind   eventKind
	connID string

	// open
	transport  registry.Transport
	identity   auth.Identity
	dialect    protocol.Dialect
	remoteAddr string
	reply      chan openResult

	// frame
	data     []byte
	tooLarge bool

	// close
	reason error

	// resume
	resume func()
}

type openResult struct {
	id  string
	err error
}

// connState holds per-connection dispatch state. While busy, the connection
// awaits a collaborator call and its frames queue in backlog.
type connState struct {
	busy    bool
	backlog []event
}

type HubOptions struct {
	Registry  *registry.Registry
	Heartbeat *heartbeat.Supervisor
	Limiter   *ratelimit.ConnLimiter
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	// MaxMessageBytes is reported in message_too_large errors.
	MaxMessageBytes int64
	// QueueSize bounds the event channel.
	QueueSize int
	Now       func() time.Time
}

// Hub is the single dispatch loop. Every registry and router call happens on
// the goroutine running Run.
type Hub struct {
	reg       *registry.Registry
	handler   Handler
	heartbeat *heartbeat.Supervisor
	limiter   *ratelimit.ConnLimiter
	log       *slog.Logger
	metrics   *metrics.Metrics
	maxBytes  int64
	now       func() time.Time

	events chan event
	done   chan struct{}
	conns  map[string]*connState
}

func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		reg:       opts.Registry,
		heartbeat: opts.Heartbeat,
		limiter:   opts.Limiter,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		maxBytes:  opts.MaxMessageBytes,
		now:       opts.Now,
		done:      make(chan struct{}),
		conns:     make(map[string]*connState),
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.now == nil {
		h.now = time.Now
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 256
	}
	h.events = make(chan event, size)
	h.reg.OnClose(func(c *registry.Connection, _ error) {
		delete(h.conns, c.ID)
		h.limiter.Forget(c.ID)
	})
	return h
}

// SetHandler installs the envelope handler. It must be called before Run.
func (h *Hub) SetHandler(handler Handler) {
	h.handler = handler
}

// Run dispatches events until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	var tick <-chan time.Time
	if h.heartbeat != nil && h.heartbeat.SweepEvery() > 0 {
		ticker := time.NewTicker(h.heartbeat.SweepEvery())
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			h.log.Info("dispatch loop stopping", "connections", h.reg.Count())
			h.reg.CloseAll(ErrShutdown)
			return nil
		case <-tick:
			h.heartbeat.Sweep(h.now())
		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

// Open registers an authenticated transport and returns its connection id.
func (h *Hub) Open(ctx context.Context, t registry.Transport, id auth.Identity, dialect protocol.Dialect, remoteAddr string) (string, error) {
	reply := make(chan openResult, 1)
	ev := event{kind: eventOpen, transport: t, identity: id, dialect: dialect, remoteAddr: remoteAddr, reply: reply}
	if !h.post(ctx, ev) {
		return "", ErrHubStopped
	}
	select {
	case res := <-reply:
		return res.id, res.err
	case <-h.done:
		return "", ErrHubStopped
	}
}

// Deliver queues one inbound frame. It blocks while the event queue is full
// and reports false once the hub has stopped or ctx is done.
func (h *Hub) Deliver(ctx context.Context, connID string, data []byte, tooLarge bool) bool {
	return h.post(ctx, event{kind: eventFrame, connID: connID, data: data, tooLarge: tooLarge})
}

// Disconnect closes connID through the registry.
func (h *Hub) Disconnect(connID string, reason error) {
	h.post(context.Background(), event{kind: eventClose, connID: connID, reason: reason})
}

// Await implements router.Scheduler. call runs on its own goroutine; resume
// runs back on the dispatch goroutine unless c closed in the meantime. c's
// later frames wait in its backlog until then.
func (h *Hub) Await(c *registry.Connection, call func(ctx context.Context) error, resume func(err error)) {
	st := h.state(c.ID)
	st.busy = true
	go func() {
		err := call(c.Context())
		h.post(context.Background(), event{kind: eventResume, connID: c.ID, resume: func() {
			if c.Closed() {
				return
			}
			resume(err)
		}})
	}()
}

func (h *Hub) post(ctx context.Context, ev event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) dispatch(ev event) {
	switch ev.kind {
	case eventOpen:
		c, err := h.reg.Open(ev.transport, ev.identity, ev.dialect, ev.remoteAddr)
		if err != nil {
			ev.reply <- openResult{err: err}
			return
		}
		h.conns[c.ID] = &connState{}
		ev.reply <- openResult{id: c.ID}
	case eventClose:
		h.reg.Close(ev.connID, ev.reason)
	case eventFrame:
		c, ok := h.reg.Lookup(ev.connID)
		if !ok {
			return
		}
		st := h.state(c.ID)
		if st.busy {
			st.backlog = append(st.backlog, ev)
			return
		}
		h.process(c, ev)
	case eventResume:
		ev.resume()
		c, ok := h.reg.Lookup(ev.connID)
		if !ok {
			return
		}
		st := h.state(c.ID)
		st.busy = false
		h.drain(c, st)
	}
}

// drain processes backlogged frames until the backlog empties or another
// collaborator call parks the connection.
func (h *Hub) drain(c *registry.Connection, st *connState) {
	for len(st.backlog) > 0 && !st.busy && !c.Closed() {
		ev := st.backlog[0]
		st.backlog[0] = event{}
		st.backlog = st.backlog[1:]
		h.process(c, ev)
	}
	if len(st.backlog) == 0 {
		st.backlog = nil
	}
}

func (h *Hub) process(c *registry.Connection, ev event) {
	h.reg.Touch(c)
	h.metrics.Inc(metrics.EventFrameReceived)

	if ev.tooLarge {
		h.metrics.Inc(metrics.EventMessageTooLarge)
		h.handler.ReportError(c, protocol.OpUnknown,
			protocol.ProtocolError(protocol.CodeMessageTooLarge, "message exceeds %d bytes", h.maxBytes))
		return
	}
	if !h.limiter.Allow(c.ID) {
		h.metrics.Inc(metrics.EventRateLimited)
		h.handler.ReportError(c, protocol.OpUnknown, protocol.RateLimitedError())
		return
	}

	env, err := protocol.Decode(ev.data)
	h.reg.SetDialect(c, env.Dialect)
	if err != nil {
		h.handler.ReportError(c, env.Op, err)
		return
	}
	h.handler.Handle(c, env)
}

func (h *Hub) state(connID string) *connState {
	st, ok := h.conns[connID]
	if !ok {
		st = &connState{}
		h.conns[connID] = st
	}
	return st
}
