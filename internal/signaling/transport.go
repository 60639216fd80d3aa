package signaling

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/metrics"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/protocol"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/registry"
)

const (
	wsWriteWait = 1 * time.Second

	// maxCloseReasonBytes is the room left for a reason in a close frame's
	// 125-byte control payload after the 2-byte code.
	maxCloseReasonBytes = 123
)

var (
	errSlowConsumer    = errors.New("send queue full")
	errMessageTooLarge = errors.New("message too large")
)

// wsTransport adapts a gorilla connection to registry.Transport. Send never
// blocks: frames go to a bounded queue drained by writeLoop.
type wsTransport struct {
	conn    *websocket.Conn
	queue   chan []byte
	done    chan struct{}
	log     *slog.Logger
	metrics *metrics.Metrics

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newWSTransport(conn *websocket.Conn, queueSize int, logger *slog.Logger, m *metrics.Metrics) *wsTransport {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &wsTransport{
		conn:    conn,
		queue:   make(chan []byte, queueSize),
		done:    make(chan struct{}),
		log:     logger,
		metrics: m,
	}
}

func (t *wsTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return registry.ErrConnectionClosed
	default:
	}
	select {
	case t.queue <- frame:
		return nil
	default:
		t.metrics.Inc(metrics.EventSlowConsumer)
		t.shutdown(websocket.ClosePolicyViolation, "slow consumer")
		return errSlowConsumer
	}
}

// Close stops the writer after it flushes queued frames and sends a close
// frame derived from reason.
func (t *wsTransport) Close(reason error) {
	code, text := closeCodeFor(reason)
	t.shutdown(code, text)
}

func (t *wsTransport) shutdown(code int, reason string) {
	t.closeOnce.Do(func() {
		t.closeCode = code
		t.closeReason = truncateReason(reason)
		close(t.done)
	})
}

func (t *wsTransport) writeLoop() {
	defer t.conn.Close()
	for {
		select {
		case frame := <-t.queue:
			if err := t.write(frame); err != nil {
				t.log.Debug("websocket write failed", "err", err)
				t.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-t.done:
			t.flush()
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(t.closeCode, t.closeReason), time.Now().Add(wsWriteWait))
			return
		}
	}
}

// flush writes whatever is already queued so a final error or disconnected
// notice reaches the peer before the close frame.
func (t *wsTransport) flush() {
	for {
		select {
		case frame := <-t.queue:
			if err := t.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (t *wsTransport) write(frame []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// closeCodeFor maps a close reason onto a WebSocket close code.
func closeCodeFor(reason error) (int, string) {
	switch {
	case reason == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(reason, ErrShutdown):
		return websocket.CloseGoingAway, reason.Error()
	case protocol.IsKind(reason, protocol.KindTimeout):
		return websocket.ClosePolicyViolation, "heartbeat timeout"
	case protocol.IsKind(reason, protocol.KindAuth):
		return websocket.ClosePolicyViolation, "unauthorized"
	case isPeerGone(reason):
		return websocket.CloseNormalClosure, ""
	default:
		return websocket.CloseNormalClosure, reason.Error()
	}
}

func isPeerGone(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func truncateReason(reason string) string {
	if len(reason) <= maxCloseReasonBytes {
		return reason
	}
	return reason[:maxCloseReasonBytes]
}

// readLimited reads at most max bytes of r. A longer message yields
// errMessageTooLarge and the rest of it is discarded.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, err
		}
		return nil, errMessageTooLarge
	}
	return b, nil
}
