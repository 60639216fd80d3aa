package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/auth"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/config"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/metrics"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/origin"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/protocol"
)

// hardReadLimitFactor scales the message limit into the socket-level read
// limit. Frames between the two are answered with message_too_large; larger
// ones drop the connection.
const hardReadLimitFactor = 4

// Authenticator resolves a connect credential to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (auth.Identity, error)
}

type ServerOptions struct {
	Hub           *Hub
	Authenticator Authenticator
	AuthMode      config.AuthMode
	Origins       origin.Policy
	Logger        *slog.Logger
	Metrics       *metrics.Metrics

	MaxMessageBytes int64
	SendQueueSize   int
}

// Server is the signaling WebSocket endpoint.
//
// Endpoints:
//   - GET /signal : WebSocket signaling, both dialects
//   - GET /ws     : alias of /signal
type Server struct {
	hub      *Hub
	authn    Authenticator
	authMode config.AuthMode
	origins  origin.Policy
	log      *slog.Logger
	metrics  *metrics.Metrics

	maxMessageBytes int64
	sendQueueSize   int

	upgrader websocket.Upgrader
}

func NewServer(opts ServerOptions) *Server {
	s := &Server{
		hub:             opts.Hub,
		authn:           opts.Authenticator,
		authMode:        opts.AuthMode,
		origins:         opts.Origins,
		log:             opts.Logger,
		metrics:         opts.Metrics,
		maxMessageBytes: opts.MaxMessageBytes,
		sendQueueSize:   opts.SendQueueSize,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	s.upgrader = websocket.Upgrader{
		// The origin policy runs before Upgrade.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
	mux.HandleFunc("GET /ws", s.handleSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.origins.CheckRequest(r); !ok {
		s.metrics.Inc(metrics.EventOriginRejected)
		writeJSONError(w, http.StatusForbidden, "forbidden_origin", "origin not allowed")
		return
	}

	cred, err := auth.CredentialFromRequest(s.authMode, r)
	if err != nil {
		s.metrics.Inc(metrics.EventAuthFailed)
		writeJSONError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "missing credentials")
		return
	}
	identity, err := s.authn.Authenticate(r.Context(), cred)
	if err != nil {
		msg := "invalid credentials"
		if errors.Is(err, auth.ErrAuthTimeout) {
			s.metrics.Inc(metrics.EventAuthTimeout)
			msg = "authentication timeout"
		} else {
			s.metrics.Inc(metrics.EventAuthFailed)
		}
		s.log.Debug("signaling auth rejected", "remote_addr", r.RemoteAddr, "err", err)
		writeJSONError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, msg)
		return
	}

	dialect := protocol.ParseDialect(r.URL.Query().Get("protocol"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(s.maxMessageBytes * hardReadLimitFactor)

	t := newWSTransport(conn, s.sendQueueSize, s.log, s.metrics)
	go t.writeLoop()

	ctx := context.Background()
	connID, err := s.hub.Open(ctx, t, identity, dialect, r.RemoteAddr)
	if err != nil {
		s.log.Debug("signaling connection not opened", "remote_addr", r.RemoteAddr, "err", err)
		t.Close(ErrShutdown)
		return
	}
	s.readLoop(ctx, conn, connID)
}

// readLoop feeds frames to the hub in arrival order until the socket fails.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, connID string) {
	for {
		_, rd, err := conn.NextReader()
		if err != nil {
			s.hub.Disconnect(connID, err)
			return
		}
		data, err := readLimited(rd, s.maxMessageBytes)
		tooLarge := errors.Is(err, errMessageTooLarge)
		if err != nil && !tooLarge {
			s.hub.Disconnect(connID, err)
			return
		}
		if !s.hub.Deliver(ctx, connID, data, tooLarge) {
			return
		}
	}
}

type httpErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(httpErrorResponse{Code: code, Message: message})
}
