package httpserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/config"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/metrics"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/origin"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/presence"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/store"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

var errHijackUnsupported = errors.New("response writer does not support hijacking")

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// PresenceReader is the read path over device presence.
type PresenceReader interface {
	GetStatus(deviceID string) (presence.DevicePresence, bool)
	List() []presence.DevicePresence
}

// ICEServerSource hands out the ICE servers a client should use. Servers with
// TURN URLs may carry per-session credentials.
type ICEServerSource interface {
	ServersFor(sessionID string) ([]webrtc.ICEServer, error)
}

// DeviceDirectory describes provisioned devices.
type DeviceDirectory interface {
	Device(ctx context.Context, deviceID string) (store.DeviceRecord, error)
}

// Deps are the optional collaborators behind the read endpoints. Nil fields
// disable the routes that need them.
type Deps struct {
	Presence PresenceReader
	ICE      ICEServerSource
	Metrics  *metrics.Metrics
	// Devices adds the device kind to status replies and lets provisioned
	// devices that never connected report offline instead of 404.
	Devices DeviceDirectory
}

type Server struct {
	log     *slog.Logger
	cfg     config.Config
	build   BuildInfo
	origins origin.Policy

	presence PresenceReader
	ice      ICEServerSource
	metrics  *metrics.Metrics
	devices  DeviceDirectory

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	s := &Server{
		log:      logger,
		cfg:      cfg,
		build:    build,
		origins:  origin.NewPolicy(cfg.AllowedOrigins),
		presence: deps.Presence,
		ice:      deps.ICE,
		metrics:  deps.Metrics,
		devices:  deps.Devices,
		mux:      http.NewServeMux(),
	}
	if s.ice == nil {
		s.ice = turnrest.NewICEProvider(cfg.ICEServers, nil)
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Signaling sockets are long-lived; no read or write timeout.
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.handleBrowserRoute("/webrtc/ice", s.handleICE)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.metrics))
	}

	if s.presence != nil {
		s.handleBrowserRoute("/devices", s.handleListDevices)
		s.handleBrowserRoute("/devices/{deviceId}/status", s.handleDeviceStatus)
	}
}

// handleBrowserRoute registers a read endpoint that browsers may call
// cross-origin, answering CORS preflight on the same path.
func (s *Server) handleBrowserRoute(path string, h http.HandlerFunc) {
	wrapped := s.withOriginPolicy(h)
	s.mux.HandleFunc("GET "+path, wrapped)
	s.mux.HandleFunc("OPTIONS "+path, wrapped)
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	servers, err := s.ice.ServersFor(r.URL.Query().Get("sessionId"))
	if err != nil {
		s.log.Warn("ice credentials unavailable", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "ice credentials unavailable"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.presence.List()
	if devices == nil {
		devices = []presence.DevicePresence{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

type deviceStatus struct {
	presence.DevicePresence
	Kind string `json:"kind,omitempty"`
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")
	p, ok := s.presence.GetStatus(deviceID)
	status := deviceStatus{DevicePresence: p}

	if s.devices != nil {
		rec, err := s.devices.Device(r.Context(), deviceID)
		switch {
		case err == nil:
			status.Kind = rec.EffectiveKind()
			if !ok {
				status.DevicePresence = presence.DevicePresence{DeviceID: deviceID, Status: presence.StatusOffline}
				ok = true
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			s.log.Warn("device lookup failed", "device_id", deviceID, "err", err)
		}
	}

	if !ok {
		WriteJSON(w, http.StatusNotFound, map[string]any{"code": "unknown_device", "deviceId": deviceID})
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusWriter records the response status. It forwards Hijack so the
// signaling endpoint can upgrade through the middleware chain.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errHijackUnsupported
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}
