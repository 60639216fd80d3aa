package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/auth"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/config"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/events"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/heartbeat"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/httpserver"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/metrics"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/origin"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/outbox"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/presence"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/ratelimit"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/registry"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/router"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("robot-signal-relay exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting robot-signal-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"acl_backend", cfg.ACLBackend,
		"presence_backend", cfg.PresenceBackend,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"strict_sdp", cfg.StrictSDP,
		"enforce_ownership", cfg.EnforceOwnership,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"nats_host", safeURLHost(cfg.NATSURL),
	)
	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()

	backends, err := openStores(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer backends.Close()

	ice, err := newICEProvider(cfg)
	if err != nil {
		return fmt.Errorf("configure turn rest: %w", err)
	}

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return fmt.Errorf("configure signaling auth: %w", err)
	}
	var access auth.AccessList
	if backends.Access != nil {
		access = backends.Access
	}
	gate := auth.NewGatekeeper(verifier, access, auth.GatekeeperOptions{
		AdminGroups: cfg.AdminGroups,
		AuthTimeout: cfg.SignalingAuthTimeout,
	})

	jobs := outbox.New(cfg.OutboxSize, logger, m)

	tracker := presence.NewTracker(nil)
	if refresh := refreshAccessOnRegister(backends.Access); refresh != nil {
		tracker.Observe(refresh)
	}
	if backends.Presence != nil {
		tracker.Observe(presence.PersistTo(backends.Presence, jobs))
	}

	var publisher events.Publisher = events.LogPublisher{Logger: logger}
	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		publisher = events.NewNATSPublisher(nc, cfg.NATSSubjectPrefix)
	}
	notifier := events.NewNotifier(publisher, jobs, m)

	reg := registry.New(registry.Options{Logger: logger, Metrics: m})
	hub := signaling.NewHub(signaling.HubOptions{
		Registry:        reg,
		Heartbeat:       heartbeat.New(reg, cfg.HeartbeatInterval, logger, m),
		Limiter:         ratelimit.NewConnLimiter(ratelimit.RealClock{}, cfg.MaxSignalingMessagesPerSecond),
		Logger:          logger,
		Metrics:         m,
		MaxMessageBytes: cfg.MaxSignalingMessageBytes,
	})
	hub.SetHandler(router.New(router.Options{
		Registry:            reg,
		Presence:            tracker,
		Authorizer:          gate,
		Scheduler:           hub,
		Notifier:            notifier,
		Logger:              logger,
		Metrics:             m,
		StrictSDP:           cfg.StrictSDP,
		EnforceOwnership:    cfg.EnforceOwnership,
		ICEServers:          ice.ServersFor,
		HeartbeatIntervalMs: cfg.HeartbeatInterval.Milliseconds(),
	}))

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Deps{
		Presence: tracker,
		ICE:      ice,
		Metrics:  m,
		Devices:  backends.Access,
	})
	sig := signaling.NewServer(signaling.ServerOptions{
		Hub:             hub,
		Authenticator:   gate,
		AuthMode:        cfg.AuthMode,
		Origins:         origin.NewPolicy(cfg.AllowedOrigins),
		Logger:          logger,
		Metrics:         m,
		MaxMessageBytes: cfg.MaxSignalingMessageBytes,
		SendQueueSize:   cfg.SendQueueSize,
	})
	sig.RegisterRoutes(srv.Mux())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	// The hub and outbox outlive the group context: the hub stops after the
	// HTTP server, and the outbox after the hub so session.end and final
	// presence writes still run.
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	outboxCtx, stopOutbox := context.WithCancel(context.Background())
	defer stopOutbox()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return jobs.Run(outboxCtx)
	})
	g.Go(func() error {
		defer stopOutbox()
		return hub.Run(hubCtx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		stopHub()
		if err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		return nil
	})

	return g.Wait()
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
