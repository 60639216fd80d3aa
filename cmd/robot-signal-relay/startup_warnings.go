package main

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeJWT && cfg.Mode == config.ModeProd && cfg.JWTAudience == "" {
		logger.Warn("startup security warning: JWT_AUDIENCE is unset while --mode=prod (tokens minted for other services are accepted)",
			"warning_code", "jwt_audience_unset_in_prod",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.ACLBackend == config.StoreBackendNone {
		logger.Warn("startup security warning: ACL_BACKEND=none while --mode=prod (every device is reachable by any authenticated caller)",
			"warning_code", "acl_backend_none_in_prod",
			"acl_backend", cfg.ACLBackend,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.EnforceOwnership {
		logger.Warn("startup security warning: ENFORCE_DEVICE_OWNERSHIP=false while --mode=prod (any caller may register any device id)",
			"warning_code", "device_ownership_not_enforced",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-frame allocation risk)",
			"warning_code", "signaling_message_limit_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.HeartbeatInterval <= 0 {
		logger.Warn("startup warning: HEARTBEAT_INTERVAL=0 disables heartbeats (dead devices stay online until their socket errors)",
			"warning_code", "heartbeat_disabled",
			"mode", cfg.Mode,
		)
	}

	if urls := turnServersWithoutCredentials(cfg); len(urls) > 0 {
		logger.Warn("startup warning: TURN servers have no credentials and TURN REST is disabled",
			"warning_code", "turn_without_credentials",
			"turn_urls", urls,
			"mode", cfg.Mode,
		)
	}

	if cfg.NATSURL == "" {
		logger.Info("session events go to the log (NATS_URL unset)")
	} else if u, err := url.Parse(cfg.NATSURL); err == nil && u.User != nil && u.Scheme != "tls" && u.Scheme != "wss" {
		logger.Warn("startup security warning: NATS_URL carries credentials over a plaintext scheme",
			"warning_code", "nats_plaintext_credentials",
			"nats_host", safeURLHost(cfg.NATSURL),
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

// safeURLHost returns raw's host without any userinfo.
func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
