package main

import (
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/config"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/turnrest"
)

// newICEProvider builds the ICE server source shared by GET /webrtc/ice and
// capabilities replies. With TURN REST enabled every TURN entry receives
// fresh per-session credentials.
func newICEProvider(cfg config.Config) (*turnrest.ICEProvider, error) {
	if !cfg.TURNREST.Enabled() {
		return turnrest.NewICEProvider(cfg.ICEServers, nil), nil
	}
	gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret:   cfg.TURNREST.SharedSecret,
		TTL:            time.Duration(cfg.TURNREST.TTLSeconds) * time.Second,
		UsernamePrefix: cfg.TURNREST.UsernamePrefix,
	})
	if err != nil {
		return nil, err
	}
	return turnrest.NewICEProvider(cfg.ICEServers, gen), nil
}

// turnServersWithoutCredentials lists TURN URLs that clients will receive
// without a username or credential. TURN REST fills these in, so the list is
// empty whenever it is enabled.
func turnServersWithoutCredentials(cfg config.Config) []string {
	if cfg.TURNREST.Enabled() {
		return nil
	}
	var out []string
	for _, server := range cfg.ICEServers {
		if !iceServerHasTURNURL(server) {
			continue
		}
		cred, _ := server.Credential.(string)
		if strings.TrimSpace(server.Username) != "" && strings.TrimSpace(cred) != "" {
			continue
		}
		out = append(out, server.URLs...)
	}
	return out
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
