package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "SIGNAL_RELAY_ICE_SERVERS_JSON"

	envStunURLs       = "SIGNAL_RELAY_STUN_URLS"
	envTurnURLs       = "SIGNAL_RELAY_TURN_URLS"
	envTurnUsername   = "SIGNAL_RELAY_TURN_USERNAME"
	envTurnCredential = "SIGNAL_RELAY_TURN_CREDENTIAL"
)

var (
	errNoURLs              = errors.New("missing urls")
	errTURNNeedsUsername   = errors.New("turn urls require username")
	errTURNNeedsCredential = errors.New("turn urls require credential")
)

// parseICEServersFromValues builds the ICE list handed to clients. The JSON
// form wins over the convenience variables when both are set.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, turnRESTEnabled bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, turnRESTEnabled)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential, turnRESTEnabled)
}

// iceServerEntry is the accepted JSON shape. urls may be a single string, as
// browsers accept in RTCIceServer.
type iceServerEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if json.Unmarshal(b, &one) == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("urls must be a string or an array of strings: %w", err)
	}
	*l = many
	return nil
}

// ParseICEServersJSON parses SIGNAL_RELAY_ICE_SERVERS_JSON. TURN entries may
// omit credentials when turnRESTEnabled is set, since those are minted per
// session.
func ParseICEServersJSON(raw string, turnRESTEnabled bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server, err := newICEServer(splitNonEmpty(e.URLs), e.Username, e.Credential, turnRESTEnabled)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// ParseICEServersFromConvenienceEnv builds at most one STUN and one TURN entry
// from comma-separated URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, turnRESTEnabled bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitCommaSeparated(stunURLs); len(urls) > 0 {
		server, err := newICEServer(urls, "", "", false)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if urls := splitCommaSeparated(turnURLs); len(urls) > 0 {
		server, err := newICEServer(urls, turnUsername, turnCredential, turnRESTEnabled)
		switch {
		case errors.Is(err, errTURNNeedsUsername), errors.Is(err, errTURNNeedsCredential):
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		case err != nil:
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

// newICEServer validates every URL with the STUN/TURN URI grammar and
// requires credentials on TURN entries unless TURN REST supplies them.
func newICEServer(urls []string, username, credential string, turnRESTEnabled bool) (webrtc.ICEServer, error) {
	if len(urls) == 0 {
		return webrtc.ICEServer{}, errNoURLs
	}
	hasTURN := false
	for _, raw := range urls {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return webrtc.ICEServer{}, fmt.Errorf("invalid ice url %q: %w", raw, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			hasTURN = true
		}
	}

	server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(username)}
	if cred := strings.TrimSpace(credential); cred != "" {
		server.Credential = cred
	}
	if hasTURN && !turnRESTEnabled {
		if server.Username == "" {
			return webrtc.ICEServer{}, errTURNNeedsUsername
		}
		if server.Credential == nil {
			return webrtc.ICEServer{}, errTURNNeedsCredential
		}
	}
	return server, nil
}

func splitNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func splitCommaSeparated(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return splitNonEmpty(strings.Split(value, ","))
}
