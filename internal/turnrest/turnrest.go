// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<session id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The relay only hands these out; it never relays media itself.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	ErrMissingSecret    = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL       = errors.New("turnrest: ttl must be positive")
	ErrInvalidPrefix    = errors.New("turnrest: username prefix must be non-empty and contain no ':'")
	ErrInvalidSessionID = errors.New("turnrest: session id must be non-empty and contain no ':'")
)

type GeneratorConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	Now            func() time.Time
}

// Generator signs TURN usernames with a shared secret.
type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, ErrMissingSecret
	case cfg.TTL <= 0:
		return nil, ErrInvalidTTL
	case cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, ErrInvalidPrefix
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

// Generate returns credentials bound to sessionID. Signaling connections pass
// their connection id so TURN allocations can be traced back to a session.
func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return Credentials{}, ErrInvalidSessionID
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := strconv.FormatInt(expires.Unix(), 10) + ":" + g.prefix + ":" + sessionID

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		Expires:    expires,
	}, nil
}

// GenerateRandom is Generate with a fresh random session id, for callers
// outside a signaling connection such as GET /webrtc/ice.
func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(uuid.NewString())
}

// WithCredentials returns a copy of servers where every entry carrying a
// turn: or turns: URL uses creds. Other entries are unchanged. A nil
// Generator result is never passed here; callers skip the call instead.
func WithCredentials(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

// ICEProvider hands out ICE server lists, minting TURN REST credentials when
// a Generator is configured.
type ICEProvider struct {
	servers []webrtc.ICEServer
	gen     *Generator
}

func NewICEProvider(servers []webrtc.ICEServer, gen *Generator) *ICEProvider {
	return &ICEProvider{servers: servers, gen: gen}
}

// ServersFor returns the ICE servers for sessionID. An empty sessionID uses a
// random one.
func (p *ICEProvider) ServersFor(sessionID string) ([]webrtc.ICEServer, error) {
	if p == nil {
		return []webrtc.ICEServer{}, nil
	}
	if p.gen == nil {
		return append([]webrtc.ICEServer{}, p.servers...), nil
	}
	var (
		creds Credentials
		err   error
	)
	if sessionID == "" {
		creds, err = p.gen.GenerateRandom()
	} else {
		creds, err = p.gen.Generate(sessionID)
	}
	if err != nil {
		return nil, err
	}
	return WithCredentials(p.servers, creds), nil
}
