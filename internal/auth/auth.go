// Package auth authenticates signaling connections and authorizes access to
// individual devices.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/config"
)

// AnonymousSubject identifies credential-less callers when auth is disabled.
const AnonymousSubject = "anonymous"

// Identity is the authenticated principal behind a connection.
type Identity struct {
	Subject string
	Groups  []string
	// Admin is derived from Groups by the Gatekeeper.
	Admin bool
}

func (id Identity) InGroup(group string) bool {
	return containsString(id.Groups, group)
}

type Verifier interface {
	Verify(credential string) (Identity, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return unverifiedVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return newJWTVerifier(cfg.JWTSecret, cfg.JWTAudience, cfg.JWTIssuer), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

var ErrMissingCredentials = errors.New("missing credentials")

// CredentialFromRequest extracts the connect credential. Sources in order:
// ?token=, Authorization (Bearer or ApiKey), ?apiKey=, X-API-Key. In
// AuthModeNone a missing credential is not an error.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	q := r.URL.Query()
	if token := strings.TrimSpace(q.Get("token")); token != "" {
		return token, nil
	}
	if cred := credentialFromAuthorization(r.Header.Get("Authorization")); cred != "" {
		return cred, nil
	}
	if apiKey := strings.TrimSpace(q.Get("apiKey")); apiKey != "" {
		return apiKey, nil
	}
	if apiKey := strings.TrimSpace(r.Header.Get("X-API-Key")); apiKey != "" {
		return apiKey, nil
	}
	if mode == config.AuthModeNone {
		return "", nil
	}
	return "", ErrMissingCredentials
}

func credentialFromAuthorization(header string) string {
	scheme, value, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found {
		return ""
	}
	switch strings.ToLower(scheme) {
	case "bearer", "apikey":
		return strings.TrimSpace(value)
	default:
		return ""
	}
}
