package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// APIKeySubject is the identity subject assigned to API-key callers.
const APIKeySubject = "api-key"

type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) (Identity, error) {
	if apiKey == "" || v.Expected == "" {
		return Identity{}, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{Subject: APIKeySubject}, nil
}
