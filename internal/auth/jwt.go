package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	hmacSHA256SigLen = 32
	// base64url-no-pad length of a 32-byte HMAC.
	hmacSHA256SigB64Len = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
	maxJWTLen           = maxJWTHeaderB64Len + 1 + maxJWTPayloadB64Len + 1 + hmacSHA256SigB64Len
)

// jwtVerifier verifies HS256 tokens issued with a shared secret.
type jwtVerifier struct {
	secret   []byte
	audience string
	issuer   string
	now      func() time.Time
}

func newJWTVerifier(secret, audience, issuer string) jwtVerifier {
	return jwtVerifier{
		secret:   []byte(secret),
		audience: audience,
		issuer:   issuer,
		now:      time.Now,
	}
}

type jwtClaims struct {
	Subject  string
	Groups   []string
	Exp      int64
	Iat      int64
	Audience []string
	Issuer   string
}

func (v jwtVerifier) Verify(token string) (Identity, error) {
	claims, err := v.verifyAndExtractClaims(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Subject: claims.Subject, Groups: claims.Groups}, nil
}

func (v jwtVerifier) verifyAndExtractClaims(token string) (jwtClaims, error) {
	headerB64, payloadB64, sigB64, ok := splitJWTParts(token)
	if !ok {
		return jwtClaims{}, ErrInvalidCredentials
	}
	if err := checkHeader(headerB64); err != nil {
		return jwtClaims{}, err
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(gotSig) != hmacSHA256SigLen {
		return jwtClaims{}, ErrInvalidCredentials
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return jwtClaims{}, ErrInvalidCredentials
	}

	raw, err := decodeClaims(payloadB64)
	if err != nil {
		return jwtClaims{}, err
	}

	now := v.now().Unix()
	exp, err := requiredTimestamp(raw, "exp")
	if err != nil {
		return jwtClaims{}, err
	}
	if now >= exp {
		return jwtClaims{}, ErrInvalidCredentials
	}
	iat, err := requiredTimestamp(raw, "iat")
	if err != nil {
		return jwtClaims{}, err
	}
	if nbf, ok := raw["nbf"]; ok {
		nbfUnix, err := parseUnixTimestamp(nbf)
		if err != nil || now < nbfUnix {
			return jwtClaims{}, ErrInvalidCredentials
		}
	}

	claims, err := identityClaims(raw)
	if err != nil {
		return jwtClaims{}, err
	}
	claims.Exp = exp
	claims.Iat = iat

	if v.audience != "" && !containsString(claims.Audience, v.audience) {
		return jwtClaims{}, ErrInvalidCredentials
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return jwtClaims{}, ErrInvalidCredentials
	}
	return claims, nil
}

// unverifiedVerifier reads identity claims without checking the signature.
// It exists for local development against tokens from a real identity
// provider whose signing key the relay does not hold.
type unverifiedVerifier struct{}

func (unverifiedVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{Subject: AnonymousSubject}, nil
	}
	headerB64, payloadB64, found := strings.Cut(token, ".")
	if !found || headerB64 == "" {
		return Identity{}, ErrInvalidCredentials
	}
	payloadB64, _, _ = strings.Cut(payloadB64, ".")
	raw, err := decodeClaims(strings.TrimRight(payloadB64, "="))
	if err != nil {
		return Identity{}, err
	}
	claims, err := identityClaims(raw)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Subject: claims.Subject, Groups: claims.Groups}, nil
}

func checkHeader(headerB64 string) error {
	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return ErrInvalidCredentials
	}
	var header map[string]any
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return ErrInvalidCredentials
	}
	alg, ok := header["alg"].(string)
	if !ok {
		return ErrInvalidCredentials
	}
	if alg != "HS256" {
		return ErrUnsupportedJWT
	}
	if typ, present := header["typ"]; present {
		if _, ok := typ.(string); !ok {
			return ErrInvalidCredentials
		}
	}
	return nil
}

// decodeClaims decodes the payload as exactly one JSON object.
func decodeClaims(payloadB64 string) (map[string]any, error) {
	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil || claims == nil {
		return nil, ErrInvalidCredentials
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

// identityClaims extracts sub, groups, aud and iss. Groups may come from a
// plain "groups" claim or the Cognito-style "cognito:groups".
func identityClaims(raw map[string]any) (jwtClaims, error) {
	sub, ok := raw["sub"].(string)
	if !ok || sub == "" {
		return jwtClaims{}, ErrInvalidCredentials
	}
	out := jwtClaims{Subject: sub}

	for _, key := range []string{"groups", "cognito:groups"} {
		v, present := raw[key]
		if !present {
			continue
		}
		groups, err := stringList(v)
		if err != nil {
			return jwtClaims{}, err
		}
		out.Groups = append(out.Groups, groups...)
	}
	if v, present := raw["aud"]; present {
		aud, err := stringList(v)
		if err != nil {
			return jwtClaims{}, err
		}
		out.Audience = aud
	}
	if v, present := raw["iss"]; present {
		iss, ok := v.(string)
		if !ok {
			return jwtClaims{}, ErrInvalidCredentials
		}
		out.Issuer = iss
	}
	return out, nil
}

// stringList accepts a string or an array of strings.
func stringList(v any) ([]string, error) {
	switch x := v.(type) {
	case string:
		return []string{x}, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, ErrInvalidCredentials
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, ErrInvalidCredentials
	}
}

func requiredTimestamp(claims map[string]any, key string) (int64, error) {
	v, ok := claims[key]
	if !ok {
		return 0, ErrInvalidCredentials
	}
	ts, err := parseUnixTimestamp(v)
	if err != nil {
		return 0, ErrInvalidCredentials
	}
	return ts, nil
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func splitJWTParts(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxJWTLen {
		return "", "", "", false
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", "", "", false
	}
	payloadB64, sigB64, found = strings.Cut(rest, ".")
	if !found || strings.Contains(sigB64, ".") {
		return "", "", "", false
	}
	if len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	if !isBase64urlNoPad(headerB64, maxJWTHeaderB64Len) ||
		!isBase64urlNoPad(payloadB64, maxJWTPayloadB64Len) ||
		!isBase64urlNoPad(sigB64, hmacSHA256SigB64Len) {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}

// isBase64urlNoPad reports whether raw is canonical base64url without
// padding: valid alphabet, no length%4==1, and zero unused trailing bits.
func isBase64urlNoPad(raw string, maxLen int) bool {
	if raw == "" || len(raw) > maxLen || len(raw)%4 == 1 {
		return false
	}
	for i := 0; i < len(raw); i++ {
		if _, ok := b64urlValue(raw[i]); !ok {
			return false
		}
	}
	last, _ := b64urlValue(raw[len(raw)-1])
	switch len(raw) % 4 {
	case 2:
		return last&0x0f == 0
	case 3:
		return last&0x03 == 0
	default:
		return true
	}
}

func b64urlValue(b byte) (byte, bool) {
	switch {
	case b >= 'A' && b <= 'Z':
		return b - 'A', true
	case b >= 'a' && b <= 'z':
		return b - 'a' + 26, true
	case b >= '0' && b <= '9':
		return b - '0' + 52, true
	case b == '-':
		return 62, true
	case b == '_':
		return 63, true
	default:
		return 0, false
	}
}

func parseUnixTimestamp(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	default:
		return 0, fmt.Errorf("invalid timestamp %T", v)
	}
}
