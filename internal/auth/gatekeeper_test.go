package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/protocol"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/store"
)

type stubVerifier struct {
	id    Identity
	err   error
	delay time.Duration
}

func (s stubVerifier) Verify(string) (Identity, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.id, s.err
}

type mapAccessList map[string][]string

func (m mapAccessList) AllowedUsers(_ context.Context, deviceID string) ([]string, error) {
	users, ok := m[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return users, nil
}

func TestGatekeeper_Authenticate(t *testing.T) {
	g := NewGatekeeper(stubVerifier{id: Identity{Subject: "u", Groups: []string{"ADMINS"}}}, nil,
		GatekeeperOptions{AdminGroups: []string{"ADMINS"}, AuthTimeout: time.Second})

	id, err := g.Authenticate(context.Background(), "cred")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !id.Admin {
		t.Fatalf("expected admin identity, got %+v", id)
	}

	g = NewGatekeeper(stubVerifier{err: ErrInvalidCredentials}, nil, GatekeeperOptions{})
	_, err = g.Authenticate(context.Background(), "cred")
	if !protocol.IsKind(err, protocol.KindAuth) || !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want auth error wrapping ErrInvalidCredentials", err)
	}
}

func TestGatekeeper_AuthenticateTimeout(t *testing.T) {
	g := NewGatekeeper(stubVerifier{delay: 200 * time.Millisecond}, nil,
		GatekeeperOptions{AuthTimeout: 10 * time.Millisecond})

	_, err := g.Authenticate(context.Background(), "cred")
	if !errors.Is(err, ErrAuthTimeout) {
		t.Fatalf("err=%v, want ErrAuthTimeout", err)
	}
}

func TestGatekeeper_Authorize(t *testing.T) {
	access := mapAccessList{
		"public":  nil,
		"private": {"alice"},
	}
	g := NewGatekeeper(stubVerifier{}, access, GatekeeperOptions{})

	cases := []struct {
		name     string
		id       Identity
		deviceID string
		owner    string
		allowed  bool
	}{
		{"unknown device is public", Identity{Subject: "bob"}, "unlisted", "", true},
		{"empty list is public", Identity{Subject: "bob"}, "public", "", true},
		{"listed subject", Identity{Subject: "alice"}, "private", "", true},
		{"unlisted subject", Identity{Subject: "bob"}, "private", "", false},
		{"owner", Identity{Subject: "bob"}, "private", "bob", true},
		{"admin", Identity{Subject: "bob", Admin: true}, "private", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.Authorize(context.Background(), tc.id, tc.deviceID, tc.owner)
			if tc.allowed && err != nil {
				t.Fatalf("err=%v, want allowed", err)
			}
			if !tc.allowed && !protocol.IsKind(err, protocol.KindForbidden) {
				t.Fatalf("err=%v, want forbidden", err)
			}
		})
	}
}
