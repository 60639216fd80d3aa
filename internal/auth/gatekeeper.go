package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/protocol"
	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/store"
)

var (
	ErrForbidden   = errors.New("not authorized for device")
	ErrAuthTimeout = errors.New("authentication timeout")
)

// AccessList resolves the subjects allowed to reach a device. A device with
// no record (store.ErrNotFound) or an empty list is public.
type AccessList interface {
	AllowedUsers(ctx context.Context, deviceID string) ([]string, error)
}

type GatekeeperOptions struct {
	AdminGroups []string
	// AuthTimeout bounds Authenticate. Zero means no bound beyond ctx.
	AuthTimeout time.Duration
}

// Gatekeeper authenticates connect credentials and authorizes device access.
type Gatekeeper struct {
	verifier    Verifier
	access      AccessList
	adminGroups []string
	authTimeout time.Duration
}

func NewGatekeeper(verifier Verifier, access AccessList, opts GatekeeperOptions) *Gatekeeper {
	return &Gatekeeper{
		verifier:    verifier,
		access:      access,
		adminGroups: opts.AdminGroups,
		authTimeout: opts.AuthTimeout,
	}
}

// Authenticate verifies credential and returns the caller's identity. All
// failures are *protocol.Error values of kind auth.
func (g *Gatekeeper) Authenticate(ctx context.Context, credential string) (Identity, error) {
	if g.authTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.authTimeout)
		defer cancel()
	}

	type result struct {
		id  Identity
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := g.verifier.Verify(credential)
		done <- result{id: id, err: err}
	}()

	select {
	case <-ctx.Done():
		return Identity{}, protocol.AuthError(ErrAuthTimeout)
	case res := <-done:
		if res.err != nil {
			return Identity{}, protocol.AuthError(res.err)
		}
		res.id.Admin = g.isAdmin(res.id)
		return res.id, nil
	}
}

// Authorize reports whether id may reach deviceID. Admins and the device's
// recorded owner are always allowed.
func (g *Gatekeeper) Authorize(ctx context.Context, id Identity, deviceID, owner string) error {
	if id.Admin || (owner != "" && owner == id.Subject) {
		return nil
	}
	if g.access == nil {
		return nil
	}
	users, err := g.access.AllowedUsers(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(users) == 0 || containsString(users, id.Subject) {
		return nil
	}
	return protocol.ForbiddenError(ErrForbidden)
}

func (g *Gatekeeper) isAdmin(id Identity) bool {
	for _, group := range g.adminGroups {
		if id.InGroup(group) {
			return true
		}
	}
	return false
}
