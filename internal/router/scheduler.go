package router

import (
	"context"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/registry"
)

// Scheduler runs collaborator calls without blocking the dispatch loop.
//
// Await runs call off the loop and later invokes resume with its result back
// on the loop. Frames from c that arrive in between must be held until resume
// has run. resume is never invoked once c has closed.
type Scheduler interface {
	Await(c *registry.Connection, call func(ctx context.Context) error, resume func(err error))
}

// InlineScheduler runs call and resume synchronously on the caller's
// goroutine.
type InlineScheduler struct{}

func (InlineScheduler) Await(c *registry.Connection, call func(ctx context.Context) error, resume func(err error)) {
	err := call(c.Context())
	if c.Closed() {
		return
	}
	resume(err)
}
