// Package async provides safe concurrent execution primitives for background
// tasks: panic recovery, timeout enforcement and context cancellation.
package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/casaflow/gateway/pkg/observability"
)

// SafeGo executes a function in a goroutine with context cancellation,
// panic recovery and timeout enforcement.
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
//
//	async.SafeGo(ctx, logger, 5*time.Second, "last-used update", func(ctx context.Context) error {
//		return store.TouchLastUsed(ctx, keyID)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithField("task", taskName).
					Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithField("task", taskName).WithError(err).Warn("background task failed")
		}
	}()
}

// Group runs a fixed set of long-lived workers and waits for them on Stop.
// Workers receive a context that is cancelled when Stop is called; each
// worker runs with panic recovery so one crashing worker cannot take the
// process down.
type Group struct {
	eg     *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	logger *observability.Logger
	name   string
}

// NewGroup creates a worker group tied to parentCtx.
func NewGroup(parentCtx context.Context, logger *observability.Logger, name string) *Group {
	ctx, cancel := context.WithCancel(parentCtx)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{eg: eg, ctx: ctx, cancel: cancel, logger: logger, name: name}
}

// Go starts a worker. The worker should return when its context is cancelled.
func (g *Group) Go(fn func(context.Context) error) {
	g.eg.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				g.logger.WithField("group", g.name).
					Errorf("worker panic: %v\n%s", r, debug.Stack())
				err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		return fn(g.ctx)
	})
}

// Stop cancels the group's context and waits for all workers to return.
func (g *Group) Stop() error {
	g.cancel()
	return g.eg.Wait()
}
