// Package async provides a supervised goroutine helper for fire-and-forget
// work spawned from request handlers, such as audit writes. A bare goroutine
// holding a request context dies with the request and takes the process down
// on panic; SafeGo detaches the deadline and contains failures.
package async

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/sandwichcloud/deli-counter/pkg/observability"
)

// SafeGo runs fn in a goroutine with its own timeout, panic recovery, and
// error logging. The context passed to fn is detached from parentCtx's
// cancellation so that work outlives the request that spawned it, but
// carries the parent's values.
func SafeGo(parentCtx context.Context, timeout time.Duration, task string,
	logger *observability.Logger, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"task":  task,
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("recovered panic in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", task).Error("background task failed")
		}
	}()
}
