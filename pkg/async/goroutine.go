// Package async provides helpers for running background work safely:
// panic recovery, timeouts, and logging instead of bare go statements.
package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/billsync/billsync/pkg/observability"
)

// SafeGo runs fn in a goroutine with a timeout, panic recovery, and
// error logging. Use it instead of a bare go statement for fire-and-forget
// work like triggered syncs.
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": fmt.Sprintf("%v", r),
					"stack": string(debug.Stack()),
				}).Error("panic in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Error("background task failed")
		}
	}()
}

// Periodic runs fn on a fixed interval until the context is canceled.
// Each run gets panic recovery; errors are logged and the loop continues.
func Periodic(ctx context.Context, logger *observability.Logger, interval time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run(ctx, logger, taskName, fn)
			}
		}
	}()
}

func run(ctx context.Context, logger *observability.Logger, taskName string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(map[string]interface{}{
				"task":  taskName,
				"panic": fmt.Sprintf("%v", r),
				"stack": string(debug.Stack()),
			}).Error("panic in periodic task")
		}
	}()

	if err := fn(ctx); err != nil {
		logger.WithError(err).WithField("task", taskName).Error("periodic task failed")
	}
}
