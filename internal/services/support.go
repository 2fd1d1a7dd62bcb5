package services

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

const defaultCompensationTimeout = 10 * time.Second

type noopMetrics struct{}

func (noopMetrics) Incr(context.Context, string, map[string]string) {}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, Notification) error { return nil }

func defaultIDGenerator() string {
	return ulid.Make().String()
}

func noopLogger(context.Context, string, map[string]any) {}

// detached returns a context that survives cancellation of ctx, bounded by timeout.
func detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultCompensationTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
