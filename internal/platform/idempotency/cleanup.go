package idempotency

import (
	"context"
	"time"
)

// RunCleanup deletes expired records every interval until ctx is cancelled. It blocks; run it in a goroutine.
func RunCleanup(ctx context.Context, store Store, interval time.Duration, batchSize int, logger Logger) {
	if store == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			removed, err := store.CleanupExpired(ctx, tick.UTC(), batchSize)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger(ctx, "idempotency.cleanup.failed", map[string]any{"error": err.Error()})
				continue
			}
			if removed > 0 {
				logger(ctx, "idempotency.cleanup.removed", map[string]any{"count": removed})
			}
		}
	}
}
