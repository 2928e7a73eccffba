package platforms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dotsetgreg/mingle/pkg/logger"
)

const subscribeAttempts = 3

// Doubled per attempt. Variable so tests can shorten the waits.
var subscribeBackoffBase = time.Second

// RunSubscription supervises a push platform's long-lived subscription.
// Conflicts ("already subscribed elsewhere") are retried with exponential
// backoff; when attempts are exhausted the pending-update buffer is
// destructively reset as a last resort and one final attempt is made.
// A remaining failure is fatal to this platform's ingestion only.
func RunSubscription(ctx context.Context, p Platform) error {
	sub, ok := p.(Subscriber)
	if !ok {
		return fmt.Errorf("platform %s does not support subscriptions", p.Name())
	}

	var lastErr error
	for attempt := 0; attempt < subscribeAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		logger.InfoCF(p.Name(), "Starting subscription", map[string]any{
			"attempt": attempt + 1,
			"of":      subscribeAttempts,
		})

		err := sub.Subscribe(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrConflict) {
			logger.WarnCF(p.Name(), "Subscription conflict detected", map[string]any{
				"attempt": attempt + 1,
				"error":   err.Error(),
			})
		} else {
			logger.ErrorCF(p.Name(), "Subscription failed", map[string]any{
				"attempt": attempt + 1,
				"error":   err.Error(),
			})
		}

		if !sleepCtx(ctx, subscribeBackoffBase<<attempt) {
			return nil
		}
	}

	if r, ok := p.(Resettable); ok {
		logger.WarnC(p.Name(), "Retries exhausted, resetting pending updates as last resort")
		if err := r.ResetPending(ctx); err != nil {
			return fmt.Errorf("reset pending updates for %s: %w", p.Name(), err)
		}
		err := sub.Subscribe(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		lastErr = err
	}

	logger.ErrorCF(p.Name(), "Subscription unrecoverable, stopping ingestion", map[string]any{
		"error": lastErr.Error(),
	})
	return fmt.Errorf("subscription for %s failed after recovery: %w", p.Name(), lastErr)
}

// sleepCtx waits for d, returning false if ctx was canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
