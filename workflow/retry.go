package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/supply_backend/models"
)

// RetryOnConflict re-runs fn while it fails with ErrConcurrencyConflict, up to attempts times,
// backing off exponentially from 50ms. Any other error is returned at once.
func RetryOnConflict(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := 50 * time.Millisecond
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, models.ErrConcurrencyConflict) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
	}
	return err
}
