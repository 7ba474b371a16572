package simulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-livesim/internal/models"
)

// retry runs fn up to attempts times, doubling delay between failures.
// Errors wrapping ErrDataGap are returned at once. The final error wraps
// both ErrTransientIO and ErrExhaustedRetries.
func retry[T any](ctx context.Context, op string, attempts int, delay time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 1; i <= attempts; i++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, models.ErrDataGap) {
			return zero, err
		}
		lastErr = err
		log.WithError(err).WithFields(log.Fields{
			"op":      op,
			"attempt": i,
		}).Warn("Store read failed")
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return zero, fmt.Errorf("%s after %d attempts: %w: %w: %v", op, attempts, models.ErrExhaustedRetries, models.ErrTransientIO, lastErr)
}
