package telemetry

import (
	"context"
	"time"
)

// every calls fn once per interval until ctx is done or fn returns an error.
// With immediate set the first call happens before the first tick.
func every(ctx context.Context, interval time.Duration, immediate bool, fn func() error) error {
	if immediate {
		if err := fn(); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(); err != nil {
				return err
			}
		}
	}
}
