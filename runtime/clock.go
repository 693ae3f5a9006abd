package runtime

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Sleep waits for d on clock, or returns the context error first.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}
