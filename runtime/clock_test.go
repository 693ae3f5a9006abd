package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSleep_WakesWhenClockAdvances(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := clockwork.NewFakeClockAt(t0)

	// Given a sleep of one minute
	done := make(chan error, 1)
	go func() { done <- Sleep(ctx, clock, time.Minute) }()
	req.NoError(clock.BlockUntilContext(ctx, 1))

	// When the clock moves by less, nothing wakes up
	clock.Advance(30 * time.Second)
	select {
	case err := <-done:
		req.Failf("woke up early", "error: %v", err)
	case <-time.After(10 * time.Millisecond):
	}

	// Then it returns once the minute is over
	clock.Advance(30 * time.Second)
	req.NoError(<-done)
}

func TestSleep_StopsOnCancel(t *testing.T) {
	req := require.New(t)
	clock := clockwork.NewFakeClockAt(t0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req.ErrorIs(Sleep(ctx, clock, time.Minute), context.Canceled)
}

func TestSleep_RealClock(t *testing.T) {
	req := require.New(t)
	clock := clockwork.NewRealClock()

	before := clock.Now()
	req.NoError(Sleep(context.Background(), clock, time.Millisecond))
	req.True(clock.Now().After(before))
}
