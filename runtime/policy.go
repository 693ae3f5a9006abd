package runtime

import (
	"fmt"
	"sendme/domain"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Backoff grows the wait before each retransmission of the same chunk:
// Base, Base*Factor, Base*Factor^2, ... never above Cap.
type Backoff struct {
	Base   time.Duration `validate:"gt=0"`
	Factor float64       `validate:"gte=1"`
	Cap    time.Duration `validate:"gtefield=Base"`
}

// Schedule returns a fresh schedule without jitter that never gives up.
// Attempt limits are enforced by the caller.
func (b Backoff) Schedule(clock backoff.Clock) *backoff.ExponentialBackOff {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     b.Base,
		RandomizationFactor: 0,
		Multiplier:          b.Factor,
		MaxInterval:         b.Cap,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	eb.Reset()
	return eb
}

// Delay returns the wait after the given number of attempts (1 for the first send).
func (b Backoff) Delay(attempt int) time.Duration {
	schedule := b.Schedule(backoff.SystemClock)
	d := schedule.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = schedule.NextBackOff()
	}
	return d
}

// Policy gathers every knob of a participant task.
type Policy struct {
	ChunkSize        int           `validate:"gt=0,lte=4194304"`
	MaxChunkSize     int           `validate:"gt=0,lte=4194304"`
	Window           int           `validate:"gt=0,lte=1024"`
	AckBackoff       Backoff
	MaxChunkAttempts int           `validate:"gt=0"`
	HandshakeTimeout time.Duration `validate:"gt=0"`
	HeartbeatEvery   time.Duration `validate:"gt=0"`
	HeartbeatTimeout time.Duration `validate:"gtfield=HeartbeatEvery"`
	Limits           domain.Limits
	Compress         bool
}

func DefaultPolicy() Policy {
	return Policy{
		ChunkSize:        domain.DefaultChunkSize,
		MaxChunkSize:     domain.MaxChunkSize,
		Window:           8,
		AckBackoff:       Backoff{Base: 500 * time.Millisecond, Factor: 2, Cap: 8 * time.Second},
		MaxChunkAttempts: 6,
		HandshakeTimeout: 10 * time.Second,
		HeartbeatEvery:   5 * time.Second,
		HeartbeatTimeout: 15 * time.Second,
		Limits:           domain.DefaultLimits,
		Compress:         true,
	}
}

func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	return nil
}
