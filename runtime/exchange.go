package runtime

import (
	"context"
	"fmt"
	"sendme/domain"
	"sendme/errors"
	"sendme/transport"
	"time"

	"github.com/jonboulle/clockwork"
)

type inbound struct {
	frame transport.Frame
	err   error
}

// receiveAll turns ch into a Go channel so a round can select on frames,
// timers and cancellation at once. It stops after the first error.
func receiveAll(ctx context.Context, ch transport.Channel) <-chan inbound {
	out := make(chan inbound)
	go func() {
		defer close(out)
		for {
			f, err := ch.Receive(ctx)
			select {
			case out <- inbound{frame: f, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// awaitFrame waits for the next frame of the given kind, skipping others.
// A Bye or a silent peer ends the round.
func awaitFrame(ctx context.Context, clock clockwork.Clock, timeout time.Duration, in <-chan inbound, kind transport.Kind) (transport.Frame, error) {
	timer := clock.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return transport.Frame{}, ctx.Err()
		case <-timer.Chan():
			return transport.Frame{}, fmt.Errorf("%w: no %s within %s", errors.ErrChannelLost, kind, timeout)
		case msg, ok := <-in:
			if !ok {
				return transport.Frame{}, fmt.Errorf("%w: channel closed waiting for %s", errors.ErrChannelLost, kind)
			}
			if msg.err != nil {
				return transport.Frame{}, msg.err
			}
			switch msg.frame.Kind {
			case kind:
				return msg.frame, nil
			case transport.KindBye:
				return transport.Frame{}, peerLeft(msg.frame)
			}
		}
	}
}

func peerLeft(f transport.Frame) error {
	return fmt.Errorf("%w: peer left: %s", errors.ErrChannelLost, f.Reason)
}

func superseded(s domain.Session, epoch uint64) error {
	return fmt.Errorf("%w: epoch %d superseded, session is %s at epoch %d", errors.ErrChannelLost, epoch, s.State, s.Epoch)
}

func closedWhile(doing string) error {
	return fmt.Errorf("%w: channel closed while %s", errors.ErrChannelLost, doing)
}
