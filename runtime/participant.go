package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sendme/domain"
	"sendme/errors"
)

// round carries one negotiation epoch of a session, from handshake to the
// end of the transfer. It returns nil once the round settled on its own.
type round func(ctx context.Context, s domain.Session) error

type activeRound struct {
	epoch  uint64
	cancel context.CancelFunc
	done   chan error
}

func (r *activeRound) stop() {
	r.cancel()
	<-r.done
}

// participant follows a session in the directory on behalf of one side and
// runs exactly one round per negotiation epoch. A round is cancelled as soon
// as its epoch is over, the session pauses or ends.
type participant struct {
	log       *slog.Logger
	machine   *Machine
	announcer *announcer
	session   domain.SessionID
	self      domain.ParticipantID
	run       round
	finish    func(s domain.Session)
}

func (p *participant) drive(ctx context.Context) error {
	updates, err := p.machine.Watch(ctx, p.session)
	if stderrors.Is(err, errors.ErrSessionNotFound) {
		p.log.Info("Session gone, nothing to drive", "session_id", p.session)
		return nil
	}
	if err != nil {
		return err
	}

	var (
		active  *activeRound
		settled uint64
		last    domain.Session
	)
	defer func() {
		if active != nil {
			active.stop()
		}
	}()

	for {
		var done <-chan error
		if active != nil {
			done = active.done
		}
		select {
		case <-ctx.Done():
			return ctx.Err()

		case s, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.log.Info("Session removed while driving", "session_id", p.session)
				return nil
			}
			p.announcer.observe(ctx, last, s, p.self)
			last = s

			if active != nil && (active.epoch != s.Epoch || !carriesRound(s.State)) {
				active.stop()
				active = nil
			}
			if s.State.IsTerminal() {
				p.log.Info("Session settled",
					"session_id", s.ID,
					"participant", p.self,
					"state", s.State,
					"failure", s.Failure)
				if p.finish != nil {
					p.finish(s)
				}
				return nil
			}
			if active != nil || settled == s.Epoch {
				continue
			}
			switch s.State {
			case domain.StateNegotiating:
				active = p.start(ctx, s)
			case domain.StateTransferring:
				// Nobody carries this epoch any more, typically after a restart.
				if err := p.lose(ctx, s.Epoch, fmt.Errorf("no round running for epoch %d", s.Epoch)); err != nil {
					return err
				}
			}

		case err := <-done:
			epoch := active.epoch
			active = nil
			if err == nil {
				settled = epoch
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := p.lose(ctx, epoch, err); err != nil {
				return err
			}
		}
	}
}

func carriesRound(state domain.State) bool {
	return state == domain.StateNegotiating || state == domain.StateTransferring
}

func (p *participant) start(ctx context.Context, s domain.Session) *activeRound {
	roundCtx, cancel := context.WithCancel(ctx)
	r := &activeRound{epoch: s.Epoch, cancel: cancel, done: make(chan error, 1)}
	p.log.Debug("Round started", "session_id", s.ID, "participant", p.self, "epoch", s.Epoch)
	go func() {
		err := p.run(roundCtx, s)
		if roundCtx.Err() != nil && err != nil {
			err = roundCtx.Err()
		}
		r.done <- err
	}()
	return r
}

// lose reports the channel of epoch as lost. Both sides may do it for the
// same epoch; the second report is a no-op.
func (p *participant) lose(ctx context.Context, epoch uint64, cause error) error {
	p.log.Warn("Round failed, renegotiating",
		"session_id", p.session,
		"participant", p.self,
		"epoch", epoch,
		"error", cause)
	_, err := p.machine.Advance(ctx, p.session, domain.ChannelLost{Epoch: epoch})
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, errors.ErrSessionClosed), stderrors.Is(err, errors.ErrSessionNotFound):
		// The watch reports the terminal state.
		return nil
	default:
		return fmt.Errorf("report channel loss: %w", err)
	}
}
