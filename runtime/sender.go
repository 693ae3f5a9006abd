package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sendme/chunk"
	"sendme/domain"
	"sendme/errors"
	"sendme/transport"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
)

// SenderTask pushes the content of one session to its receiver. Each
// negotiation round dials the endpoint the receiver published, agrees on the
// chunk size and sends every chunk the receiver does not hold yet.
type SenderTask struct {
	participant
	dialer transport.Dialer
	source *chunk.Source
	token  string
	policy Policy
	clock  clockwork.Clock
}

func NewSenderTask(
	log *slog.Logger,
	machine *Machine,
	announcer *announcer,
	dialer transport.Dialer,
	identity domain.Identity,
	session domain.SessionID,
	source *chunk.Source,
	policy Policy,
	clock clockwork.Clock,
) *SenderTask {
	t := &SenderTask{
		dialer: dialer,
		source: source,
		token:  identity.Token,
		policy: policy,
		clock:  clock,
	}
	t.participant = participant{
		log:       log,
		machine:   machine,
		announcer: announcer,
		session:   session,
		self:      identity.Participant,
	}
	t.run = t.round
	return t
}

func (t *SenderTask) Run(ctx context.Context) error {
	return t.drive(ctx)
}

func (t *SenderTask) round(ctx context.Context, s domain.Session) error {
	if s.Retries > 0 {
		if err := Sleep(ctx, t.clock, t.policy.AckBackoff.Delay(s.Retries)); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := t.dialer.Dial(ctx, s.Endpoint, s.ID, t.token)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.Endpoint, err)
	}
	defer ch.Close()
	in := receiveAll(ctx, ch)

	proposed := t.policy.ChunkSize
	if !s.Acks.Empty() {
		proposed = s.Content.ChunkSize
	}
	err = ch.Send(ctx, transport.Frame{Kind: transport.KindHello, Session: s.ID, Epoch: s.Epoch, ChunkSize: proposed})
	if err != nil {
		return err
	}
	reply, err := awaitFrame(ctx, t.clock, t.policy.HandshakeTimeout, in, transport.KindHello)
	if err != nil {
		return err
	}
	if reply.Epoch != s.Epoch {
		return fmt.Errorf("%w: hello for epoch %d during epoch %d", errors.ErrChannelLost, reply.Epoch, s.Epoch)
	}
	held, err := reply.Bitmap()
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrChannelLost, err)
	}

	committed, err := t.machine.Advance(ctx, s.ID, domain.Committed{Epoch: s.Epoch, ChunkSize: reply.ChunkSize, Acks: held})
	if err != nil {
		return err
	}
	if committed.Epoch != s.Epoch || committed.State != domain.StateTransferring {
		return superseded(committed, s.Epoch)
	}

	source := t.source
	if committed.Content.ChunkSize != source.ChunkSize() {
		if source, err = source.Resize(committed.Content.ChunkSize); err != nil {
			return err
		}
	}
	err = ch.Send(ctx, transport.Frame{
		Kind:       transport.KindCommit,
		Session:    s.ID,
		Epoch:      s.Epoch,
		ChunkSize:  committed.Content.ChunkSize,
		ChunkCount: committed.Content.ChunkCount,
	})
	if err != nil {
		return err
	}

	t.log.Info("Round committed",
		"session_id", s.ID,
		"epoch", s.Epoch,
		"chunk_size", committed.Content.ChunkSize,
		"acknowledged", committed.Acks.String())
	return t.transfer(ctx, ch, in, committed, source)
}

type inflight struct {
	attempts int
	deadline time.Time
	backoff  *backoff.ExponentialBackOff
}

// transfer keeps up to Window chunks unacknowledged, always sending the
// lowest missing index next. An unacknowledged chunk is sent again once its
// backoff expires, and the round gives up after MaxChunkAttempts sends.
func (t *SenderTask) transfer(ctx context.Context, ch transport.Channel, in <-chan inbound, s domain.Session, source *chunk.Source) error {
	var (
		pending     = s.Acks.Missing()
		outstanding = make(map[int]*inflight)
		compress    = t.policy.Compress && chunk.ShouldCompress(s.Content.MimeType)
		timer       clockwork.Timer
		armedAt     time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	send := func(index int) error {
		state, ok := outstanding[index]
		if !ok {
			state = &inflight{backoff: t.policy.AckBackoff.Schedule(t.clock)}
			outstanding[index] = state
		}
		if state.attempts >= t.policy.MaxChunkAttempts {
			return fmt.Errorf("%w: chunk %d unacknowledged after %d attempts", errors.ErrChannelLost, index, state.attempts)
		}
		state.attempts++
		state.deadline = t.clock.Now().Add(state.backoff.NextBackOff())
		if state.attempts > 1 {
			t.log.Debug("Retransmitting chunk", "session_id", s.ID, "index", index, "attempt", state.attempts)
		}
		return t.push(ctx, ch, source, s, index, compress)
	}

	for {
		for len(outstanding) < t.policy.Window && len(pending) > 0 {
			index := pending[0]
			pending = pending[1:]
			if err := send(index); err != nil {
				return err
			}
		}

		var expired <-chan time.Time
		if len(outstanding) > 0 {
			earliest := lo.MinBy(lo.Values(outstanding), func(a, b *inflight) bool {
				return a.deadline.Before(b.deadline)
			}).deadline
			if timer == nil || !earliest.Equal(armedAt) {
				if timer != nil {
					timer.Stop()
				}
				timer, armedAt = t.clock.NewTimer(earliest.Sub(t.clock.Now())), earliest
			}
			expired = timer.Chan()
		} else if timer != nil {
			timer.Stop()
			timer = nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-expired:
			timer = nil
			now := t.clock.Now()
			due := lo.Filter(lo.Keys(outstanding), func(index int, _ int) bool {
				return !outstanding[index].deadline.After(now)
			})
			slices.Sort(due)
			for _, index := range due {
				if err := send(index); err != nil {
					return err
				}
			}

		case msg, ok := <-in:
			if !ok {
				return closedWhile("sending")
			}
			if msg.err != nil {
				return msg.err
			}
			f := msg.frame
			if f.Epoch != s.Epoch {
				continue
			}
			switch f.Kind {
			case transport.KindAck:
				delete(outstanding, f.Index)
			case transport.KindReverify:
				for _, index := range f.Indices {
					if index < 0 || index >= source.Count() {
						continue
					}
					if _, ok := outstanding[index]; ok {
						if err := send(index); err != nil {
							return err
						}
						continue
					}
					if !lo.Contains(pending, index) {
						pending = append(pending, index)
					}
				}
				slices.Sort(pending)
			case transport.KindDone:
				t.log.Info("Receiver confirmed the content", "session_id", s.ID, "digest", f.Digest)
				return nil
			case transport.KindBye:
				return peerLeft(f)
			}
		}
	}
}

func (t *SenderTask) push(ctx context.Context, ch transport.Channel, source *chunk.Source, s domain.Session, index int, compress bool) error {
	c, err := source.At(index)
	if err != nil {
		return err
	}
	f := transport.Frame{
		Kind:     transport.KindData,
		Session:  s.ID,
		Epoch:    s.Epoch,
		Index:    c.Index,
		Payload:  c.Payload,
		Checksum: c.Checksum,
	}
	if compress {
		packed, err := chunk.Compress(c.Payload)
		if err != nil {
			t.log.Debug("Sending chunk uncompressed", "session_id", s.ID, "index", index, "error", err)
		} else if len(packed) < len(c.Payload) {
			f.Payload, f.Compressed = packed, true
		}
	}
	return ch.Send(ctx, f)
}
