package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sendme/chunk"
	"sendme/contract"
	"sendme/domain"
	"sendme/transport"
	"sync"

	"github.com/jonboulle/clockwork"
)

// ReceiverTask accepts the sender's channel for one session, stores every
// verified chunk and writes the assembled content to out once its digest
// matches the descriptor.
type ReceiverTask struct {
	participant
	acceptor transport.Acceptor
	repo     contract.ChunkRepository
	policy   Policy
	clock    clockwork.Clock

	mu      sync.Mutex
	out     io.Writer
	written bool
}

func NewReceiverTask(
	log *slog.Logger,
	machine *Machine,
	announcer *announcer,
	acceptor transport.Acceptor,
	repo contract.ChunkRepository,
	self domain.ParticipantID,
	session domain.SessionID,
	out io.Writer,
	policy Policy,
	clock clockwork.Clock,
) *ReceiverTask {
	t := &ReceiverTask{
		acceptor: acceptor,
		repo:     repo,
		policy:   policy,
		clock:    clock,
		out:      out,
	}
	t.participant = participant{
		log:       log,
		machine:   machine,
		announcer: announcer,
		session:   session,
		self:      self,
		finish:    t.release,
	}
	t.run = t.round
	return t
}

func (t *ReceiverTask) Run(ctx context.Context) error {
	return t.drive(ctx)
}

func (t *ReceiverTask) round(ctx context.Context, s domain.Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := t.acceptor.Accept(ctx, s.ID)
	if err != nil {
		return err
	}
	defer ch.Close()
	in := receiveAll(ctx, ch)

	hello, err := awaitFrame(ctx, t.clock, t.policy.HandshakeTimeout, in, transport.KindHello)
	if err != nil {
		return err
	}
	if hello.Epoch != s.Epoch {
		return fmt.Errorf("hello for epoch %d during epoch %d: %w", hello.Epoch, s.Epoch, closedWhile("negotiating"))
	}
	chunkSize, count, held, err := t.offer(s, hello.ChunkSize)
	if err != nil {
		return err
	}
	err = ch.Send(ctx, transport.Frame{
		Kind:       transport.KindHello,
		Session:    s.ID,
		Epoch:      s.Epoch,
		ChunkSize:  chunkSize,
		ChunkCount: count,
		Acks:       held.Bytes(),
	})
	if err != nil {
		return err
	}

	commit, err := awaitFrame(ctx, t.clock, t.policy.HandshakeTimeout, in, transport.KindCommit)
	if err != nil {
		return err
	}
	committed, err := t.machine.Get(ctx, s.ID)
	if err != nil {
		return err
	}
	if commit.Epoch != s.Epoch || committed.Epoch != s.Epoch || committed.State != domain.StateTransferring {
		return superseded(committed, s.Epoch)
	}
	return t.receive(ctx, ch, in, committed)
}

// offer picks the chunk size of the round. It follows the sender's proposal,
// capped by MaxChunkSize, until the first chunk is stored; from then on the
// session keeps the size it was cut at.
func (t *ReceiverTask) offer(s domain.Session, proposed int) (int, int, domain.Bitmap, error) {
	held, err := t.repo.Held(s.ID, s.Content.ChunkCount)
	if err != nil {
		return 0, 0, domain.Bitmap{}, err
	}
	if proposed <= 0 || !held.Empty() || !s.Acks.Empty() {
		return s.Content.ChunkSize, s.Content.ChunkCount, held, nil
	}
	size := min(proposed, t.policy.MaxChunkSize)
	count, err := domain.ChunkCount(s.Content.Size, size)
	if err != nil {
		return 0, 0, domain.Bitmap{}, err
	}
	return size, count, domain.NewBitmap(count), nil
}

func (t *ReceiverTask) receive(ctx context.Context, ch transport.Channel, in <-chan inbound, s domain.Session) error {
	epoch := s.Epoch
	for {
		if s.Acks.Complete() {
			settled, next, err := t.verify(ctx, ch, s)
			if err != nil || settled {
				return err
			}
			s = next
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return closedWhile("receiving")
			}
			if msg.err != nil {
				return msg.err
			}
			f := msg.frame
			if f.Epoch != epoch {
				continue
			}
			switch f.Kind {
			case transport.KindData:
				next, err := t.store(ctx, ch, s, f)
				if err != nil {
					return err
				}
				s = next
			case transport.KindBye:
				return peerLeft(f)
			}
		}
	}
}

// store verifies one data frame. A corrupt chunk is asked for again, a valid
// one is persisted before it is acknowledged.
func (t *ReceiverTask) store(ctx context.Context, ch transport.Channel, s domain.Session, f transport.Frame) (domain.Session, error) {
	if f.Index < 0 || f.Index >= s.Content.ChunkCount {
		t.log.Warn("Chunk index out of range", "session_id", s.ID, "index", f.Index)
		return s, nil
	}
	payload := f.Payload
	if f.Compressed {
		raw, err := chunk.Decompress(f.Payload, s.Content.ChunkLength(f.Index))
		if err != nil {
			t.log.Warn("Undecodable chunk, asking again", "session_id", s.ID, "index", f.Index, "error", err)
			return s, t.reverify(ctx, ch, s, []int{f.Index})
		}
		payload = raw
	}
	c := domain.Chunk{Index: f.Index, Payload: payload, Checksum: f.Checksum}
	if len(payload) != s.Content.ChunkLength(f.Index) || !chunk.Verify(c) {
		t.log.Warn("Corrupt chunk, asking again", "session_id", s.ID, "index", f.Index)
		return s, t.reverify(ctx, ch, s, []int{f.Index})
	}

	if err := t.repo.Put(s.ID, c); err != nil {
		return s, fmt.Errorf("persist chunk %d: %w", f.Index, err)
	}
	next, err := t.machine.Advance(ctx, s.ID, domain.ChunkAcked{Index: f.Index})
	if err != nil {
		return s, err
	}
	if next.Epoch != s.Epoch || next.State != domain.StateTransferring {
		return next, superseded(next, s.Epoch)
	}
	err = ch.Send(ctx, transport.Frame{Kind: transport.KindAck, Session: s.ID, Epoch: s.Epoch, Index: f.Index})
	return next, err
}

func (t *ReceiverTask) reverify(ctx context.Context, ch transport.Channel, s domain.Session, indices []int) error {
	return ch.Send(ctx, transport.Frame{Kind: transport.KindReverify, Session: s.ID, Epoch: s.Epoch, Indices: indices})
}

// verify assembles the stored chunks once every index is acknowledged. It
// reports true when the session settled, either Completed or Failed.
func (t *ReceiverTask) verify(ctx context.Context, ch transport.Channel, s domain.Session) (bool, domain.Session, error) {
	chunks, err := t.repo.Load(s.ID)
	if err != nil {
		return false, s, err
	}
	content, err := chunk.Assemble(chunks, s.Content.ChunkCount)
	var (
		bad         []int
		assemblyErr *chunk.AssemblyError
	)
	switch {
	case stderrors.As(err, &assemblyErr):
		bad = assemblyErr.Indices()
	case err != nil:
		return false, s, err
	case chunk.DigestBytes(content) != s.Content.Digest:
		bad = domain.NewBitmap(s.Content.ChunkCount).Missing()
	}

	if len(bad) > 0 {
		return t.reject(ctx, ch, s, bad)
	}

	if err := t.deliver(content); err != nil {
		failed, advanceErr := t.machine.Advance(ctx, s.ID, domain.Failed{Reason: err.Error()})
		if advanceErr != nil {
			return false, s, advanceErr
		}
		t.bye(ctx, ch, failed)
		return true, failed, nil
	}
	completed, err := t.machine.Advance(ctx, s.ID, domain.Completed{Digest: s.Content.Digest})
	if err != nil {
		return false, s, err
	}
	done := transport.Frame{Kind: transport.KindDone, Session: s.ID, Epoch: s.Epoch, Digest: s.Content.Digest}
	if err := ch.Send(ctx, done); err != nil {
		t.log.Debug("Done frame not sent", "session_id", s.ID, "error", err)
	}
	t.log.Info("Content received", "session_id", s.ID, "size", s.Content.Size, "digest", s.Content.Digest)
	return true, completed, nil
}

// reject drops the chunks that failed verification and asks for them again,
// unless the session ran out of verification passes.
func (t *ReceiverTask) reject(ctx context.Context, ch transport.Channel, s domain.Session, bad []int) (bool, domain.Session, error) {
	t.log.Warn("Content verification failed",
		"session_id", s.ID,
		"pass", s.Passes+1,
		"chunks", len(bad))
	if err := t.repo.Drop(s.ID, bad); err != nil {
		return false, s, err
	}
	next, err := t.machine.Advance(ctx, s.ID, domain.VerificationFailed{Pass: s.Passes + 1, Indices: bad})
	if err != nil {
		return false, s, err
	}
	if next.State == domain.StateFailed {
		t.bye(ctx, ch, next)
		return true, next, nil
	}
	if next.Epoch != s.Epoch || next.State != domain.StateTransferring {
		return false, next, superseded(next, s.Epoch)
	}
	return false, next, t.reverify(ctx, ch, next, bad)
}

func (t *ReceiverTask) bye(ctx context.Context, ch transport.Channel, s domain.Session) {
	if err := ch.Send(ctx, transport.Frame{Kind: transport.KindBye, Session: s.ID, Epoch: s.Epoch, Reason: s.Failure}); err != nil {
		t.log.Debug("Bye frame not sent", "session_id", s.ID, "error", err)
	}
}

// deliver writes the content at most once, even across rounds.
func (t *ReceiverTask) deliver(content []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.written {
		return nil
	}
	if _, err := t.out.Write(content); err != nil {
		return fmt.Errorf("write content: %w", err)
	}
	t.written = true
	return nil
}

func (t *ReceiverTask) release(s domain.Session) {
	if err := t.repo.DeleteSession(s.ID); err != nil {
		t.log.Warn("Stored chunks not released", "session_id", s.ID, "error", err)
	}
}
