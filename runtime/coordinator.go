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
	"sendme/domain/mimetypes"
	"sendme/errors"
	"sendme/runtime/workers"
	"sendme/transport"

	"github.com/jonboulle/clockwork"
)

// Coordinator is the entry point of the engine for callers. It creates and
// accepts transfers, exposes their progress and starts one supervised task
// per participant it hosts.
type Coordinator struct {
	log        *slog.Logger
	machine    *Machine
	directory  contract.SessionDirectory
	repository contract.ChunkRepository
	dialer     transport.Dialer
	acceptor   transport.Acceptor
	supervisor contract.ISupervisor
	registry   *Registry
	announcer  *announcer
	policy     Policy
	clock      clockwork.Clock

	ctx  context.Context
	stop context.CancelFunc
}

type CoordinatorOption func(*Coordinator)

func WithClock(clock clockwork.Clock) CoordinatorOption {
	return func(c *Coordinator) { c.clock = clock }
}

// WithNotifier enables push notifications to backgrounded counterparts.
func WithNotifier(notifier contract.Notifier) CoordinatorOption {
	return func(c *Coordinator) { c.announcer.notifier = notifier }
}

func NewCoordinator(
	log *slog.Logger,
	directory contract.SessionDirectory,
	repository contract.ChunkRepository,
	dialer transport.Dialer,
	acceptor transport.Acceptor,
	supervisor contract.ISupervisor,
	policy Policy,
	opts ...CoordinatorOption,
) (*Coordinator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		log:        log,
		directory:  directory,
		repository: repository,
		dialer:     dialer,
		acceptor:   acceptor,
		supervisor: supervisor,
		registry:   NewRegistry(),
		announcer:  &announcer{log: log, directory: directory, timeout: policy.HeartbeatTimeout},
		policy:     policy,
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.announcer.clock = c.clock
	c.machine = NewMachine(log, directory, c.clock, policy.Limits)
	c.ctx, c.stop = context.WithCancel(context.Background())
	return c, nil
}

// Close stops every task and progress feed and waits for the tasks to return.
func (c *Coordinator) Close() {
	c.stop()
	c.supervisor.Wait()
}

// CreateTransfer registers content for receiver and starts pushing it as soon
// as the receiver accepts. content must stay readable until the session ends.
func (c *Coordinator) CreateTransfer(
	ctx context.Context,
	sender domain.Identity,
	receiver domain.ParticipantID,
	name string,
	content io.ReaderAt,
	size int64,
) (domain.SessionID, error) {
	if err := sender.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", errors.ErrInvalidContent, err)
	}
	if size <= 0 {
		return "", fmt.Errorf("%w: size must be positive, got %d", errors.ErrInvalidContent, size)
	}
	descriptor, err := describe(name, content, size, c.policy.ChunkSize)
	if err != nil {
		return "", err
	}
	source, err := chunk.NewSource(content, size, descriptor.ChunkSize)
	if err != nil {
		return "", err
	}
	id, err := c.machine.Start(ctx, sender.Participant, receiver, descriptor)
	if err != nil {
		return "", surface(err)
	}

	c.supervisor.Start(c.ctx, NewSenderTask(c.log, c.machine, c.announcer, c.dialer, sender, id, source, c.policy, c.clock))
	c.supervisor.Start(c.ctx, c.heartbeat(id, sender.Participant))
	return id, nil
}

// AcceptTransfer joins the session as its receiver. The content is written to
// out once, after its digest was verified. The returned channel is closed
// when the session ends.
func (c *Coordinator) AcceptTransfer(ctx context.Context, id domain.SessionID, receiver domain.Identity, out io.Writer) (<-chan Progress, error) {
	if err := receiver.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrSessionClosed, err)
	}
	handle, err := c.machine.Join(ctx, id, receiver.Participant, c.acceptor.Endpoint())
	if err != nil {
		return nil, surface(err)
	}
	progress, err := c.Subscribe(ctx, id)
	if err != nil {
		return nil, err
	}
	c.log.Info("Transfer accepted",
		"session_id", id,
		"receiver", handle.Participant,
		"name", handle.Session.Content.Name,
		"size", handle.Session.Content.Size)

	task := NewReceiverTask(c.log, c.machine, c.announcer, c.acceptor, c.repository, receiver.Participant, id, out, c.policy, c.clock)
	c.supervisor.Start(c.ctx, task)
	c.supervisor.Start(c.ctx, c.heartbeat(id, receiver.Participant))
	return progress, nil
}

// Subscribe streams the progress of a session until it ends or ctx is done.
// Percentages never decrease and stay below 100 until the session completed.
func (c *Coordinator) Subscribe(ctx context.Context, id domain.SessionID) (<-chan Progress, error) {
	if _, err := c.machine.Get(ctx, id); err != nil {
		return nil, surface(err)
	}
	ch, first := c.registry.Subscribe(id)
	if first {
		feedCtx, cancel := context.WithCancel(c.ctx)
		c.registry.Attach(id, cancel)
		go c.feed(feedCtx, id)
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-c.ctx.Done():
		}
		c.registry.Unsubscribe(id, ch)
	}()
	return ch, nil
}

func (c *Coordinator) feed(ctx context.Context, id domain.SessionID) {
	updates, err := c.machine.Watch(ctx, id)
	if err != nil {
		c.log.Warn("Progress feed not started", "session_id", id, "error", err)
		c.registry.Close(id)
		return
	}
	for s := range updates {
		if p := c.registry.Publish(s); p.Done() {
			return
		}
	}
	if ctx.Err() == nil {
		c.registry.Close(id)
	}
}

func (c *Coordinator) Cancel(ctx context.Context, id domain.SessionID, by domain.ParticipantID) error {
	s, err := c.machine.Get(ctx, id)
	if err != nil {
		return surface(err)
	}
	if !s.Member(by) {
		return fmt.Errorf("%w: %s is not part of session %s", errors.ErrSessionNotFound, by, id)
	}
	if _, err := c.machine.Advance(ctx, id, domain.Cancelled{By: by}); err != nil {
		return surface(err)
	}
	c.log.Info("Transfer cancelled", "session_id", id, "by", by)
	return nil
}

// Pause stops chunk traffic. Acknowledged chunks are kept and the transfer
// resumes from them through a new negotiation round.
func (c *Coordinator) Pause(ctx context.Context, id domain.SessionID, by domain.ParticipantID) error {
	_, err := c.machine.AdvanceWith(ctx, id, func(s domain.Session) domain.Event {
		return domain.Paused{By: by, Epoch: s.Epoch}
	})
	return surface(err)
}

func (c *Coordinator) Resume(ctx context.Context, id domain.SessionID, by domain.ParticipantID) error {
	_, err := c.machine.AdvanceWith(ctx, id, func(s domain.Session) domain.Event {
		return domain.Resumed{By: by, Epoch: s.Epoch}
	})
	return surface(err)
}

// ProgressOf returns the current percentage of a session. A failed session
// reports ErrSessionFailed along with the percentage it reached.
func (c *Coordinator) ProgressOf(ctx context.Context, id domain.SessionID) (int, error) {
	s, err := c.machine.Get(ctx, id)
	if err != nil {
		return 0, surface(err)
	}
	p := c.registry.Observe(s)
	if s.State == domain.StateFailed {
		return p.Percent, fmt.Errorf("%w: %s", errors.ErrSessionFailed, s.Failure)
	}
	return p.Percent, nil
}

func (c *Coordinator) heartbeat(id domain.SessionID, participant domain.ParticipantID) contract.Worker {
	return workers.NewHeartbeatWorker(c.log, c.directory, id, participant, c.policy.HeartbeatEvery, c.policy.HeartbeatTimeout)
}

// describe reads content once to build its descriptor: type from the
// leading bytes, SHA-256 digest over the whole.
func describe(name string, content io.ReaderAt, size int64, chunkSize int) (domain.ContentDescriptor, error) {
	head := make([]byte, min(size, mimetypes.SniffLen))
	if n, err := content.ReadAt(head, 0); n < len(head) {
		return domain.ContentDescriptor{}, fmt.Errorf("%w: read content head: %v", errors.ErrInvalidContent, err)
	}
	digest, err := chunk.Digest(io.NewSectionReader(content, 0, size))
	if err != nil {
		return domain.ContentDescriptor{}, fmt.Errorf("%w: %v", errors.ErrInvalidContent, err)
	}
	return domain.NewContentDescriptor(name, size, chunkSize, digest, mimetypes.Detect(head))
}

// surface keeps internal retry signals away from callers. Anything that is
// not one of the caller-facing errors means the session cannot take the
// requested change.
func surface(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Surfaced(err):
		return err
	case stderrors.Is(err, errors.ErrInvalidTransition):
		return fmt.Errorf("%w: %v", errors.ErrSessionClosed, err)
	default:
		return err
	}
}
