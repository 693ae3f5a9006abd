package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sendme/contract"
	"sendme/domain"

	"github.com/jonboulle/clockwork"
)

// Machine is the single writer of session state. Every change goes through
// Advance, which applies one event on the latest stored version and retries
// on compare-and-swap conflicts.
type Machine struct {
	log       *slog.Logger
	directory contract.SessionDirectory
	clock     clockwork.Clock
	limits    domain.Limits
}

func NewMachine(log *slog.Logger, directory contract.SessionDirectory, clock clockwork.Clock, limits domain.Limits) *Machine {
	return &Machine{log: log, directory: directory, clock: clock, limits: limits}
}

// Start registers a new session for sender. When invitee is not empty only
// that participant may join it.
func (m *Machine) Start(ctx context.Context, sender, invitee domain.ParticipantID, descriptor domain.ContentDescriptor) (domain.SessionID, error) {
	s, err := domain.NewSession(domain.NewSessionID(), sender, descriptor, m.limits, m.clock.Now())
	if err != nil {
		return "", err
	}
	s.Invitee = invitee
	created, err := m.directory.Create(ctx, s)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	m.log.Info("Session created",
		"session_id", created.ID,
		"sender", sender,
		"size", descriptor.Size,
		"chunks", descriptor.ChunkCount)
	return created.ID, nil
}

// SessionHandle is what a participant holds after joining.
type SessionHandle struct {
	Session     domain.Session
	Participant domain.ParticipantID
}

// Join makes participant the receiver of the session and publishes the
// endpoint the sender must dial.
func (m *Machine) Join(ctx context.Context, id domain.SessionID, participant domain.ParticipantID, endpoint string) (SessionHandle, error) {
	s, err := m.Advance(ctx, id, domain.Joined{Participant: participant, Endpoint: endpoint})
	if err != nil {
		return SessionHandle{}, err
	}
	return SessionHandle{Session: s, Participant: participant}, nil
}

// Advance applies evt to the stored session. Replaying an event that was
// already applied returns the current session unchanged.
func (m *Machine) Advance(ctx context.Context, id domain.SessionID, evt domain.Event) (domain.Session, error) {
	return m.AdvanceWith(ctx, id, func(domain.Session) domain.Event { return evt })
}

// AdvanceWith derives the event from the latest stored session, for events
// bound to the current epoch.
func (m *Machine) AdvanceWith(ctx context.Context, id domain.SessionID, build func(domain.Session) domain.Event) (domain.Session, error) {
	var applied domain.Event
	s, err := m.directory.Update(ctx, id, func(current domain.Session) (domain.Session, bool, error) {
		applied = build(current)
		return current.Apply(applied, m.clock.Now())
	})
	if err != nil {
		return s, err
	}
	m.log.Debug("Session advanced",
		"session_id", id,
		"event", applied.Type(),
		"state", s.State,
		"epoch", s.Epoch,
		"version", s.Version)
	return s, nil
}

func (m *Machine) Get(ctx context.Context, id domain.SessionID) (domain.Session, error) {
	return m.directory.Get(ctx, id)
}

func (m *Machine) Watch(ctx context.Context, id domain.SessionID) (<-chan domain.Session, error) {
	return m.directory.Watch(ctx, id)
}
