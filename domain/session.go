package domain

import (
	"fmt"
	"sendme/errors"
	"time"
)

// Limits are the retry budgets both participants of a session share.
type Limits struct {
	MaxRetries      int `validate:"gte=0"`
	MaxVerifyPasses int `validate:"gte=1"`
}

var DefaultLimits = Limits{MaxRetries: 5, MaxVerifyPasses: 3}

// Session is one content transfer between a sender and a receiver.
// Invitee, when set, is the only participant allowed to join as receiver.
// Version is owned by the directory and bumped on every committed write.
// Epoch counts negotiation rounds and is bumped each time the session
// (re-)enters Negotiating.
type Session struct {
	ID           SessionID
	Version      uint64
	Sender       ParticipantID
	Receiver     ParticipantID
	Invitee      ParticipantID
	Content      ContentDescriptor
	State        State
	Acks         Bitmap
	Epoch        uint64
	Retries      int
	Passes       int
	Limits       Limits
	Endpoint     string
	PausedBy     ParticipantID
	Failure      string
	CreatedAt    time.Time
	LastActivity time.Time
}

func NewSession(id SessionID, sender ParticipantID, content ContentDescriptor, limits Limits, now time.Time) (Session, error) {
	if err := content.Validate(); err != nil {
		return Session{}, err
	}
	if sender == "" {
		return Session{}, fmt.Errorf("%w: missing sender", errors.ErrInvalidContent)
	}
	if err := validate.Struct(limits); err != nil {
		return Session{}, fmt.Errorf("%w: %v", errors.ErrInvalidContent, err)
	}
	return Session{
		ID:           id,
		Sender:       sender,
		Content:      content,
		State:        StateCreated,
		Acks:         NewBitmap(content.ChunkCount),
		Limits:       limits,
		CreatedAt:    now,
		LastActivity: now,
	}, nil
}

func (s Session) Clone() Session {
	s.Acks = s.Acks.Clone()
	return s
}

// Member reports whether p is the sender or the joined receiver.
func (s Session) Member(p ParticipantID) bool {
	return p != "" && (p == s.Sender || p == s.Receiver)
}

// Counterpart returns the other participant, or "" when p is not part of the session.
func (s Session) Counterpart(p ParticipantID) ParticipantID {
	switch p {
	case s.Sender:
		return s.Receiver
	case s.Receiver:
		return s.Sender
	default:
		return ""
	}
}

// Percent is the share of acknowledged chunks, held below 100 until the
// session is Completed.
func (s Session) Percent() int {
	if s.State == StateCompleted {
		return 100
	}
	if s.Acks.Len() == 0 {
		return 0
	}
	return min(s.Acks.Count()*100/s.Acks.Len(), 99)
}

// Apply computes the session that results from evt. It never mutates s.
// The boolean is false when evt was already applied, in which case the
// returned session is s itself.
func (s Session) Apply(evt Event, now time.Time) (Session, bool, error) {
	next := s.Clone()
	var (
		changed bool
		err     error
	)
	if s.State.IsTerminal() {
		changed, err = next.applyTerminal(evt)
	} else {
		changed, err = next.apply(evt)
	}
	if err != nil {
		return s, false, fmt.Errorf("%s on %s session %s: %w", evt.Type(), s.State, s.ID, err)
	}
	if !changed {
		return s, false, nil
	}
	next.LastActivity = now
	return next, true, nil
}

func (s *Session) applyTerminal(evt Event) (bool, error) {
	switch e := evt.(type) {
	case Completed:
		if s.State == StateCompleted && e.Digest == s.Content.Digest {
			return false, nil
		}
	case Cancelled:
		if s.State == StateCancelled {
			return false, nil
		}
	case Failed:
		if s.State == StateFailed {
			return false, nil
		}
	case ChunkAcked:
		if s.Acks.Has(e.Index) {
			return false, nil
		}
	case ChannelLost:
		if e.Epoch < s.Epoch {
			return false, nil
		}
	case Committed:
		if e.Epoch < s.Epoch {
			return false, nil
		}
	case Paused:
		if e.Epoch < s.Epoch {
			return false, nil
		}
	case Resumed:
		if e.Epoch < s.Epoch {
			return false, nil
		}
	case VerificationFailed:
		if e.Pass <= s.Passes {
			return false, nil
		}
	}
	return false, errors.ErrSessionClosed
}

func (s *Session) apply(evt Event) (bool, error) {
	switch e := evt.(type) {
	case Joined:
		return s.join(e)
	case Committed:
		return s.commit(e)
	case ChunkAcked:
		if s.State == StateCreated {
			return false, errors.ErrInvalidTransition
		}
		if e.Index < 0 || e.Index >= s.Acks.Len() {
			return false, fmt.Errorf("%w: chunk index %d out of range", errors.ErrInvalidTransition, e.Index)
		}
		return s.Acks.Set(e.Index), nil
	case AcksMerged:
		merged, err := s.Acks.Or(e.Acks)
		if err != nil {
			return false, fmt.Errorf("%w: %v", errors.ErrInvalidTransition, err)
		}
		if s.Acks.Contains(e.Acks) {
			return false, nil
		}
		s.Acks = merged
		return true, nil
	case ChannelLost:
		return s.loseChannel(e)
	case Paused:
		return s.pause(e)
	case Resumed:
		return s.resume(e)
	case VerificationFailed:
		return s.failVerification(e)
	case Completed:
		if s.State != StateTransferring {
			return false, errors.ErrInvalidTransition
		}
		if !s.Acks.Complete() {
			return false, fmt.Errorf("%w: only %s chunks acknowledged", errors.ErrInvalidTransition, s.Acks)
		}
		if e.Digest != s.Content.Digest {
			return false, fmt.Errorf("%w: digest mismatch", errors.ErrInvalidTransition)
		}
		s.State = StateCompleted
		return true, nil
	case Cancelled:
		s.State = StateCancelled
		s.Failure = fmt.Sprintf("cancelled by %s", e.By)
		return true, nil
	case Failed:
		s.State = StateFailed
		s.Failure = e.Reason
		return true, nil
	default:
		return false, fmt.Errorf("%w: unsupported event %T", errors.ErrInvalidTransition, evt)
	}
}

func (s *Session) join(e Joined) (bool, error) {
	switch {
	case e.Participant == "":
		return false, fmt.Errorf("%w: missing participant", errors.ErrInvalidTransition)
	case e.Participant == s.Sender:
		return false, fmt.Errorf("%w: sender cannot join its own session", errors.ErrInvalidTransition)
	case s.Receiver == e.Participant:
		return false, nil
	case s.Receiver != "":
		return false, errors.ErrSessionClosed
	case s.Invitee != "" && e.Participant != s.Invitee:
		return false, fmt.Errorf("%w: session is reserved for %s", errors.ErrSessionClosed, s.Invitee)
	case s.State != StateCreated:
		return false, errors.ErrInvalidTransition
	}
	s.Receiver = e.Participant
	s.Endpoint = e.Endpoint
	s.State = StateNegotiating
	s.Epoch++
	return true, nil
}

func (s *Session) commit(e Committed) (bool, error) {
	if e.Epoch < s.Epoch || (e.Epoch == s.Epoch && s.State == StateTransferring) {
		return false, nil
	}
	if e.Epoch > s.Epoch || s.State != StateNegotiating {
		return false, errors.ErrInvalidTransition
	}
	content := s.Content
	acks := s.Acks
	reported := e.Acks
	if e.ChunkSize != 0 && e.ChunkSize != content.ChunkSize {
		if !acks.Empty() || !reported.Empty() {
			return false, fmt.Errorf("%w: chunk size is fixed once chunks are acknowledged", errors.ErrInvalidTransition)
		}
		resized, err := content.WithChunkSize(e.ChunkSize)
		if err != nil {
			return false, err
		}
		content = resized
		acks = NewBitmap(content.ChunkCount)
	}
	if reported.Len() == 0 {
		reported = NewBitmap(content.ChunkCount)
	}
	merged, err := acks.Or(reported)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errors.ErrInvalidTransition, err)
	}
	s.Content = content
	s.Acks = merged
	s.State = StateTransferring
	return true, nil
}

func (s *Session) loseChannel(e ChannelLost) (bool, error) {
	if e.Epoch < s.Epoch {
		return false, nil
	}
	if e.Epoch > s.Epoch {
		return false, errors.ErrInvalidTransition
	}
	switch s.State {
	case StatePaused:
		return false, nil
	case StateNegotiating, StateTransferring:
	default:
		return false, errors.ErrInvalidTransition
	}
	s.Retries++
	s.Epoch++
	if s.Retries > s.Limits.MaxRetries {
		s.State = StateFailed
		s.Failure = fmt.Sprintf("channel lost %d times", s.Retries)
		return true, nil
	}
	s.State = StateNegotiating
	return true, nil
}

func (s *Session) pause(e Paused) (bool, error) {
	if !s.Member(e.By) {
		return false, fmt.Errorf("%w: %q cannot pause session %s", errors.ErrInvalidTransition, e.By, s.ID)
	}
	if s.State == StatePaused || e.Epoch < s.Epoch {
		return false, nil
	}
	if e.Epoch > s.Epoch || (s.State != StateNegotiating && s.State != StateTransferring) {
		return false, errors.ErrInvalidTransition
	}
	s.State = StatePaused
	s.PausedBy = e.By
	return true, nil
}

func (s *Session) resume(e Resumed) (bool, error) {
	if !s.Member(e.By) {
		return false, fmt.Errorf("%w: %q cannot resume session %s", errors.ErrInvalidTransition, e.By, s.ID)
	}
	if e.Epoch < s.Epoch {
		return false, nil
	}
	if e.Epoch > s.Epoch {
		return false, errors.ErrInvalidTransition
	}
	switch s.State {
	case StatePaused:
	case StateNegotiating, StateTransferring:
		return false, nil
	default:
		return false, errors.ErrInvalidTransition
	}
	s.State = StateNegotiating
	s.PausedBy = ""
	s.Epoch++
	return true, nil
}

func (s *Session) failVerification(e VerificationFailed) (bool, error) {
	if e.Pass <= s.Passes {
		return false, nil
	}
	if e.Pass != s.Passes+1 || s.State != StateTransferring {
		return false, errors.ErrInvalidTransition
	}
	for _, idx := range e.Indices {
		if idx < 0 || idx >= s.Acks.Len() {
			return false, fmt.Errorf("%w: chunk index %d out of range", errors.ErrInvalidTransition, idx)
		}
	}
	s.Passes = e.Pass
	if s.Passes >= s.Limits.MaxVerifyPasses {
		s.State = StateFailed
		s.Failure = fmt.Sprintf("content digest mismatch after %d verification passes", s.Passes)
		return true, nil
	}
	for _, idx := range e.Indices {
		s.Acks.Clear(idx)
	}
	return true, nil
}
