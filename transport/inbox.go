package transport

import (
	"context"
	"sendme/domain"
	"sync"
)

// Inbox parks incoming channels until the receiver of their session accepts
// them. Hand-off is synchronous: a channel is either accepted or given back.
type Inbox struct {
	mu    sync.Mutex
	slots map[domain.SessionID]*slot
}

type slot struct {
	ch    chan Channel
	users int
}

func NewInbox() *Inbox {
	return &Inbox{slots: make(map[domain.SessionID]*slot)}
}

// Deliver blocks until ch is accepted for session or ctx ends.
func (in *Inbox) Deliver(ctx context.Context, session domain.SessionID, ch Channel) error {
	s := in.acquire(session)
	defer in.release(session, s)

	select {
	case s.ch <- ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Inbox) Accept(ctx context.Context, session domain.SessionID) (Channel, error) {
	s := in.acquire(session)
	defer in.release(session, s)

	select {
	case ch := <-s.ch:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (in *Inbox) acquire(session domain.SessionID) *slot {
	in.mu.Lock()
	defer in.mu.Unlock()
	s, ok := in.slots[session]
	if !ok {
		s = &slot{ch: make(chan Channel)}
		in.slots[session] = s
	}
	s.users++
	return s
}

func (in *Inbox) release(session domain.SessionID, s *slot) {
	in.mu.Lock()
	defer in.mu.Unlock()
	s.users--
	if s.users == 0 {
		delete(in.slots, session)
	}
}
