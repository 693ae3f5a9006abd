package runtime

import (
	"context"
	"sendme/domain"
	"sync"
)

const progressBuffer = 16

// Progress is what callers observe of a session.
type Progress struct {
	Session domain.SessionID
	State   domain.State
	Percent int
	Failure string
}

// Done reports whether no further progress will follow.
func (p Progress) Done() bool {
	return p.State.IsTerminal()
}

type feed struct {
	subscribers map[chan Progress]struct{}
	cancel      context.CancelFunc
}

// Registry fans session progress out to subscribers and keeps the highest
// percentage seen per live session, so progress never goes backwards even
// when a verification pass clears acknowledged chunks. The mark is dropped
// once the session is terminal.
type Registry struct {
	mu    sync.Mutex
	feeds map[domain.SessionID]*feed
	high  map[domain.SessionID]int
}

func NewRegistry() *Registry {
	return &Registry{
		feeds: make(map[domain.SessionID]*feed),
		high:  make(map[domain.SessionID]int),
	}
}

// Subscribe registers a new progress channel for a session. The boolean is
// true for the first subscriber, which must then Attach a feed.
func (r *Registry) Subscribe(id domain.SessionID) (chan Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.feeds[id]
	if !ok {
		f = &feed{subscribers: make(map[chan Progress]struct{})}
		r.feeds[id] = f
	}
	ch := make(chan Progress, progressBuffer)
	f.subscribers[ch] = struct{}{}
	return ch, !ok
}

// Attach records how to stop the goroutine feeding a session.
func (r *Registry) Attach(id domain.SessionID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.feeds[id]; ok {
		f.cancel = cancel
		return
	}
	cancel()
}

// Unsubscribe closes ch. The feed stops once its last subscriber left.
func (r *Registry) Unsubscribe(id domain.SessionID, ch chan Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.feeds[id]
	if !ok {
		return
	}
	if _, ok := f.subscribers[ch]; !ok {
		return
	}
	delete(f.subscribers, ch)
	close(ch)
	if len(f.subscribers) == 0 {
		r.drop(id, f)
	}
}

// Publish hands the progress of s to every subscriber. Slow subscribers lose
// intermediate values, never the latest one. Subscribers are closed once the
// session is terminal.
func (r *Registry) Publish(s domain.Session) Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.observe(s)
	f, ok := r.feeds[s.ID]
	if !ok {
		return p
	}
	for ch := range f.subscribers {
		offer(ch, p)
	}
	if p.Done() {
		for ch := range f.subscribers {
			close(ch)
		}
		r.drop(s.ID, f)
	}
	return p
}

// Observe returns the monotonic progress of s without publishing it.
func (r *Registry) Observe(s domain.Session) Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observe(s)
}

// Close ends every subscription of a session, for instance when the session
// disappeared from the directory.
func (r *Registry) Close(id domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.feeds[id]
	if !ok {
		return
	}
	for ch := range f.subscribers {
		close(ch)
	}
	r.drop(id, f)
}

func (r *Registry) Subscribers(id domain.SessionID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.feeds[id]; ok {
		return len(f.subscribers)
	}
	return 0
}

func (r *Registry) observe(s domain.Session) Progress {
	percent := max(r.high[s.ID], s.Percent())
	if s.State != domain.StateCompleted {
		percent = min(percent, 99)
	}
	if s.State.IsTerminal() {
		delete(r.high, s.ID)
	} else {
		r.high[s.ID] = percent
	}
	return Progress{Session: s.ID, State: s.State, Percent: percent, Failure: s.Failure}
}

func (r *Registry) drop(id domain.SessionID, f *feed) {
	delete(r.feeds, id)
	if f.cancel != nil {
		f.cancel()
	}
}

func offer(ch chan Progress, p Progress) {
	select {
	case ch <- p:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- p:
	default:
	}
}
