package transport

import (
	"context"
	"fmt"
	"sendme/domain"
	"sendme/errors"
	"slices"
	"sync"
)

const defaultMemoryBuffer = 256

// Action is what a Fault does to a frame in flight.
type Action int

const (
	Deliver Action = iota
	// Drop loses the frame silently.
	Drop
	// Sever loses the frame and cuts the connection.
	Sever
	// Corrupt delivers the frame with its payload altered.
	Corrupt
)

// Fault decides the fate of each frame sent through a Hub.
type Fault func(session domain.SessionID, f Frame) Action

// Hub is an in-process network: endpoints are plain names and every
// connection is a pair of buffered queues. Faults can be injected per frame.
type Hub struct {
	mu        sync.Mutex
	acceptors map[string]*MemoryAcceptor
	links     map[domain.SessionID][]*link
	fault     Fault
	buffer    int
}

func NewHub() *Hub {
	return &Hub{
		acceptors: make(map[string]*MemoryAcceptor),
		links:     make(map[domain.SessionID][]*link),
		buffer:    defaultMemoryBuffer,
	}
}

func (h *Hub) SetFault(f Fault) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fault = f
}

// Sever cuts every open connection of a session.
func (h *Hub) Sever(session domain.SessionID) {
	h.mu.Lock()
	links := h.links[session]
	delete(h.links, session)
	h.mu.Unlock()
	for _, l := range links {
		l.sever()
	}
}

func (h *Hub) Listen(endpoint string) *MemoryAcceptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	a := &MemoryAcceptor{endpoint: endpoint, inbox: NewInbox()}
	h.acceptors[endpoint] = a
	return a
}

func (h *Hub) Dial(ctx context.Context, endpoint string, session domain.SessionID, _ string) (Channel, error) {
	h.mu.Lock()
	a, ok := h.acceptors[endpoint]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no listener at %q", errors.ErrChannelLost, endpoint)
	}

	l := &link{done: make(chan struct{})}
	toAcceptor := make(chan []byte, h.buffer)
	toDialer := make(chan []byte, h.buffer)
	dialer := &memoryChannel{hub: h, session: session, link: l, in: toDialer, out: toAcceptor}
	acceptor := &memoryChannel{hub: h, session: session, link: l, in: toAcceptor, out: toDialer}

	if err := a.inbox.Deliver(ctx, session, acceptor); err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	h.mu.Lock()
	h.links[session] = append(h.links[session], l)
	h.mu.Unlock()
	return dialer, nil
}

func (h *Hub) faultFor(session domain.SessionID, f Frame) Action {
	h.mu.Lock()
	fault := h.fault
	h.mu.Unlock()
	if fault == nil {
		return Deliver
	}
	return fault(session, f)
}

type MemoryAcceptor struct {
	endpoint string
	inbox    *Inbox
}

func (a *MemoryAcceptor) Endpoint() string {
	return a.endpoint
}

func (a *MemoryAcceptor) Accept(ctx context.Context, session domain.SessionID) (Channel, error) {
	return a.inbox.Accept(ctx, session)
}

type link struct {
	once sync.Once
	done chan struct{}
}

func (l *link) sever() {
	l.once.Do(func() { close(l.done) })
}

type memoryChannel struct {
	hub     *Hub
	session domain.SessionID
	link    *link
	in      <-chan []byte
	out     chan<- []byte
}

func (c *memoryChannel) lost() error {
	return fmt.Errorf("%w: session %s", errors.ErrChannelLost, c.session)
}

func (c *memoryChannel) Send(ctx context.Context, f Frame) error {
	select {
	case <-c.link.done:
		return c.lost()
	default:
	}
	switch c.hub.faultFor(c.session, f) {
	case Drop:
		return nil
	case Sever:
		c.link.sever()
		return c.lost()
	case Corrupt:
		if len(f.Payload) > 0 {
			f.Payload = slices.Clone(f.Payload)
			f.Payload[0] ^= 0xff
		}
	}
	select {
	case c.out <- Encode(f):
		return nil
	case <-c.link.done:
		return c.lost()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memoryChannel) Receive(ctx context.Context) (Frame, error) {
	select {
	case b := <-c.in:
		return Decode(b)
	case <-c.link.done:
		// Frames already queued before the cut are still delivered.
		select {
		case b := <-c.in:
			return Decode(b)
		default:
			return Frame{}, c.lost()
		}
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *memoryChannel) Close() error {
	c.link.sever()
	return nil
}
