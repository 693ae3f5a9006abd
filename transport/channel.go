// Package transport carries frames between the two participants of a session.
// A Channel never retries: a dropped connection surfaces as ErrChannelLost and
// the session state machine decides what happens next.
package transport

import (
	"context"
	"sendme/domain"
)

type Channel interface {
	// Send returns nil once the transport accepted the frame, the context
	// error on timeout, or ErrChannelLost when the connection is gone.
	Send(ctx context.Context, f Frame) error
	// Receive blocks until a frame arrives, ctx ends or the connection drops.
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

// Dialer opens a channel to the endpoint a receiver published in the directory.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, session domain.SessionID, token string) (Channel, error)
}

// Acceptor hands over the channels dialed to its endpoint, per session.
type Acceptor interface {
	Endpoint() string
	Accept(ctx context.Context, session domain.SessionID) (Channel, error)
}
