package transport

import (
	"context"
	"fmt"
	"sendme/domain"
	"sendme/errors"
	"sync"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

// MsgStream is the part of a gRPC client or server stream a channel needs.
type MsgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// StreamChannel adapts a gRPC stream to a Channel. A background pump reads
// the stream so that Receive can honour its context.
type StreamChannel struct {
	session domain.SessionID
	stream  MsgStream
	onClose func()

	sendMu sync.Mutex
	frames chan Frame

	closeOnce sync.Once
	closed    chan struct{}

	failOnce sync.Once
	broken   chan struct{}
	cause    error
}

func NewStreamChannel(session domain.SessionID, stream MsgStream, onClose func()) *StreamChannel {
	c := &StreamChannel{
		session: session,
		stream:  stream,
		onClose: onClose,
		frames:  make(chan Frame, 16),
		closed:  make(chan struct{}),
		broken:  make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *StreamChannel) pump() {
	for {
		var msg wrapperspb.BytesValue
		if err := c.stream.RecvMsg(&msg); err != nil {
			c.fail(err)
			return
		}
		f, err := Decode(msg.GetValue())
		if err != nil {
			c.fail(err)
			return
		}
		select {
		case c.frames <- f:
		case <-c.closed:
			return
		}
	}
}

func (c *StreamChannel) fail(err error) {
	c.failOnce.Do(func() {
		c.cause = err
		close(c.broken)
	})
}

func (c *StreamChannel) lost() error {
	select {
	case <-c.broken:
		return fmt.Errorf("%w: session %s: %v", errors.ErrChannelLost, c.session, c.cause)
	default:
		return fmt.Errorf("%w: session %s: closed", errors.ErrChannelLost, c.session)
	}
}

func (c *StreamChannel) Send(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return c.lost()
	case <-c.broken:
		return c.lost()
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(wrapperspb.Bytes(Encode(f))); err != nil {
		c.fail(err)
		return c.lost()
	}
	return nil
}

func (c *StreamChannel) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.broken:
		select {
		case f := <-c.frames:
			return f, nil
		default:
			return Frame{}, c.lost()
		}
	case <-c.closed:
		return Frame{}, c.lost()
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *StreamChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

// Done is closed once the channel is closed locally or the stream broke.
func (c *StreamChannel) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-c.closed:
		case <-c.broken:
		}
	}()
	return done
}
