package transport

import (
	"context"
	"sendme/domain"
	"sendme/errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, hub *Hub, endpoint string, session domain.SessionID) (Channel, Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	acceptor := hub.Listen(endpoint)

	accepted := make(chan Channel, 1)
	go func() {
		ch, err := acceptor.Accept(ctx, session)
		if err == nil {
			accepted <- ch
		}
		close(accepted)
	}()

	dialer, err := hub.Dial(ctx, endpoint, session, "token")
	require.NoError(t, err)
	receiver, ok := <-accepted
	require.True(t, ok)
	return dialer, receiver
}

func TestHub_SendReceive(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub := NewHub()
	sender, receiver := connect(t, hub, "bob-device", "s-1")

	// When the sender pushes two frames
	req.NoError(sender.Send(ctx, Frame{Kind: KindHello, Session: "s-1", ChunkSize: 1024}))
	req.NoError(sender.Send(ctx, Frame{Kind: KindData, Session: "s-1", Index: 0, Payload: []byte("x")}))

	// Then they arrive in order
	f, err := receiver.Receive(ctx)
	req.NoError(err)
	req.Equal(KindHello, f.Kind)
	f, err = receiver.Receive(ctx)
	req.NoError(err)
	req.Equal(KindData, f.Kind)
	req.Equal([]byte("x"), f.Payload)

	// And the channel is duplex
	req.NoError(receiver.Send(ctx, Frame{Kind: KindAck, Index: 0}))
	f, err = sender.Receive(ctx)
	req.NoError(err)
	req.Equal(KindAck, f.Kind)
}

func TestHub_Drop(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub := NewHub()
	sender, receiver := connect(t, hub, "bob-device", "s-1")

	// Given a network losing data frame 1
	hub.SetFault(func(_ domain.SessionID, f Frame) Action {
		if f.Kind == KindData && f.Index == 1 {
			return Drop
		}
		return Deliver
	})

	for i := 0; i < 3; i++ {
		req.NoError(sender.Send(ctx, Frame{Kind: KindData, Index: i}))
	}

	// Then the receiver only sees 0 and 2
	f, err := receiver.Receive(ctx)
	req.NoError(err)
	req.Equal(0, f.Index)
	f, err = receiver.Receive(ctx)
	req.NoError(err)
	req.Equal(2, f.Index)
}

func TestHub_Corrupt(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub := NewHub()
	sender, receiver := connect(t, hub, "bob-device", "s-1")
	hub.SetFault(func(domain.SessionID, Frame) Action { return Corrupt })

	payload := []byte("abc")
	req.NoError(sender.Send(ctx, Frame{Kind: KindData, Payload: payload}))

	// Then the payload arrives altered and the caller's copy is untouched
	f, err := receiver.Receive(ctx)
	req.NoError(err)
	req.NotEqual([]byte("abc"), f.Payload)
	req.Equal([]byte("abc"), payload)
}

func TestHub_Sever(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub := NewHub()
	sender, receiver := connect(t, hub, "bob-device", "s-1")

	// Given a connection that dies while sending chunk 5
	hub.SetFault(func(_ domain.SessionID, f Frame) Action {
		if f.Kind == KindData && f.Index == 5 {
			return Sever
		}
		return Deliver
	})
	req.NoError(sender.Send(ctx, Frame{Kind: KindData, Index: 4}))

	err := sender.Send(ctx, Frame{Kind: KindData, Index: 5})

	// Then both sides report a lost channel, after queued frames drain
	req.ErrorIs(err, errors.ErrChannelLost)
	f, err := receiver.Receive(ctx)
	req.NoError(err)
	req.Equal(4, f.Index)
	_, err = receiver.Receive(ctx)
	req.ErrorIs(err, errors.ErrChannelLost)
	req.ErrorIs(sender.Send(ctx, Frame{Kind: KindData, Index: 6}), errors.ErrChannelLost)
}

func TestHub_SeverSession(t *testing.T) {
	req := require.New(t)
	hub := NewHub()
	sender, receiver := connect(t, hub, "bob-device", "s-1")

	hub.Sever("s-1")

	req.ErrorIs(sender.Send(context.Background(), Frame{Kind: KindAck}), errors.ErrChannelLost)
	_, err := receiver.Receive(context.Background())
	req.ErrorIs(err, errors.ErrChannelLost)
}

func TestHub_CloseIsSeenByPeer(t *testing.T) {
	req := require.New(t)
	hub := NewHub()
	sender, receiver := connect(t, hub, "bob-device", "s-1")

	req.NoError(receiver.Close())

	_, err := sender.Receive(context.Background())
	req.ErrorIs(err, errors.ErrChannelLost)
}

func TestHub_ReceiveHonoursContext(t *testing.T) {
	req := require.New(t)
	hub := NewHub()
	_, receiver := connect(t, hub, "bob-device", "s-1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := receiver.Receive(ctx)

	req.ErrorIs(err, context.DeadlineExceeded)
}

func TestHub_DialUnknownEndpoint(t *testing.T) {
	_, err := NewHub().Dial(context.Background(), "nowhere", "s-1", "")

	require.ErrorIs(t, err, errors.ErrChannelLost)
}

func TestInbox_DeliverTimesOutWithoutAcceptor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := NewInbox().Deliver(ctx, "s-1", nil)

	require.ErrorIs(t, err, context.DeadlineExceeded)
}
