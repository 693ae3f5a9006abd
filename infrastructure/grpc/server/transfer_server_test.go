package server_test

import (
	"bytes"
	"context"
	"log/slog"
	"math/rand"
	"net"
	"sendme/auth"
	"sendme/domain"
	"sendme/errors"
	"sendme/infrastructure/grpc/client"
	"sendme/infrastructure/grpc/server"
	"sendme/mocks"
	"sendme/transport"
	"strings"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const bufnet = "passthrough:///bufnet"

func startServer(t *testing.T) (*server.TransferServer, *client.TransferDialer, *auth.Issuer) {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	issuer, err := auth.NewIssuer(auth.IssuerConfig{Secret: strings.Repeat("k", 32), TTL: time.Hour})
	require.NoError(t, err)

	// Every session of these tests is sent by alice
	ctrl := gomock.NewController(t)
	dir := mocks.NewMockSessionDirectory(ctrl)
	dir.EXPECT().Get(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, id domain.SessionID) (domain.Session, error) {
			if id == "unknown" {
				return domain.Session{}, errors.ErrSessionNotFound
			}
			return domain.Session{ID: id, Sender: "alice", Receiver: "bob"}, nil
		}).AnyTimes()

	lis := bufconn.Listen(1024 * 1024)
	opts := append(transport.ServerOptions(), grpc.StreamInterceptor(auth.StreamInterceptor(issuer)))
	g := grpc.NewServer(opts...)
	transfer := server.NewTransferServer(log, bufnet, dir)
	transfer.Register(g)
	go func() { _ = g.Serve(lis) }()

	dialer := client.NewTransferDialer(log,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	t.Cleanup(func() {
		_ = dialer.Close()
		g.Stop()
	})
	return transfer, dialer, issuer
}

func TestTransferServer_Exchange(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	transfer, dialer, issuer := startServer(t)
	token, err := issuer.Issue("alice")
	req.NoError(err)

	// Given the receiver waiting for session s-1
	accepted := make(chan transport.Channel, 1)
	go func() {
		ch, err := transfer.Accept(ctx, "s-1")
		if err == nil {
			accepted <- ch
		}
	}()

	// When the sender dials and says hello
	sender, err := dialer.Dial(ctx, transfer.Endpoint(), "s-1", token)
	req.NoError(err)
	defer sender.Close()
	req.NoError(sender.Send(ctx, transport.Frame{Kind: transport.KindHello, Session: "s-1", Epoch: 1, ChunkSize: 4096}))

	// Then the receiver gets the frame on the accepted channel
	var receiver transport.Channel
	select {
	case receiver = <-accepted:
	case <-ctx.Done():
		req.Fail("stream never accepted")
	}
	f, err := receiver.Receive(ctx)
	req.NoError(err)
	req.Equal(transport.KindHello, f.Kind)
	req.Equal(4096, f.ChunkSize)

	// And frames flow back
	req.NoError(receiver.Send(ctx, transport.Frame{Kind: transport.KindAck, Session: "s-1", Index: 3}))
	f, err = sender.Receive(ctx)
	req.NoError(err)
	req.Equal(transport.KindAck, f.Kind)
	req.Equal(3, f.Index)

	// When the sender hangs up
	req.NoError(sender.Close())

	// Then the receiver observes a lost channel
	_, err = receiver.Receive(ctx)
	req.ErrorIs(err, errors.ErrChannelLost)
}

func TestTransferServer_RejectsInvalidToken(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	transfer, dialer, _ := startServer(t)

	ch, err := dialer.Dial(ctx, transfer.Endpoint(), "s-1", "forged")
	req.NoError(err)
	defer ch.Close()

	_, err = ch.Receive(ctx)

	req.ErrorIs(err, errors.ErrChannelLost)
	req.Contains(err.Error(), "Unauthenticated")
}

func TestTransferServer_ReceiverCloseEndsStream(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	transfer, dialer, issuer := startServer(t)
	token, err := issuer.Issue("alice")
	req.NoError(err)

	accepted := make(chan transport.Channel, 1)
	go func() {
		ch, err := transfer.Accept(ctx, "s-2")
		if err == nil {
			accepted <- ch
		}
	}()
	sender, err := dialer.Dial(ctx, transfer.Endpoint(), "s-2", token)
	req.NoError(err)
	defer sender.Close()
	req.NoError(sender.Send(ctx, transport.Frame{Kind: transport.KindHello, Session: "s-2"}))

	receiver := <-accepted
	req.NoError(receiver.Close())

	_, err = sender.Receive(ctx)
	req.ErrorIs(err, errors.ErrChannelLost)
}

func TestTransferServer_RefusesOtherParticipants(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	transfer, dialer, issuer := startServer(t)

	// Given a receiver waiting for session s-3, sent by alice
	acceptCtx, stopAccept := context.WithTimeout(ctx, 300*time.Millisecond)
	defer stopAccept()
	accepted := make(chan error, 1)
	go func() {
		_, err := transfer.Accept(acceptCtx, "s-3")
		accepted <- err
	}()

	// When bob, who holds a valid token, opens a stream for it
	token, err := issuer.Issue("bob")
	req.NoError(err)
	ch, err := dialer.Dial(ctx, transfer.Endpoint(), "s-3", token)
	req.NoError(err)
	defer ch.Close()
	_ = ch.Send(ctx, transport.Frame{Kind: transport.KindHello, Session: "s-3", Epoch: 1, ChunkSize: 4096})
	_, err = ch.Receive(ctx)

	// Then the stream is refused and never reaches the receiver
	req.ErrorIs(err, errors.ErrChannelLost)
	req.Contains(err.Error(), "PermissionDenied")
	req.ErrorIs(<-accepted, context.DeadlineExceeded)
}

func TestTransferServer_RejectsUnknownSession(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	transfer, dialer, issuer := startServer(t)
	token, err := issuer.Issue("alice")
	req.NoError(err)

	ch, err := dialer.Dial(ctx, transfer.Endpoint(), "unknown", token)
	req.NoError(err)
	defer ch.Close()
	_, err = ch.Receive(ctx)

	req.ErrorIs(err, errors.ErrChannelLost)
	req.Contains(err.Error(), "NotFound")
}

func TestTransferServer_CarriesChunksOfMaximumSize(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	transfer, dialer, issuer := startServer(t)
	token, err := issuer.Issue("alice")
	req.NoError(err)

	accepted := make(chan transport.Channel, 1)
	go func() {
		ch, err := transfer.Accept(ctx, "s-4")
		if err == nil {
			accepted <- ch
		}
	}()
	sender, err := dialer.Dial(ctx, transfer.Endpoint(), "s-4", token)
	req.NoError(err)
	defer sender.Close()

	// Given a chunk of the largest size a receiver accepts
	payload := make([]byte, domain.MaxChunkSize)
	rand.New(rand.NewSource(4)).Read(payload)

	// When it is sent in one data frame
	req.NoError(sender.Send(ctx, transport.Frame{Kind: transport.KindData, Session: "s-4", Epoch: 1, Index: 0, Payload: payload, Checksum: "sum"}))

	// Then it arrives whole
	var receiver transport.Channel
	select {
	case receiver = <-accepted:
	case <-ctx.Done():
		req.Fail("stream never accepted")
	}
	f, err := receiver.Receive(ctx)
	req.NoError(err)
	req.Equal(transport.KindData, f.Kind)
	req.True(bytes.Equal(payload, f.Payload))

	// And the answer still flows back on the same stream
	req.NoError(receiver.Send(ctx, transport.Frame{Kind: transport.KindAck, Session: "s-4", Epoch: 1, Index: 0}))
	f, err = sender.Receive(ctx)
	req.NoError(err)
	req.Equal(transport.KindAck, f.Kind)
}
