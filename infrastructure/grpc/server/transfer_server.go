package server

import (
	"context"
	"log/slog"
	"sendme/auth"
	"sendme/contract"
	"sendme/domain"
	"sendme/errors"
	"sendme/transport"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TransferServer is the receiving end of the transfer service. Each incoming
// stream is parked until the receiver task of its session accepts it. Only the
// sender of a session may open a stream for it.
type TransferServer struct {
	log       *slog.Logger
	endpoint  string
	directory contract.SessionDirectory
	inbox     *transport.Inbox
}

func NewTransferServer(log *slog.Logger, endpoint string, directory contract.SessionDirectory) *TransferServer {
	return &TransferServer{
		log:       log,
		endpoint:  endpoint,
		directory: directory,
		inbox:     transport.NewInbox(),
	}
}

func (s *TransferServer) Register(g *grpc.Server) {
	g.RegisterService(&transport.ServiceDesc, s)
}

// Endpoint is the address published in the directory for senders to dial.
func (s *TransferServer) Endpoint() string {
	return s.endpoint
}

func (s *TransferServer) Accept(ctx context.Context, session domain.SessionID) (transport.Channel, error) {
	return s.inbox.Accept(ctx, session)
}

// Exchange holds the stream open until the accepted channel is closed or the
// client goes away.
func (s *TransferServer) Exchange(stream grpc.ServerStream) error {
	ctx := stream.Context()
	session, err := transport.SessionFromContext(ctx)
	if err != nil {
		return errors.MapToGRPCError(err)
	}
	if err := s.authorize(ctx, session); err != nil {
		return err
	}

	ch := transport.NewStreamChannel(session, stream, nil)
	defer ch.Close()

	if err := s.inbox.Deliver(ctx, session, ch); err != nil {
		s.log.Debug("stream dropped before being accepted", "session_id", session, "error", err)
		return status.FromContextError(err).Err()
	}
	s.log.Debug("stream accepted", "session_id", session)

	select {
	case <-ch.Done():
	case <-ctx.Done():
	}
	return nil
}

func (s *TransferServer) authorize(ctx context.Context, session domain.SessionID) error {
	caller, ok := auth.ParticipantFromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "caller is not authenticated")
	}
	current, err := s.directory.Get(ctx, session)
	if err != nil {
		return errors.MapToGRPCError(err)
	}
	if caller != current.Sender {
		s.log.Warn("stream refused", "session_id", session, "caller", caller)
		return status.Errorf(codes.PermissionDenied, "%s is not the sender of session %s", caller, session)
	}
	return nil
}
