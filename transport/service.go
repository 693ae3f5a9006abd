package transport

import (
	"context"
	"fmt"
	"sendme/domain"
	"sendme/errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	ServiceName    = "sendme.transfer.v1.TransferService"
	ExchangeMethod = "/" + ServiceName + "/Exchange"

	// SessionMetadataKey routes a stream to the session it belongs to.
	SessionMetadataKey = "x-sendme-session"
	// AuthorizationMetadataKey carries "Bearer <token>".
	AuthorizationMetadataKey = "authorization"

	// MaxMessageSize bounds one Exchange message: a chunk of the largest
	// allowed size plus room for the frame header and an ack bitmap.
	MaxMessageSize = domain.MaxChunkSize + 1<<20
)

// ServerOptions lets a gRPC server take full chunks, which the default 4 MB
// receive limit does not.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	}
}

// DialOptions is the client side of ServerOptions.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	}
}

// ExchangeServer is implemented by the receiving side of the transfer service.
type ExchangeServer interface {
	Exchange(stream grpc.ServerStream) error
}

// ServiceDesc declares a single bidirectional stream whose messages are
// wrapperspb.BytesValue holding an encoded Frame.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExchangeServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "sendme/transfer.proto",
}

func exchangeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ExchangeServer).Exchange(stream)
}

// OutgoingContext attaches session routing and credentials to a client stream.
func OutgoingContext(ctx context.Context, session domain.SessionID, token string) context.Context {
	pairs := []string{SessionMetadataKey, string(session)}
	if token != "" {
		pairs = append(pairs, AuthorizationMetadataKey, "Bearer "+token)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

func SessionFromContext(ctx context.Context) (domain.SessionID, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", fmt.Errorf("%w: metadata is missing", errors.ErrSessionNotFound)
	}
	values := md.Get(SessionMetadataKey)
	if len(values) == 0 || values[0] == "" {
		return "", fmt.Errorf("%w: %s header is missing", errors.ErrSessionNotFound, SessionMetadataKey)
	}
	return domain.SessionID(values[0]), nil
}
