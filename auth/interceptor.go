package auth

import (
	"context"
	"sendme/domain"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type contextKey string

const ParticipantKey contextKey = "participant_id"

// StreamInterceptor handles JWT validation for incoming streams and injects
// the caller's participant id into the stream context.
func StreamInterceptor(issuer *Issuer) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		md, ok := metadata.FromIncomingContext(ss.Context())
		if !ok {
			return status.Error(codes.Unauthenticated, "metadata is missing")
		}

		values := md.Get("authorization")
		if len(values) == 0 {
			return status.Error(codes.Unauthenticated, "authorization token is missing")
		}

		// Expecting the standard "Bearer <token>" format
		claims, err := issuer.Validate(strings.TrimPrefix(values[0], "Bearer "))
		if err != nil {
			return status.Error(codes.Unauthenticated, "invalid or expired token")
		}

		ctx := context.WithValue(ss.Context(), ParticipantKey, domain.ParticipantID(claims.ParticipantID))
		return handler(srv, &authenticatedStream{ServerStream: ss, ctx: ctx})
	}
}

// ParticipantFromContext returns the participant authenticated by StreamInterceptor.
func ParticipantFromContext(ctx context.Context) (domain.ParticipantID, bool) {
	p, ok := ctx.Value(ParticipantKey).(domain.ParticipantID)
	return p, ok
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context {
	return s.ctx
}
