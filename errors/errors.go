package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrWorkerPanic = fmt.Errorf("worker panic")

	// Surfaced to callers
	ErrInvalidContent  = fmt.Errorf("invalid content")
	ErrSessionNotFound = fmt.Errorf("session not found")
	ErrSessionClosed   = fmt.Errorf("session closed")
	ErrSessionFailed   = fmt.Errorf("session failed")

	// Internal retry signals, reflected only as stalled progress
	ErrChannelLost        = fmt.Errorf("channel lost")
	ErrCorruptChunk       = fmt.Errorf("corrupt chunk")
	ErrIncompleteAssembly = fmt.Errorf("incomplete assembly")
	ErrDirectoryConflict  = fmt.Errorf("directory conflict")
	ErrInvalidTransition  = fmt.Errorf("invalid state transition")

	ErrUnauthenticated = fmt.Errorf("unauthenticated")
	ErrUnknownFrame    = fmt.Errorf("unknown frame kind")
	ErrInvalidDocument = fmt.Errorf("invalid document")

	ErrNotificationRejected = fmt.Errorf("notification rejected")
)

// Surfaced reports whether err belongs to the small set of conditions a
// coordinator caller is allowed to observe.
func Surfaced(err error) bool {
	return errors.Is(err, ErrInvalidContent) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrSessionFailed)
}

// MapToGRPCError converts domain errors to gRPC status errors at the transport edge.
func MapToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrInvalidContent):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrSessionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrSessionFailed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, ErrChannelLost):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
