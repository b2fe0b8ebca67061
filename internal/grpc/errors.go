package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"whisper/chat-service/internal/models"
)

// toStatus maps domain errors onto gRPC codes. Internal failures keep a
// generic message so file paths and driver errors stay in the server log.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, models.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, models.ErrEmptyConversation),
		errors.Is(err, models.ErrInvalidArgument),
		errors.Is(err, models.ErrInvalidAudio):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, models.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, "invalid credentials or session")
	case errors.Is(err, models.ErrConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, models.ErrCorruptData):
		return status.Error(codes.DataLoss, "stored data is unreadable")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
