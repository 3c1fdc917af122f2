package control

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/gridtwin/internal/charging"
	"github.com/signalsfoundry/gridtwin/internal/fault"
	"github.com/signalsfoundry/gridtwin/internal/signal"
	"github.com/signalsfoundry/gridtwin/internal/sim/state"
	"github.com/signalsfoundry/gridtwin/kb"
)

var (
	// ErrInvalidArgument marks a request the control surface could not decode.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnimplemented marks an operation the running daemon does not offer.
	ErrUnimplemented = errors.New("unimplemented")
)

// ToStatusError maps grid errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, kb.ErrSubstationNotFound),
		errors.Is(err, kb.ErrTransformerNotFound),
		errors.Is(err, kb.ErrSignalNotFound),
		errors.Is(err, kb.ErrStationNotFound),
		errors.Is(err, signal.ErrUnknownZone):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, charging.ErrNoCapacity):
		return status.Error(codes.ResourceExhausted, err.Error())

	case errors.Is(err, charging.ErrAlreadyAssigned):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, state.ErrInvalidIntent),
		errors.Is(err, charging.ErrInvalidRequest),
		errors.Is(err, fault.ErrNegativeLoad),
		errors.Is(err, kb.ErrInvalidEntity):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, signal.ErrOverridden):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, ErrUnimplemented):
		return status.Error(codes.Unimplemented, err.Error())

	case errors.Is(err, state.ErrIntakeFull):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
