package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solatis/surveykeeper/internal/types"
)

// Error mapping for all handlers. Auth errors are mapped by the auth
// interceptor.
//
//	malformed payload, unknown operator, type unsupported -> INVALID_ARGUMENT
//	rule violation, missing field value                  -> FAILED_PRECONDITION
//	missing survey or response                           -> NOT_FOUND
//	context timeout / cancellation                       -> DEADLINE_EXCEEDED / CANCELED
//	anything else (database, cache, queue)               -> UNAVAILABLE
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, types.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	}

	switch types.KindOf(err) {
	case types.KindMalformedPayload, types.KindUnknownOperator, types.KindTypeUnsupported:
		return status.Error(codes.InvalidArgument, err.Error())
	case types.KindRuleViolation, types.KindMissingFieldValue:
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Unavailable, err.Error())
}

// invalidArgument reports a request that is missing or mistyped a parameter.
func invalidArgument(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}
