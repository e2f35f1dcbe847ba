package retry

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCStatusCondition retries on specific gRPC status codes.
type GRPCStatusCondition struct {
	codes map[codes.Code]bool
}

// RetryOnGRPCCodes creates a condition that retries on specific gRPC status codes.
func RetryOnGRPCCodes(grpcCodes ...codes.Code) *GRPCStatusCondition {
	codeMap := make(map[codes.Code]bool, len(grpcCodes))
	for _, code := range grpcCodes {
		codeMap[code] = true
	}
	return &GRPCStatusCondition{codes: codeMap}
}

// TransientGRPCCodes returns the condition for failures worth retrying:
// Unavailable, DeadlineExceeded and Internal.
func TransientGRPCCodes() *GRPCStatusCondition {
	return RetryOnGRPCCodes(
		codes.Unavailable,
		codes.DeadlineExceeded,
		codes.Internal,
	)
}

// ShouldRetry reports whether err carries one of the configured codes.
// A bare context.DeadlineExceeded counts as codes.DeadlineExceeded.
func (c *GRPCStatusCondition) ShouldRetry(err error) bool {
	return c.Matches(Code(err))
}

// Matches reports whether code is one of the configured codes.
func (c *GRPCStatusCondition) Matches(code codes.Code) bool {
	return c.codes[code]
}

// Code extracts the gRPC status code of err.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Unknown
}
