package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestTransientGRPCCodes(t *testing.T) {
	t.Parallel()

	cond := TransientGRPCCodes()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unavailable", status.Error(codes.Unavailable, ""), true},
		{"deadline exceeded", status.Error(codes.DeadlineExceeded, ""), true},
		{"internal", status.Error(codes.Internal, ""), true},
		{"context deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"invalid argument", status.Error(codes.InvalidArgument, ""), false},
		{"not found", status.Error(codes.NotFound, ""), false},
		{"resource exhausted", status.Error(codes.ResourceExhausted, ""), false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cond.ShouldRetry(tt.err))
		})
	}
}

func TestCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, codes.OK, Code(nil))
	assert.Equal(t, codes.Canceled, Code(context.Canceled))
	assert.Equal(t, codes.Unknown, Code(errors.New("x")))
	assert.Equal(t, codes.Aborted, Code(status.Error(codes.Aborted, "")))
}
