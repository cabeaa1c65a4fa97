package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/aura-classroom/backend/pkg/apperr"
)

func TestError_HTTPStatusCode(t *testing.T) {
	tests := map[string]struct {
		err  *apperr.Error
		want int
	}{
		"poll inactive renders as conflict": {err: apperr.ErrPollInactive, want: http.StatusConflict},
		"duplicate renders as conflict":     {err: apperr.ErrDuplicate, want: http.StatusConflict},
		"not a member renders as not found": {err: apperr.ErrNotAMember, want: http.StatusNotFound},
		"unavailable renders as 503":        {err: apperr.Unavailable(errors.New("down"), "queue"), want: http.StatusServiceUnavailable},
		"unknown code falls back to 500":    {err: apperr.New(apperr.Code(codes.DataLoss)), want: http.StatusInternalServerError},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.HTTPStatusCode())
		})
	}
}

func TestConvert(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", apperr.ErrDuplicate)

	e := apperr.Convert(wrapped)
	require.Equal(t, apperr.CodeAlreadyExists, e.Code)
	assert.Equal(t, apperr.ReasonDuplicate, e.Reason)
	assert.True(t, errors.Is(wrapped, apperr.ErrDuplicate))
	assert.False(t, errors.Is(wrapped, apperr.ErrPollInactive))

	plain := apperr.Convert(errors.New("boom"))
	assert.Equal(t, apperr.CodeInternal, plain.Code)
	assert.Equal(t, codes.Internal, plain.GRPCStatus().Code())
}
