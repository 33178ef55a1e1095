package serviceerr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openkcm/identity-broker/internal/serviceerr"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name        string
		err         *serviceerr.Error
		expectedMsg string
	}{
		{
			name:        "Error with description",
			err:         &serviceerr.Error{Err: serviceerr.CodeNotFound, Description: "resource not found"},
			expectedMsg: "not_found: resource not found",
		},
		{
			name:        "Error without description",
			err:         &serviceerr.Error{Err: serviceerr.CodeInvalidRequest},
			expectedMsg: "invalid_request",
		},
		{
			name:        "Predefined error - ErrUnknown",
			err:         serviceerr.ErrUnknown,
			expectedMsg: "unknown: unknown error",
		},
		{
			name:        "Predefined error - ErrStoreUnavailable",
			err:         serviceerr.ErrStoreUnavailable,
			expectedMsg: "store_unavailable: storage backend unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedMsg, tt.err.Error())
		})
	}
}

func TestError_HTTPStatus(t *testing.T) {
	tests := []struct {
		name               string
		code               serviceerr.Code
		expectedHTTPStatus int
	}{
		{
			name:               "CodeStoreUnavailable returns ServiceUnavailable",
			code:               serviceerr.CodeStoreUnavailable,
			expectedHTTPStatus: http.StatusServiceUnavailable,
		},
		{
			name:               "CodeRateLimited returns TooManyRequests",
			code:               serviceerr.CodeRateLimited,
			expectedHTTPStatus: http.StatusTooManyRequests,
		},
		{
			name:               "CodeSessionNotFound returns Forbidden",
			code:               serviceerr.CodeSessionNotFound,
			expectedHTTPStatus: http.StatusForbidden,
		},
		{
			name:               "CodeCodeMismatch returns Forbidden",
			code:               serviceerr.CodeCodeMismatch,
			expectedHTTPStatus: http.StatusForbidden,
		},
		{
			name:               "CodeNoSuchAlgorithm returns InternalServerError",
			code:               serviceerr.CodeNoSuchAlgorithm,
			expectedHTTPStatus: http.StatusInternalServerError,
		},
		{
			name:               "CodeKeyGeneration returns InternalServerError",
			code:               serviceerr.CodeKeyGeneration,
			expectedHTTPStatus: http.StatusInternalServerError,
		},
		{
			name:               "CodeDispatchFailed returns BadGateway",
			code:               serviceerr.CodeDispatchFailed,
			expectedHTTPStatus: http.StatusBadGateway,
		},
		{
			name:               "CodeInvalidRequest returns BadRequest",
			code:               serviceerr.CodeInvalidRequest,
			expectedHTTPStatus: http.StatusBadRequest,
		},
		{
			name:               "CodeNotFound returns NotFound",
			code:               serviceerr.CodeNotFound,
			expectedHTTPStatus: http.StatusNotFound,
		},
		{
			name:               "Unknown code returns InternalServerError",
			code:               serviceerr.Code("unknown_code"),
			expectedHTTPStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := serviceerr.Error{Err: tt.code}
			assert.Equal(t, tt.expectedHTTPStatus, err.HTTPStatus())
		})
	}
}

func TestError_Is(t *testing.T) {
	wrapped := fmt.Errorf("taking session: %w", serviceerr.ErrSessionNotFound)

	assert.ErrorIs(t, wrapped, serviceerr.ErrSessionNotFound)
	assert.NotErrorIs(t, wrapped, serviceerr.ErrCodeMismatch)

	annotated := &serviceerr.Error{Err: serviceerr.CodeStoreUnavailable, Description: "valkey down"}
	assert.ErrorIs(t, annotated, serviceerr.ErrStoreUnavailable)
	assert.NotErrorIs(t, errors.New("store_unavailable"), serviceerr.ErrStoreUnavailable)
}
