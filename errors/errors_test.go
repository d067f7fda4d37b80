package errors

import (
	goerrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCode_And_HTTPStatus(t *testing.T) {
	testCases := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
		retryable  bool
	}{
		{"expired token", NewAuthError(Expired, nil), "expired", http.StatusUnauthorized, true},
		{"missing token", NewAuthError(MissingToken, nil), "missing_token", http.StatusUnauthorized, false},
		{"unknown recipient", fmt.Errorf("send: %w", ErrUnknownRecipient), "unknown_recipient", http.StatusBadRequest, false},
		{"not recipient", ErrNotRecipient, "not_recipient", http.StatusBadRequest, false},
		{"empty content", ErrEmptyContent, "validation", http.StatusBadRequest, false},
		{"validator error", Validation(goerrors.New("email is required")), "validation", http.StatusBadRequest, false},
		{"duplicate user", ErrUserAlreadyExists, "user_exists", http.StatusConflict, false},
		{"bad credentials", ErrInvalidCredentials, "invalid_credentials", http.StatusUnauthorized, false},
		{"missing message", ErrMessageNotFound, "not_found", http.StatusNotFound, false},
		{"store timeout", ErrPersistenceTimeout, "persistence_timeout", http.StatusServiceUnavailable, true},
		{"store down", fmt.Errorf("breaker open: %w", ErrPersistence), "persistence", http.StatusServiceUnavailable, true},
		{"rate limited", ErrRateLimited, "rate_limited", http.StatusTooManyRequests, true},
		{"anything else", goerrors.New("boom"), "internal", http.StatusInternalServerError, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			code := Code(tc.err)
			req.Equal(tc.wantCode, code)
			req.Equal(tc.wantStatus, HTTPStatus(tc.err))
			req.Equal(tc.retryable, IsRetryable(code))
		})
	}
}

func TestAuthError_Is_Matches_Kind(t *testing.T) {
	req := require.New(t)

	err := fmt.Errorf("upgrade: %w", NewAuthError(Expired, goerrors.New("exp in the past")))

	req.ErrorIs(err, ErrTokenExpired)
	req.NotErrorIs(err, ErrInvalidSignature)
	req.Contains(err.Error(), "exp in the past")
	req.Empty(Code(nil))
}
