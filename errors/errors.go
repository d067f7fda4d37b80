package errors

import (
	goerrors "errors"
	"fmt"
	"net/http"
)

var (
	ErrWorkerPanic = fmt.Errorf("worker panic")

	// Handshake
	ErrMissingToken     = fmt.Errorf("authorization token is missing")
	ErrInvalidSignature = fmt.Errorf("token signature is invalid")
	ErrTokenExpired     = fmt.Errorf("token is expired")

	// Validation, rejected synchronously and never persisted
	ErrValidation         = fmt.Errorf("validation failed")
	ErrMissingRecipient   = fmt.Errorf("%w: recipient is required", ErrValidation)
	ErrEmptyContent       = fmt.Errorf("%w: content is empty", ErrValidation)
	ErrContentTooLong     = fmt.Errorf("%w: content is too long", ErrValidation)
	ErrUnknownRecipient   = fmt.Errorf("%w: unknown recipient", ErrValidation)
	ErrEmptyMessageIDs    = fmt.Errorf("%w: message ids are required", ErrValidation)
	ErrMissingReader      = fmt.Errorf("%w: reader is required", ErrValidation)
	ErrMalformedMessageID = fmt.Errorf("%w: malformed message id", ErrValidation)
	ErrNotRecipient       = fmt.Errorf("%w: message is not addressed to this user", ErrValidation)
	ErrUnknownEvent       = fmt.Errorf("%w: unknown event", ErrValidation)
	ErrMalformedPayload   = fmt.Errorf("%w: malformed payload", ErrValidation)

	ErrMessageNotFound = fmt.Errorf("message not found")

	// Delivery & persistence
	ErrDeliveryTimeout    = fmt.Errorf("delivery acknowledgment timed out")
	ErrPersistence        = fmt.Errorf("message store unavailable")
	ErrPersistenceTimeout = fmt.Errorf("%w: deadline exceeded", ErrPersistence)
	ErrRateLimited        = fmt.Errorf("rate limited")
	ErrNotConnected       = fmt.Errorf("channel is not connected")
	ErrConnectionClosed   = fmt.Errorf("connection closed")
	ErrSlowConsumer       = fmt.Errorf("connection buffer is full")
	ErrGivenUp            = fmt.Errorf("reconnection attempts exhausted")

	// Accounts
	ErrUserAlreadyExists  = fmt.Errorf("user already exists")
	ErrUserNotFound       = fmt.Errorf("user not found")
	ErrInvalidCredentials = fmt.Errorf("invalid credentials")
	ErrInvalidPassword    = fmt.Errorf("password does not meet complexity rules")
	ErrTokenGeneration    = fmt.Errorf("token generation failed")
)

type AuthErrorKind string

const (
	MissingToken     AuthErrorKind = "missing_token"
	InvalidSignature AuthErrorKind = "invalid_signature"
	Expired          AuthErrorKind = "expired"
)

// AuthError refuses a connection before it is registered.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func NewAuthError(kind AuthErrorKind, cause error) *AuthError {
	return &AuthError{Kind: kind, Err: cause}
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("authentication failed: %s", e.Kind)
	}
	return fmt.Sprintf("authentication failed: %s: %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTokenExpired) match on the kind.
func (e *AuthError) Is(target error) bool {
	switch target {
	case ErrMissingToken:
		return e.Kind == MissingToken
	case ErrInvalidSignature:
		return e.Kind == InvalidSignature
	case ErrTokenExpired:
		return e.Kind == Expired
	}
	return false
}

// Validation wraps a validator error so that it classifies as ErrValidation.
func Validation(err error) error {
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

// Code is the stable wire identifier of an error, sent in ack frames.
func Code(err error) string {
	var authErr *AuthError
	switch {
	case err == nil:
		return ""
	case goerrors.As(err, &authErr):
		return string(authErr.Kind)
	case goerrors.Is(err, ErrUserAlreadyExists):
		return "user_exists"
	case goerrors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case goerrors.Is(err, ErrInvalidPassword):
		return "invalid_password"
	case goerrors.Is(err, ErrUnknownRecipient):
		return "unknown_recipient"
	case goerrors.Is(err, ErrNotRecipient):
		return "not_recipient"
	case goerrors.Is(err, ErrValidation):
		return "validation"
	case goerrors.Is(err, ErrMessageNotFound):
		return "not_found"
	case goerrors.Is(err, ErrPersistenceTimeout):
		return "persistence_timeout"
	case goerrors.Is(err, ErrPersistence):
		return "persistence"
	case goerrors.Is(err, ErrRateLimited):
		return "rate_limited"
	case goerrors.Is(err, ErrDeliveryTimeout):
		return "delivery_timeout"
	default:
		return "internal"
	}
}

// IsRetryable reports whether a failed request may be queued and tried again.
// Validation rejections are final.
func IsRetryable(code string) bool {
	switch code {
	case "validation", "unknown_recipient", "not_recipient", "not_found",
		"user_exists", "invalid_credentials", "invalid_password",
		string(MissingToken), string(InvalidSignature):
		return false
	}
	return true
}

func HTTPStatus(err error) int {
	var authErr *AuthError
	switch {
	case goerrors.As(err, &authErr),
		goerrors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	case goerrors.Is(err, ErrUserAlreadyExists):
		return http.StatusConflict
	case goerrors.Is(err, ErrInvalidPassword),
		goerrors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case goerrors.Is(err, ErrUserNotFound),
		goerrors.Is(err, ErrMessageNotFound):
		return http.StatusNotFound
	case goerrors.Is(err, ErrPersistence):
		return http.StatusServiceUnavailable
	case goerrors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
