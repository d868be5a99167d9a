package keyrelay_errors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrTooLarge           = errors.New("payload too large")
	ErrRateLimited        = errors.New("rate limited")
	ErrGone               = errors.New("gone")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrAlreadyExists      = errors.New("already exists")
	ErrFeatureDisabled    = errors.New("feature disabled")
)

// Stable machine-readable codes carried across the HTTP boundary.
const (
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeForbidden             = "FORBIDDEN"
	CodeNotFound              = "NOT_FOUND"
	CodeConflict              = "CONFLICT"
	CodeRateLimited           = "RATE_LIMITED"
	CodeFeatureDisabled       = "FEATURE_DISABLED"
	CodeGone                  = "GONE"
	CodeInternal              = "INTERNAL_ERROR"
	CodeBlocked               = "BLOCKED"
	CodeDeviceRevoked         = "DEVICE_REVOKED"
	CodeBundleStale           = "BUNDLE_STALE"
	CodePrekeysExhausted      = "PREKEYS_EXHAUSTED"
	CodeRelationshipRequired  = "RELATIONSHIP_REQUIRED"
	CodeIdentityChangeBlocked = "IDENTITY_CHANGE_BLOCKED"
	CodeEpochStale            = "EPOCH_STALE"
	CodeGroupFull             = "GROUP_FULL"
	CodeMaxUses               = "MAX_USES"
	CodeNotInvited            = "NOT_INVITED"
	CodeBanned                = "BANNED"
	CodeTargetUserRequired    = "TARGET_USER_REQUIRED"
	CodeExpiryInPast          = "EXPIRY_IN_PAST"
)

// AppError is a typed failure with a stable code and optional resync
// metadata (authoritative version, current epoch, rate-limit window).
// It wraps one of the sentinel errors above so callers can still match
// with errors.Is.
type AppError struct {
	Code    string
	Message string
	Meta    map[string]any
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause.Error())
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New builds an AppError wrapping the given sentinel.
func New(code string, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// WithMeta attaches one metadata field, returning the same error.
func (e *AppError) WithMeta(key string, value any) *AppError {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

// CodeOf extracts the stable code from err, falling back to the
// sentinel mapping for plain errors.
func CodeOf(err error) string {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyExists):
		return CodeConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrTooLarge):
		return CodeInvalidRequest
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrFeatureDisabled):
		return CodeFeatureDisabled
	case errors.Is(err, ErrGone):
		return CodeGone
	}
	return CodeInternal
}

// MetaOf returns the metadata map of err, or nil.
func MetaOf(err error) map[string]any {
	var app *AppError
	if errors.As(err, &app) {
		return app.Meta
	}
	return nil
}
