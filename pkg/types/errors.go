package types

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ARCHITECTURAL DISCOVERY: Validation failures are sentinels; runtime
// failures that carry data (retry hints, conflicting versions) are typed so
// callers can errors.As them without string matching.
var (
	ErrInvalidMessageID = errors.New("message id must be 1-128 characters, alphanumeric plus _-.:")
	ErrInvalidFeature   = errors.New("invalid feature type")
	ErrInvalidPriority  = errors.New("invalid priority")
	ErrInvalidTarget    = errors.New("invalid message target")
	ErrMissingPayload   = errors.New("message payload is required")
	ErrPayloadMismatch  = errors.New("payload type does not match feature type")
	ErrInvalidMutation  = errors.New("state mutation requires entity type, entity id and actor")
	ErrContentTooLarge  = errors.New("message exceeds maximum frame size")
)

// Auth error codes.
const (
	AuthInvalidToken      = "invalid_token"
	AuthExpiredToken      = "expired_token"
	AuthNotAuthenticated  = "not_authenticated"
	AuthForbidden         = "forbidden"
	AuthCrossOrganization = "cross_organization"
)

// AuthError is an authentication or authorization failure. Authentication
// failures are connection-fatal; authorization failures drop the message.
type AuthError struct {
	Code   string
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Code, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError reports an exhausted token bucket.
type RateLimitError struct {
	Class      OperationClass
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %ds", e.Class, e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds the hint up to whole seconds, never below one.
func (e *RateLimitError) RetryAfterSeconds() int {
	return RetryAfterSeconds(e.RetryAfter)
}

// RetryAfterSeconds converts a delay into a positive whole-second hint.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// CircuitOpenError is returned without attempting delivery while a
// destination's breaker is open.
type CircuitOpenError struct {
	Destination string
	RetryAt     time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for destination %s", e.Destination)
}

// ConflictError carries both versions of every conflicting entity.
type ConflictError struct {
	Conflicts []*Conflict
}

func (e *ConflictError) Error() string {
	keys := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		keys = append(keys, c.Key())
	}
	return fmt.Sprintf("concurrent state change on %s", strings.Join(keys, ", "))
}

// DeliveryError is a transport-level send failure after all attempts.
type DeliveryError struct {
	Destination string
	Attempts    int
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed after %d attempt(s): %v", e.Destination, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// EncryptionError is scoped to a single recipient.
type EncryptionError struct {
	Recipient string
	Err       error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption for recipient %s failed: %v", e.Recipient, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// Codes surfaced to clients in message_error frames.
const (
	CodeUnauthorized     = "unauthorized"
	CodeRateLimited      = "rate_limited"
	CodeCircuitOpen      = "circuit_open"
	CodeConflict         = "conflict"
	CodeDeliveryFailed   = "delivery_failed"
	CodeEncryptionFailed = "encryption_failed"
	CodeInvalidMessage   = "invalid_message"
	CodeInternal         = "internal_error"
)

// ErrorCode maps an error onto the client-visible code and an optional retry
// hint in seconds (zero when the failure is not retryable).
func ErrorCode(err error) (code string, retryAfter int) {
	var (
		authErr    *AuthError
		rateErr    *RateLimitError
		circuitErr *CircuitOpenError
		confErr    *ConflictError
		delivErr   *DeliveryError
		encErr     *EncryptionError
	)
	switch {
	case errors.As(err, &authErr):
		return CodeUnauthorized, 0
	case errors.As(err, &rateErr):
		return CodeRateLimited, rateErr.RetryAfterSeconds()
	case errors.As(err, &circuitErr):
		if circuitErr.RetryAt.IsZero() {
			return CodeCircuitOpen, 1
		}
		return CodeCircuitOpen, RetryAfterSeconds(time.Until(circuitErr.RetryAt))
	case errors.As(err, &confErr):
		return CodeConflict, 0
	case errors.As(err, &delivErr):
		return CodeDeliveryFailed, 0
	case errors.As(err, &encErr):
		return CodeEncryptionFailed, 0
	case IsValidationError(err):
		return CodeInvalidMessage, 0
	default:
		return CodeInternal, 0
	}
}

// IsValidationError reports whether err stems from message validation.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrInvalidMessageID, ErrInvalidFeature, ErrInvalidPriority, ErrInvalidTarget,
		ErrMissingPayload, ErrPayloadMismatch, ErrInvalidMutation, ErrContentTooLarge,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
