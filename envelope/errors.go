package envelope

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison via errors.Is, mirroring the
// framework-wide pattern of small comparable error values rather than
// ad-hoc string matching.
var (
	ErrInvalidActionType = errors.New("action_type does not match the required dotted format")
	ErrUnknownTier       = errors.New("tier is not one of the known values")
	ErrCallbackMismatch  = errors.New("callback_queue_name and callback_action_type must both be present or both absent")
	ErrResponseInvariant = errors.New("response success/error invariant violated")
)

// Stable machine-readable error codes carried in ErrorDetail.ErrorCode,
// per the bus error taxonomy.
const (
	ErrCodeInvalidPayload  = "INVALID_PAYLOAD"
	ErrCodeNoHandler       = "NO_HANDLER"
	ErrCodeHandlerTimeout  = "HANDLER_TIMEOUT"
	ErrCodeHandlerError    = "HANDLER_ERROR"
	ErrCodeClientTimeout   = "CLIENT_TIMEOUT"
	ErrCodeRedisClient     = "REDIS_CLIENT_ERROR"
	ErrCodeResponseDecode  = "RESPONSE_DECODE_ERROR"
)

// ValidationError reports a malformed envelope, naming the field that
// failed and wrapping the underlying sentinel so callers can still use
// errors.Is against the package-level Err* values.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("envelope: invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
