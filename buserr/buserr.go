// Package buserr provides the structured error wrapper used across the
// bus packages, mirroring core.FrameworkError: an operation name, a
// coarse kind, an optional entity ID, and the wrapped cause.
package buserr

import (
	"errors"
	"fmt"
)

// Error wraps a failure with the operation that produced it, a coarse
// kind for classification, and an optional entity ID.
type Error struct {
	Op   string
	Kind string
	ID   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error for op/kind wrapping err.
func New(op, kind string, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// WithID attaches an entity ID to an *Error built by New.
func (e *Error) WithID(id string) *Error {
	e.ID = id
	return e
}

// Kind-level classifications, matched against the Kind field of an
// *Error in the chain via IsKind.
const (
	KindRedis     = "redis"
	KindHandler   = "handler"
	KindEnvelope  = "envelope"
	KindConfig    = "config"
	KindTask      = "task"
)

// IsKind reports whether err is a buserr.Error of the given kind,
// walking the error chain.
func IsKind(err error, kind string) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}
