package dispatch

import (
	"context"
	"errors"
)

// Failure classes. Notifiers wrap errors with Transient or Permanent; an
// unclassified error is treated as transient.
var (
	ErrTransient = errors.New("transient delivery failure")
	ErrPermanent = errors.New("permanent delivery failure")
)

// SendError carries a delivery failure and its class.
type SendError struct {
	Kind error // ErrTransient or ErrPermanent
	Err  error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *SendError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Transient marks err as worth retrying.
func Transient(err error) error {
	return &SendError{Kind: ErrTransient, Err: err}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return &SendError{Kind: ErrPermanent, Err: err}
}

// IsPermanent reports whether err must not be retried. Context cancellation
// of the caller is permanent; a per-attempt deadline is not.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.Is(err, context.Canceled)
}
