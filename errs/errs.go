// Package errs collects the sentinel and typed errors the transaction
// layer returns, grounded on the teacher's client/errors.go shape: plain
// sentinels usable with errors.Is, plus a couple of typed wrappers that
// carry extra context and implement Unwrap.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransactionTimeout = errors.New("transaction timed out")
	ErrTransportClosed    = errors.New("transport is closed")
	ErrCancelled          = errors.New("transaction was cancelled")
	ErrUnknownAttributes  = errors.New("message carries unknown comprehension-required attributes")
	ErrInternal           = errors.New("internal error")
)

// TransportError wraps a failure originating from a specific transport
// implementation.
type TransportError struct {
	Transport string
	Cause     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %v", e.Transport, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// TimeoutError wraps ErrTransactionTimeout with the operation and, where
// the caller knows it, the configured timeout duration for
// logging/diagnostics. A zero Timeout is left out of the message.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout <= 0 {
		return e.Operation + ": timed out"
	}
	return fmt.Sprintf("%s: timed out after %v", e.Operation, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTransactionTimeout }

// IsTimeout reports whether err is, or wraps, a transaction timeout.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t) || errors.Is(err, ErrTransactionTimeout)
}
