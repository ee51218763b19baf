package inbox

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage marks self-addressed or malformed messages. Non-fatal: callers skip them.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrTransientFetch marks a bulk or thread fetch that failed after retries.
	ErrTransientFetch = errors.New("transient fetch failure")

	// ErrSubscriptionDropped is reported when the live feed closes unexpectedly.
	ErrSubscriptionDropped = errors.New("subscription dropped")

	// ErrWriteFailure is returned by SendMessage when the store did not confirm the write.
	ErrWriteFailure = errors.New("write failure")

	// ErrStaleSelection is returned when a newer selection superseded a thread fetch.
	ErrStaleSelection = errors.New("stale selection")

	// ErrEngineClosed is returned by Registry once it has been closed.
	ErrEngineClosed = errors.New("engine closed")
)

// InvalidMessageError describes why a message was rejected.
type InvalidMessageError struct {
	Op        string
	MessageID string
	Reason    string
}

func (e *InvalidMessageError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("%s: %v: %s", e.Op, ErrInvalidMessage, e.Reason)
	}
	return fmt.Sprintf("%s: %v: %s (id=%s)", e.Op, ErrInvalidMessage, e.Reason, e.MessageID)
}

func (e *InvalidMessageError) Unwrap() error { return ErrInvalidMessage }

func invalid(op, id, reason string) error {
	return &InvalidMessageError{Op: op, MessageID: id, Reason: reason}
}

// FetchError wraps the last store error after retries were exhausted.
type FetchError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %v after %d attempt(s): %v", e.Op, ErrTransientFetch, e.Attempts, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *FetchError) Unwrap() []error { return []error{ErrTransientFetch, e.Err} }

// WriteError reports a failed send.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrWriteFailure, e.Err)
}

func (e *WriteError) Unwrap() []error { return []error{ErrWriteFailure, e.Err} }

// IsInvalidMessage reports whether err represents ErrInvalidMessage.
func IsInvalidMessage(err error) bool { return errors.Is(err, ErrInvalidMessage) }

// IsStale reports whether err represents ErrStaleSelection.
func IsStale(err error) bool { return errors.Is(err, ErrStaleSelection) }
