package wire

import (
	"errors"
	"fmt"
)

// ErrMalformed is matched, with errors.Is, by every error Decode returns.
var ErrMalformed = errors.New("malformed message")

// DecodeError describes why a buffer could not be decoded.
type DecodeError struct {
	msgType MessageType
	known   bool
	reason  string
}

// NewDecodeError creates a DecodeError for a message of unknown type.
func NewDecodeError(reason string) DecodeError {
	return DecodeError{reason: reason}
}

func newTypedDecodeError(t MessageType, reason string) DecodeError {
	return DecodeError{msgType: t, known: true, reason: reason}
}

// Error implements the Error interface
func (e DecodeError) Error() string {
	if e.known {
		return fmt.Sprintf("%s: %s: %s", ErrMalformed, e.msgType, e.reason)
	}
	return fmt.Sprintf("%s: %s", ErrMalformed, e.reason)
}

// Unwrap makes errors.Is(err, ErrMalformed) hold.
func (e DecodeError) Unwrap() error {
	return ErrMalformed
}

// IsDecodeError checks that an error is a DecodeError.
func IsDecodeError(err error) bool {
	var de DecodeError
	return errors.As(err, &de)
}
