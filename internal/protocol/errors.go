package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol marks a decoded request missing or mistyping a required field.
	ErrProtocol = errors.New("protocol error")
	// ErrDecode marks bytes that are not a request map in the connection codec.
	ErrDecode = errors.New("undecodable message")
	// ErrTooLarge is returned when a single message exceeds the size bound.
	ErrTooLarge = errors.New("message too large")
)

// Error describes a ProtocolError on one field.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "protocol: " + e.Reason
	}
	return fmt.Sprintf("protocol: %s: %s", e.Field, e.Reason)
}

func (e *Error) Is(target error) bool { return target == ErrProtocol }

func fieldErr(field, reason string) error { return &Error{Field: field, Reason: reason} }
