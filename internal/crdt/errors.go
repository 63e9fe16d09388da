package crdt

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedUpdate   = errors.New("crdt: malformed update")
	ErrMissingDependency = errors.New("crdt: missing dependency")
	ErrKindMismatch      = errors.New("crdt: shared type kind mismatch")
	ErrIndexOutOfRange   = errors.New("crdt: index out of range")
	ErrUnsupportedValue  = errors.New("crdt: unsupported value")
)

// DecodeError reports malformed binary input. It unwraps to ErrMalformedUpdate.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("crdt: malformed input at byte %d: %s", e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformedUpdate }

// IntegrationError reports an item whose origin, right origin, parent or
// same-client predecessor is neither in the log nor in the current batch.
// It unwraps to ErrMissingDependency.
type IntegrationError struct {
	Item    ID
	Missing ID
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("crdt: item %s depends on missing %s", e.Item, e.Missing)
}

func (e *IntegrationError) Unwrap() error { return ErrMissingDependency }
