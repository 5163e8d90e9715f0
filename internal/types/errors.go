package types

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyBatch    = errors.New("batch contains no records")
	ErrInvertedRange = errors.New("range start is after range end")

	// ErrNotConfirmed is returned when a destructive import needs an
	// explicit confirmation the caller did not give.
	ErrNotConfirmed = errors.New("operation requires confirmation")
)

// ValidationError reports a malformed record in an input batch. Nothing has
// been written when it is returned.
type ValidationError struct {
	Row    int
	Key    string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("row %d (%s): %s: %s", e.Row, e.Key, e.Field, e.Reason)
	}
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Reason)
}

// ConsistencyError is returned when an operation's preconditions on the
// batch as a whole do not hold (empty batch, inverted range).
type ConsistencyError struct {
	Op  string
	Err error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConsistencyError) Unwrap() error {
	return e.Err
}
