package ot

import (
	"errors"
	"fmt"
)

var (
	// ErrNotComposable is returned when lengths of two changesets (or of a
	// changeset and a text) do not line up.
	ErrNotComposable = errors.New("ot: changesets are not composable")

	// ErrInverseRequiresOriginalText is returned when removed text cannot be
	// recovered while inverting a changeset.
	ErrInverseRequiresOriginalText = errors.New("ot: inverse requires original text")

	// ErrInvalidChangeset is returned for strips that violate range or
	// ordering constraints, or insert invalid UTF-8.
	ErrInvalidChangeset = errors.New("ot: invalid changeset")
)

// ParseError reports a malformed changeset or selection encoding.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ot: failed to parse %q: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func newParseError(input string, format string, v ...interface{}) error {
	return &ParseError{Input: input, Err: fmt.Errorf(format, v...)}
}
