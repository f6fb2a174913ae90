package main

import (
	"errors"
	"fmt"
)

// ===========================
// Music Error Taxonomy
// ===========================

// ExtractionError means a reference could not be resolved to playable media.
// It wraps the underlying tool error and carries a message safe to show to
// the requesting user.
type ExtractionError struct {
	Ref string
	Err error
}

func (e *ExtractionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("extraction failed for %q", e.Ref)
	}
	return fmt.Sprintf("extraction failed for %q: %v", e.Ref, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// NewExtractionError wraps err for ref. A nil err still produces a valid error.
func NewExtractionError(ref string, err error) *ExtractionError {
	return &ExtractionError{Ref: ref, Err: err}
}

// WrongEntryTypeError is returned when a single-item operation receives a
// collection reference (or the reverse). UseURL is the canonical URL the
// caller should redirect to the correct path.
type WrongEntryTypeError struct {
	IsCollection bool
	UseURL       string
}

func (e *WrongEntryTypeError) Error() string {
	if e.IsCollection {
		return "reference is a collection, use a bulk import"
	}
	return "reference is a single item, not a collection"
}

// CommandError is a user-correctable misuse of a player or playlist
// operation. It never indicates an internal failure and causes no state
// change.
type CommandError struct {
	msg string
}

func (e *CommandError) Error() string { return e.msg }

func CommandErrorf(format string, v ...any) *CommandError {
	return &CommandError{msg: fmt.Sprintf(format, v...)}
}

// IsUserError reports whether err should be shown to the user verbatim
// rather than routed to the operator error channel.
func IsUserError(err error) bool {
	var ce *CommandError
	var we *WrongEntryTypeError
	var xe *ExtractionError
	return errors.As(err, &ce) || errors.As(err, &we) || errors.As(err, &xe)
}
