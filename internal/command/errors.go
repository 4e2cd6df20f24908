package command

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable classification of a gateway failure. Kinds
// are stable wire values: callers match on them programmatically.
type Kind string

const (
	KindInvalidCommandType  Kind = "invalid_command_type"
	KindInvalidAction       Kind = "invalid_action"
	KindEmptyCommand        Kind = "empty_command"
	KindMalformedCommand    Kind = "malformed_command"
	KindCommandNotAllowed   Kind = "command_not_allowed"
	KindInvalidArgument     Kind = "invalid_argument"
	KindDirectoryNotAllowed Kind = "directory_not_allowed"
	KindPathNotAllowed      Kind = "path_not_allowed"
	KindLogAccessDenied     Kind = "log_access_denied"
	KindUnknownProject      Kind = "unknown_project"
	KindTimeout             Kind = "timeout"
	KindExecutionError      Kind = "execution_error"
)

// validationKinds are resolved entirely inside the validator or dispatcher,
// before any subprocess runs. HTTP callers see these as 4xx; execution-class
// kinds travel in a structured 200 body.
var validationKinds = map[Kind]bool{
	KindInvalidCommandType:  true,
	KindInvalidAction:       true,
	KindEmptyCommand:        true,
	KindMalformedCommand:    true,
	KindCommandNotAllowed:   true,
	KindInvalidArgument:     true,
	KindDirectoryNotAllowed: true,
	KindPathNotAllowed:      true,
	KindLogAccessDenied:     true,
	KindUnknownProject:      true,
}

// IsValidation reports whether a kind belongs to the validation class.
func IsValidation(k Kind) bool {
	return validationKinds[k]
}

// Error is a classified gateway failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classification from an error chain. The second return
// is false when the chain carries no *Error.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}
