package command

import "errors"

// ErrorCode enumerates the command pipeline's error taxonomy.
type ErrorCode string

const (
	ErrCodeNameNotUnique       ErrorCode = "NAME_NOT_UNIQUE"
	ErrCodeStaleVersion        ErrorCode = "STALE_VERSION"
	ErrCodeHasInboundRefs      ErrorCode = "HAS_INBOUND_REFS"
	ErrCodeIllegalRelation     ErrorCode = "ILLEGAL_RELATION"
	ErrCodeNodeNotFound        ErrorCode = "NODE_NOT_FOUND"
	ErrCodeInvalidOperation    ErrorCode = "INVALID_OPERATION"
	ErrCodeWorkingCopyNotFound ErrorCode = "WORKING_COPY_NOT_FOUND"
	ErrCodeCommitConflict      ErrorCode = "COMMIT_CONFLICT"
	ErrCodeValidationError     ErrorCode = "VALIDATION_ERROR"
	ErrCodeDatabaseError       ErrorCode = "DATABASE_ERROR"
	ErrCodeUnknownError        ErrorCode = "UNKNOWN_ERROR"
)

// CommandError pairs an ErrorCode with a human-readable message, the
// shape every failed command.Envelope reports back to its caller and
// records into the event history.
type CommandError struct {
	Code    ErrorCode
	Message string
}

func (e *CommandError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewError constructs a CommandError.
func NewError(code ErrorCode, message string) *CommandError {
	return &CommandError{Code: code, Message: message}
}

// CodeOf extracts the ErrorCode from err, defaulting to
// ErrCodeUnknownError for errors the command pipeline didn't originate
// itself (e.g. a raw badger I/O error bubbling up).
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeUnknownError
}
