package types

import "github.com/pkg/errors"

var (
	ErrInvalidPersonID = errors.New("person ID must be 1-50 characters, alphanumeric + underscore/hyphen/dot only")
	ErrInvalidRole     = errors.New("invalid role: must be 'student' or 'professor'")
	ErrInvalidExamID   = errors.New("exam ID must be a positive integer")
	ErrMalformed       = errors.New("malformed payload")
)

// Command error codes returned to the originating connection
const (
	CodeInvalidTransition = "invalid_transition"
	CodeUnauthorized      = "unauthorized"
	CodeUnknownExam       = "unknown_exam"
	CodeMalformedPayload  = "malformed_payload"
	CodeRateLimited       = "rate_limited"
	CodeUnknownCommand    = "unknown_command"
	CodeInternal          = "internal"
)

// CommandError is a validation failure that is answered to a single connection
// and never broadcast
type CommandError struct {
	Code    string
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *CommandError) Cause() error  { return e.Err }
func (e *CommandError) Unwrap() error { return e.Err }

// NewCommandError builds a CommandError around a sentinel cause
func NewCommandError(code, message string, cause error) *CommandError {
	return &CommandError{Code: code, Message: message, Err: cause}
}

// AsCommandError extracts a CommandError from a wrapped chain, falling back to
// an internal error so callers always have something to answer with
func AsCommandError(err error) *CommandError {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce
	}
	return &CommandError{Code: CodeInternal, Message: "command failed", Err: err}
}
