package router

import "github.com/pkg/errors"

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrStudentsOnly      = errors.New("only students can send this event")
	ErrProfessorsOnly    = errors.New("only professors can send this event")
	ErrIdentityMismatch  = errors.New("payload identity does not match the connection")
	ErrNotJoined         = errors.New("connection has not joined this exam")
)
