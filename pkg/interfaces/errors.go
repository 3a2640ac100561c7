package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrExamNotFound = errors.New("exam not found")
	ErrUnauthorized = errors.New("unauthorized access")
)
