package session

import "github.com/pkg/errors"

var (
	ErrNotManualCommand = errors.New("command cannot be issued by a client")
	ErrDirectoryClosed  = errors.New("session directory is closed")
)
