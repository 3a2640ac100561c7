package websocket

import "github.com/pkg/errors"

// Connection errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry errors
var (
	ErrNilConnection       = errors.New("connection cannot be nil")
	ErrUnknownConnection   = errors.New("connection is not registered")
	ErrDuplicateConnection = errors.New("connection id already registered")
)
