package interfaces

// Connection represents one live client socket
// Implementations must serialize writes; WriteJSON is called from the broadcaster goroutine
// and from command replies concurrently.
type Connection interface {
	// WriteJSON queues a frame for the client without blocking the caller for long
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetConnectionID returns the ephemeral id of this socket
	GetConnectionID() string

	// GetPersonID returns the durable identity presented on connect
	GetPersonID() string

	// GetRole returns "student" or "professor"
	GetRole() string

	// GetRemoteIP returns the client address as seen by the server
	GetRemoteIP() string
}
