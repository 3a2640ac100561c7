package hub

import "github.com/pkg/errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrReplayQueueFull   = errors.New("replay queue is full")
)
