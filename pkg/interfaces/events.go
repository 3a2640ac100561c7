package interfaces

import "proctorhub/pkg/types"

// EventSink receives outbound events from the core components.
// Publish must not block on client I/O; events for one exam are delivered in publish order.
type EventSink interface {
	Publish(event types.Event)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(event types.Event)

func (f EventSinkFunc) Publish(event types.Event) { f(event) }
