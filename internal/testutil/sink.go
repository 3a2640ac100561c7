// Package testutil holds fakes shared by package tests.
package testutil

import (
	"sync"
	"time"

	"proctorhub/pkg/types"
)

// RecordingSink is an EventSink that keeps every published event in order
type RecordingSink struct {
	mu     sync.Mutex
	events []types.Event
	notify chan struct{}
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{notify: make(chan struct{}, 1)}
}

func (s *RecordingSink) Publish(event types.Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything published so far
func (s *RecordingSink) Events() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Event(nil), s.events...)
}

// Named returns the events with the given name
func (s *RecordingSink) Named(name string) []types.Event {
	var out []types.Event
	for _, e := range s.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events with the given name were published
func (s *RecordingSink) Count(name string) int {
	return len(s.Named(name))
}

// Reset forgets recorded events
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

// WaitFor blocks until at least n events with the name were published or the timeout elapses
func (s *RecordingSink) WaitFor(name string, n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if s.Count(name) >= n {
			return true
		}
		select {
		case <-s.notify:
		case <-deadline.C:
			return s.Count(name) >= n
		case <-time.After(5 * time.Millisecond):
		}
	}
}
