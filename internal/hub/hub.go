// Package hub delivers outbound events to the connections of their audience.
package hub

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// AudienceResolver maps an audience to the connections currently in it
type AudienceResolver interface {
	Resolve(audience types.Audience) []interfaces.Connection
	GetConnection(connectionID string) (interfaces.Connection, bool)
}

// Options configures a Hub
type Options struct {
	QueueSize       int
	AlertBufferSize int
}

// Stats is a snapshot of delivery counters
type Stats struct {
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	Failed        uint64 `json:"failed"`
	Dropped       uint64 `json:"dropped"`
	BufferedAlert int    `json:"buffered_alerts"`
}

// Hub is the event broadcaster. A single goroutine drains the queue, so
// events reach every connection in publish order.
type Hub struct {
	events   chan types.Event
	replays  chan string
	shutdown chan struct{}
	done     chan struct{}

	resolver AudienceResolver

	alertMu sync.Mutex
	alerts  []types.Event
	alertAt int
	alertN  int

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	running bool
	mu      sync.RWMutex
}

// NewHub creates a hub resolving audiences through resolver
func NewHub(resolver AudienceResolver, opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.AlertBufferSize < 0 {
		opts.AlertBufferSize = 0
	}
	return &Hub{
		events:   make(chan types.Event, opts.QueueSize),
		replays:  make(chan string, 100),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		resolver: resolver,
		alerts:   make([]types.Event, opts.AlertBufferSize),
	}
}

// Start begins delivery
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	log.Println("hub: starting event broadcaster")
	go h.run(ctx)
	return nil
}

// Stop delivers what is already queued and stops the loop
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	select {
	case <-h.shutdown:
	default:
		close(h.shutdown)
	}
	h.mu.Unlock()

	<-h.done
	log.Println("hub: stopped")
	return nil
}

// Publish queues an event. It waits when the queue is full rather than
// dropping, and only gives up once the hub is shutting down.
func (h *Hub) Publish(event types.Event) {
	h.published.Add(1)
	select {
	case <-h.shutdown:
		h.dropped.Add(1)
		log.Printf("hub: dropped %s after shutdown", event.Name)
		return
	default:
	}
	select {
	case h.events <- event:
	case <-h.shutdown:
		h.dropped.Add(1)
		log.Printf("hub: dropped %s after shutdown", event.Name)
	}
}

// Replay sends the buffered alerts the connection is allowed to see
func (h *Hub) Replay(connectionID string) error {
	select {
	case h.replays <- connectionID:
		return nil
	case <-h.shutdown:
		return ErrHubNotRunning
	default:
		return ErrReplayQueueFull
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case ev := <-h.events:
			h.deliver(ev)
		case connID := <-h.replays:
			h.replay(connID)
		case <-h.shutdown:
			h.drain()
			return
		case <-ctx.Done():
			log.Println("hub: context cancelled")
			h.drain()
			return
		}
	}
}

func (h *Hub) drain() {
	for {
		select {
		case ev := <-h.events:
			h.deliver(ev)
		default:
			return
		}
	}
}

func (h *Hub) deliver(ev types.Event) {
	if ev.Name == types.EventAlert {
		h.remember(ev)
	}
	frame := ev.Frame()
	for _, conn := range h.resolver.Resolve(ev.Audience) {
		h.write(conn, frame)
	}
}

// write isolates one slow or broken client from the rest of the audience
func (h *Hub) write(conn interfaces.Connection, frame types.Frame) {
	if err := conn.WriteJSON(frame); err != nil {
		h.failed.Add(1)
		log.Printf("hub: delivery of %s to conn=%s failed: %v", frame.Event, conn.GetConnectionID(), err)
		return
	}
	h.delivered.Add(1)
}

func (h *Hub) remember(ev types.Event) {
	h.alertMu.Lock()
	defer h.alertMu.Unlock()
	if len(h.alerts) == 0 {
		return
	}
	h.alerts[h.alertAt] = ev
	h.alertAt = (h.alertAt + 1) % len(h.alerts)
	if h.alertN < len(h.alerts) {
		h.alertN++
	}
}

// RecentAlerts returns buffered alerts oldest first
func (h *Hub) RecentAlerts() []types.Event {
	h.alertMu.Lock()
	defer h.alertMu.Unlock()
	if h.alertN == 0 {
		return nil
	}
	out := make([]types.Event, 0, h.alertN)
	start := (h.alertAt - h.alertN + len(h.alerts)) % len(h.alerts)
	for i := 0; i < h.alertN; i++ {
		out = append(out, h.alerts[(start+i)%len(h.alerts)])
	}
	return out
}

func (h *Hub) replay(connID string) {
	conn, ok := h.resolver.GetConnection(connID)
	if !ok {
		return
	}
	n := 0
	for _, ev := range h.RecentAlerts() {
		if !h.inAudience(ev.Audience, connID) {
			continue
		}
		h.write(conn, ev.Frame())
		n++
	}
	if n > 0 {
		log.Printf("hub: replayed %d alerts to conn=%s", n, connID)
	}
}

func (h *Hub) inAudience(a types.Audience, connID string) bool {
	for _, c := range h.resolver.Resolve(a) {
		if c.GetConnectionID() == connID {
			return true
		}
	}
	return false
}

// IsRunning reports whether the loop is active
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Stats returns delivery counters
func (h *Hub) Stats() Stats {
	h.alertMu.Lock()
	n := h.alertN
	h.alertMu.Unlock()
	return Stats{
		Published:     h.published.Load(),
		Delivered:     h.delivered.Load(),
		Failed:        h.failed.Load(),
		Dropped:       h.dropped.Load(),
		BufferedAlert: n,
	}
}
