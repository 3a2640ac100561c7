package integration

import (
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"proctorhub/pkg/types"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// testClient is a socket client that collects every frame it receives
type testClient struct {
	t        *testing.T
	PersonID string
	conn     *websocket.Conn
	frames   chan frame

	mu       sync.Mutex
	received []frame
}

func dialClient(t *testing.T, serverURL, personID string, role types.Role, matricule string) *testClient {
	t.Helper()
	q := url.Values{}
	q.Set("person_id", personID)
	q.Set("role", string(role))
	if matricule != "" {
		q.Set("matricule", matricule)
	}
	u := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws?" + q.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)

	c := &testClient{t: t, PersonID: personID, conn: conn, frames: make(chan frame, 512)}
	go c.readLoop()
	t.Cleanup(func() { _ = c.conn.Close() })
	c.waitFor(types.EventInitialSync, 2*time.Second)
	return c
}

func (c *testClient) readLoop() {
	defer close(c.frames)
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		c.mu.Lock()
		c.received = append(c.received, f)
		c.mu.Unlock()
		c.frames <- f
	}
}

func (c *testClient) send(event string, data interface{}) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(types.Envelope{Event: event, Data: raw}))
}

// waitFor skips frames until event arrives
func (c *testClient) waitFor(event string, timeout time.Duration) json.RawMessage {
	c.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				c.t.Fatalf("%s: connection closed while waiting for %s", c.PersonID, event)
			}
			if f.Event == event {
				return f.Data
			}
		case <-deadline:
			c.t.Fatalf("%s: no %s within %s", c.PersonID, event, timeout)
		}
	}
}

func (c *testClient) decode(event string, timeout time.Duration, v interface{}) {
	c.t.Helper()
	require.NoError(c.t, json.Unmarshal(c.waitFor(event, timeout), v))
}

// count returns how many frames named event were received so far
func (c *testClient) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.received {
		if f.Event == event {
			n++
		}
	}
	return n
}

// latest returns the payload of the most recent frame named event
func (c *testClient) latest(event string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.received) - 1; i >= 0; i-- {
		if c.received[i].Event == event {
			return c.received[i].Data, true
		}
	}
	return nil, false
}

func (c *testClient) close() {
	_ = c.conn.Close()
}
