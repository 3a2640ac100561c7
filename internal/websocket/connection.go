package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"proctorhub/pkg/types"
)

const sendBufferSize = 100

// Connection implements interfaces.Connection. All writes go through one
// writer goroutine; WriteJSON only queues.
type Connection struct {
	conn         *websocket.Conn
	id           string
	writeCh      chan []byte
	writeTimeout time.Duration
	identity     types.Identity
	remoteIP     string
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once

	mu      sync.RWMutex
	examID  types.ExamID
	roomRef string
}

// NewConnection wraps an upgraded socket for an already authenticated identity
func NewConnection(conn *websocket.Conn, identity types.Identity, remoteIP string, writeTimeout time.Duration) *Connection {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		id:           uuid.New().String(),
		writeCh:      make(chan []byte, sendBufferSize),
		writeTimeout: writeTimeout,
		identity:     identity,
		remoteIP:     remoteIP,
		ctx:          ctx,
		cancel:       cancel,
	}
	if conn != nil {
		go c.writeLoop()
	}
	return c
}

func (c *Connection) writeLoop() {
	defer c.Close()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("websocket: write to conn=%s failed: %v", c.id, err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for the client. A client whose buffer is full gets
// ErrSendBufferFull instead of stalling the caller.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(ErrInvalidJSON, err.Error())
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the writer and closes the socket once
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed when the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) GetConnectionID() string { return c.id }
func (c *Connection) GetPersonID() string     { return c.identity.PersonID }
func (c *Connection) GetRole() string         { return string(c.identity.Role) }
func (c *Connection) GetRemoteIP() string     { return c.remoteIP }
func (c *Connection) Identity() types.Identity {
	return c.identity
}

// IsProfessor reports whether the identity is a professor
func (c *Connection) IsProfessor() bool {
	return c.identity.Role == types.RoleProfessor
}

// Bind records the exam and room the connection joined
func (c *Connection) Bind(examID types.ExamID, roomRef string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.examID = examID
	c.roomRef = roomRef
}

// Binding returns the joined exam and room
func (c *Connection) Binding() (types.ExamID, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.examID, c.roomRef
}
