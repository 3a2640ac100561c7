package websocket

import (
	"context"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"proctorhub/pkg/types"
)

// MessageHandler receives every inbound text frame of a connection
type MessageHandler interface {
	HandleMessage(ctx context.Context, conn *Connection, data []byte)
	ConnectionClosed(conn *Connection)
}

// SessionLister provides the live exams sent in initial-sync
type SessionLister interface {
	GetActiveSessions() []types.ActiveExam
}

// HandlerConfig holds socket timings and the origin allow-list
type HandlerConfig struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

// Handler upgrades HTTP requests and runs the read side of each socket
type Handler struct {
	registry *Registry
	router   MessageHandler
	sessions SessionLister
	config   HandlerConfig
	upgrader websocket.Upgrader
}

// NewHandler creates a handler. The identity on the query string has already
// been checked by the auth layer in front of this service.
func NewHandler(registry *Registry, router MessageHandler, sessions SessionLister, config HandlerConfig) *Handler {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ReadTimeout <= config.PingInterval {
		config.ReadTimeout = 2 * config.PingInterval
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = 64 * 1024
	}
	h := &Handler{
		registry: registry,
		router:   router,
		sessions: sessions,
		config:   config,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	log.Printf("security: rejected websocket origin=%s", origin)
	return false
}

// IdentityFromRequest reads the identity tuple from the query string
func IdentityFromRequest(r *http.Request) (types.Identity, error) {
	q := r.URL.Query()
	id := types.Identity{
		PersonID:    strings.TrimSpace(q.Get("person_id")),
		Role:        types.Role(strings.ToLower(strings.TrimSpace(q.Get("role")))),
		DisplayName: strings.TrimSpace(q.Get("display_name")),
		Matricule:   strings.TrimSpace(q.Get("matricule")),
	}
	if id.Matricule != "" && !types.IsValidPersonID(id.Matricule) {
		return id, types.ErrInvalidPersonID
	}
	return id, id.Validate()
}

// RemoteIP returns the peer address without the port
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HandleWebSocket validates the identity, upgrades, registers the socket,
// sends initial-sync and starts the read loop
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := IdentityFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket: upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(h.config.MaxMessageSize)

	conn := NewConnection(ws, identity, RemoteIP(r), h.config.WriteTimeout)
	// registered before the snapshot is taken so no broadcast falls in between
	if err := h.registry.RegisterConnection(conn); err != nil {
		log.Printf("websocket: register failed: %v", err)
		_ = conn.Close()
		return
	}
	initial := types.Frame{
		Event: types.EventInitialSync,
		Data:  types.InitialSyncPayload{ActiveExams: h.sessions.GetActiveSessions()},
	}
	if err := conn.WriteJSON(initial); err != nil {
		log.Printf("websocket: initial-sync to conn=%s failed: %v", conn.GetConnectionID(), err)
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		return
	}
	log.Printf("websocket: connected conn=%s person=%s role=%s ip=%s",
		conn.GetConnectionID(), identity.PersonID, identity.Role, conn.GetRemoteIP())

	go h.handleConnection(conn)
}

func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.UnregisterConnection(conn)
		h.router.ConnectionClosed(conn)
		_ = conn.Close()
		log.Printf("websocket: disconnected conn=%s person=%s", conn.GetConnectionID(), conn.GetPersonID())
	}()

	ws := conn.conn
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("websocket: read from conn=%s failed: %v", conn.GetConnectionID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.router.HandleMessage(conn.ctx, conn, data)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}
