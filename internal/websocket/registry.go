package websocket

import (
	"sync"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

type connSet map[string]*Connection

func (s connSet) add(c *Connection) { s[c.GetConnectionID()] = c }

// Registry tracks live sockets and the audiences they belong to. It knows
// nothing about presence status; it only answers "who gets this event".
type Registry struct {
	mu             sync.RWMutex
	conns          connSet
	professors     connSet                  // every professor socket
	globalWatchers connSet                  // admin sockets watching every exam
	roomWatchers   map[string]connSet       // roomRef -> professors
	examProfessors map[types.ExamID]connSet // professors that joined one exam
	examStudents   map[types.ExamID]connSet
	examRooms      map[types.ExamID]string
	examOwners     map[types.ExamID]string
	admins         map[string]bool
}

// NewRegistry creates an empty registry. Professors listed in admins watch
// every exam; everyone else only sees exams they own, joined, or whose room
// they watch.
func NewRegistry(admins ...string) *Registry {
	r := &Registry{
		conns:          make(connSet),
		professors:     make(connSet),
		globalWatchers: make(connSet),
		roomWatchers:   make(map[string]connSet),
		examProfessors: make(map[types.ExamID]connSet),
		examStudents:   make(map[types.ExamID]connSet),
		examRooms:      make(map[types.ExamID]string),
		examOwners:     make(map[types.ExamID]string),
		admins:         make(map[string]bool),
	}
	for _, id := range admins {
		r.admins[id] = true
	}
	return r
}

// RegisterConnection adds a socket. Admin professors start as global watchers.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.GetConnectionID()]; exists {
		return ErrDuplicateConnection
	}
	r.conns.add(conn)
	if conn.IsProfessor() {
		r.professors.add(conn)
		if r.admins[conn.GetPersonID()] {
			r.globalWatchers.add(conn)
		}
	}
	return nil
}

// UnregisterConnection removes the socket from every audience. Only the
// instance that was registered under its id is removed.
func (r *Registry) UnregisterConnection(conn *Connection) bool {
	if conn == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.GetConnectionID()
	if registered, ok := r.conns[id]; !ok || registered != conn {
		return false
	}
	delete(r.conns, id)
	delete(r.professors, id)
	r.leaveLocked(conn)
	return true
}

// leaveLocked drops the socket from its watch scope and exam sets
func (r *Registry) leaveLocked(conn *Connection) {
	id := conn.GetConnectionID()
	delete(r.globalWatchers, id)
	for room, set := range r.roomWatchers {
		delete(set, id)
		if len(set) == 0 {
			delete(r.roomWatchers, room)
		}
	}
	for exam, set := range r.examProfessors {
		delete(set, id)
		if len(set) == 0 {
			delete(r.examProfessors, exam)
		}
	}
	for exam, set := range r.examStudents {
		delete(set, id)
		if len(set) == 0 {
			delete(r.examStudents, exam)
		}
	}
}

// JoinExam puts the socket in the exam's student or professor audience.
// A student socket belongs to one exam at a time.
func (r *Registry) JoinExam(connID string, examID types.ExamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if conn.IsProfessor() {
		set := r.examProfessors[examID]
		if set == nil {
			set = make(connSet)
			r.examProfessors[examID] = set
		}
		set.add(conn)
		return nil
	}

	for exam, set := range r.examStudents {
		if exam != examID {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.examStudents, exam)
			}
		}
	}
	set := r.examStudents[examID]
	if set == nil {
		set = make(connSet)
		r.examStudents[examID] = set
	}
	set.add(conn)
	return nil
}

// WatchRoom scopes a professor socket to one room. An empty room drops the
// room scope; admins go back to watching every exam.
func (r *Registry) WatchRoom(connID, roomRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok || !conn.IsProfessor() {
		return ErrUnknownConnection
	}
	delete(r.globalWatchers, connID)
	for room, set := range r.roomWatchers {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.roomWatchers, room)
		}
	}
	if roomRef == "" {
		if r.admins[conn.GetPersonID()] {
			r.globalWatchers.add(conn)
		}
		return nil
	}
	set := r.roomWatchers[roomRef]
	if set == nil {
		set = make(connSet)
		r.roomWatchers[roomRef] = set
	}
	set.add(conn)
	return nil
}

// BindExam records the room hosting an exam and the professor owning it
func (r *Registry) BindExam(examID types.ExamID, roomRef, ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if roomRef != "" {
		r.examRooms[examID] = roomRef
	}
	if ownerID != "" {
		r.examOwners[examID] = ownerID
	}
}

// Resolve returns the connections of an audience
func (r *Registry) Resolve(a types.Audience) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []interfaces.Connection
	add := func(set connSet) {
		for id, c := range set {
			if !seen[id] {
				seen[id] = true
				out = append(out, c)
			}
		}
	}

	switch a.Kind {
	case types.AudienceEveryone:
		add(r.conns)
	case types.AudienceAllProfessors:
		add(r.professors)
	case types.AudienceExamProfessors:
		r.addExamProfessors(a.ExamID, add)
	case types.AudienceExamRoom:
		add(r.examStudents[a.ExamID])
		r.addExamProfessors(a.ExamID, add)
	case types.AudienceConnection:
		if c, ok := r.conns[a.ConnectionID]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) addExamProfessors(examID types.ExamID, add func(connSet)) {
	add(r.globalWatchers)
	add(r.examProfessors[examID])
	if room, ok := r.examRooms[examID]; ok {
		add(r.roomWatchers[room])
	}
	if owner, ok := r.examOwners[examID]; ok {
		for _, c := range r.professors {
			if c.GetPersonID() == owner {
				add(connSet{c.GetConnectionID(): c})
			}
		}
	}
}

// GetConnection looks a socket up by id
func (r *Registry) GetConnection(connID string) (interfaces.Connection, bool) {
	c, ok := r.Connection(connID)
	if !ok {
		return nil, false
	}
	return c, true
}

// Connection returns the concrete socket
func (r *Registry) Connection(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// GetStats returns registry statistics for health output
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	students := 0
	for _, set := range r.examStudents {
		students += len(set)
	}
	return map[string]int{
		"total_connections": len(r.conns),
		"professors":        len(r.professors),
		"exam_students":     students,
		"active_exams":      len(r.examStudents),
	}
}

// CloseAll closes every socket, used on shutdown
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
