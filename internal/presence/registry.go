// Package presence tracks who is connected to which exam room.
package presence

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

var (
	ErrUnknownParticipant  = errors.New("participant is not registered in this exam")
	ErrStickyStatus        = errors.New("status is sticky and needs an administrative clear")
	ErrInvalidRegistration = errors.New("registration needs a connection, a person and a student exam")
)

// History entry types
const (
	HistoryConnected    = "connected"
	HistoryReconnected  = "reconnected"
	HistoryDisconnected = "disconnected"
	HistoryMoved        = "moved"
	HistoryStatus       = "status"
	HistoryCleared      = "cleared"
	HistoryNoNetwork    = "no-network"
	HistoryBackOnline   = "back-online"
)

// Options configures a Registry
type Options struct {
	// GracePeriod delays the Offline transition after a disconnect; zero is immediate
	GracePeriod  time.Duration
	HistoryLimit int
	Now          func() time.Time
}

// Registration is the input of Register
type Registration struct {
	ConnectionID string
	PersonID     string
	DisplayName  string
	Matricule    string
	Role         types.Role
	ExamID       types.ExamID
	RoomRef      string
	IP           string
}

// Snapshot is returned to a registering connection so it can reconcile at once
type Snapshot struct {
	Self        types.RosterEntry
	Roster      []types.RosterEntry
	PreviousIP  string
	Reconnected bool
}

// Stats summarizes the registry for health output
type Stats struct {
	Rooms          int `json:"rooms"`
	Students       int `json:"students"`
	OnlineStudents int `json:"online_students"`
	Watchers       int `json:"watchers"`
}

type key struct {
	personID string
	examID   types.ExamID
}

type entry struct {
	types.Participant
	connected bool
	grace     *time.Timer
}

func (e *entry) stopGrace() {
	if e.grace != nil {
		e.grace.Stop()
		e.grace = nil
	}
}

// room holds the students of one exam; its mutex serializes every mutation of that exam
type room struct {
	mu           sync.Mutex
	examID       types.ExamID
	roomRef      string
	participants map[string]*entry
	closed       bool
}

// Registry is the single owner of Participants. Students are keyed by
// (personID, examID); connections only point at that key, so a reconnect
// converges on the same logical entry.
type Registry struct {
	sink  interfaces.EventSink
	grace time.Duration
	limit int
	now   func() time.Time

	mu          sync.Mutex
	rooms       map[types.ExamID]*room
	conns       map[string]key
	studentExam map[string]types.ExamID
	watchers    map[string]types.Participant
}

// NewRegistry creates a registry publishing roster changes to sink
func NewRegistry(sink interfaces.EventSink, opts Options) *Registry {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		sink:        sink,
		grace:       opts.GracePeriod,
		limit:       opts.HistoryLimit,
		now:         opts.Now,
		rooms:       make(map[types.ExamID]*room),
		conns:       make(map[string]key),
		studentExam: make(map[string]types.ExamID),
		watchers:    make(map[string]types.Participant),
	}
}

// lockRoom returns the exam's room locked, creating it when asked. A room torn
// down while we waited for its lock is skipped.
func (r *Registry) lockRoom(examID types.ExamID, roomRef string, create bool) *room {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[examID]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil
			}
			rm = &room{examID: examID, roomRef: roomRef, participants: make(map[string]*entry)}
			r.rooms[examID] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if !rm.closed {
			if rm.roomRef == "" && roomRef != "" {
				rm.roomRef = roomRef
			}
			return rm
		}
		rm.mu.Unlock()
	}
}

// Register binds a connection to an exam (students) or a room (professors)
// and returns the state the new connection needs to reconcile.
func (r *Registry) Register(reg Registration) (*Snapshot, error) {
	if reg.ConnectionID == "" || reg.PersonID == "" {
		return nil, ErrInvalidRegistration
	}
	if reg.Role == types.RoleProfessor {
		return r.registerWatcher(reg), nil
	}
	if reg.ExamID <= 0 {
		return nil, ErrInvalidRegistration
	}

	r.mu.Lock()
	prevExam, had := r.studentExam[reg.PersonID]
	r.studentExam[reg.PersonID] = reg.ExamID
	r.conns[reg.ConnectionID] = key{personID: reg.PersonID, examID: reg.ExamID}
	r.mu.Unlock()

	if had && prevExam != reg.ExamID {
		r.leaveExam(reg.PersonID, prevExam, reg.ExamID)
	}

	rm := r.lockRoom(reg.ExamID, reg.RoomRef, true)
	defer rm.mu.Unlock()

	now := r.now()
	e, reconnected := rm.participants[reg.PersonID]
	if !reconnected {
		e = &entry{Participant: types.Participant{
			PersonID: reg.PersonID,
			Role:     types.RoleStudent,
			ExamID:   reg.ExamID,
			RoomRef:  rm.roomRef,
		}}
		rm.participants[reg.PersonID] = e
	}
	e.stopGrace()

	snap := &Snapshot{PreviousIP: e.IP, Reconnected: reconnected}

	e.ConnectionID = reg.ConnectionID
	if reg.DisplayName != "" {
		e.DisplayName = reg.DisplayName
	}
	if reg.Matricule != "" {
		e.Matricule = reg.Matricule
	}
	if reg.IP != "" {
		e.IP = reg.IP
	}
	e.connected = true
	e.LastSeenAt = now
	if !e.Status.IsSticky() {
		e.Status = types.PresenceOnline
	}
	if reconnected {
		r.appendHistory(e, now, HistoryReconnected, "reconnected from "+e.IP)
	} else {
		r.appendHistory(e, now, HistoryConnected, "joined from "+e.IP)
	}

	r.sink.Publish(types.Event{
		Name:     types.EventStudentConnected,
		Audience: types.ToExamRoom(reg.ExamID),
		Payload: types.StudentConnectedPayload{
			ExamID:    reg.ExamID,
			StudentID: reg.PersonID,
			Matricule: e.RosterEntry().Matricule,
			Role:      types.RoleStudent,
			At:        types.Millis(now),
		},
	})
	roster := r.publishRoster(rm)

	snap.Self = e.RosterEntry()
	snap.Roster = roster
	log.Printf("presence: registered student=%s exam=%d conn=%s reconnected=%t",
		reg.PersonID, reg.ExamID, reg.ConnectionID, reconnected)
	return snap, nil
}

func (r *Registry) registerWatcher(reg Registration) *Snapshot {
	p := types.Participant{
		ConnectionID: reg.ConnectionID,
		PersonID:     reg.PersonID,
		DisplayName:  reg.DisplayName,
		Role:         types.RoleProfessor,
		ExamID:       reg.ExamID,
		RoomRef:      reg.RoomRef,
		Status:       types.PresenceOnline,
		IP:           reg.IP,
		LastSeenAt:   r.now(),
	}
	r.mu.Lock()
	r.watchers[reg.ConnectionID] = p
	r.mu.Unlock()

	snap := &Snapshot{Self: p.RosterEntry()}
	if reg.ExamID > 0 {
		snap.Roster = r.ListForExam(reg.ExamID)
	} else {
		snap.Roster = r.ListForRoom(reg.RoomRef)
	}
	return snap
}

// leaveExam takes a student out of their previous exam when they join another one
func (r *Registry) leaveExam(personID string, oldExam, newExam types.ExamID) {
	rm := r.lockRoom(oldExam, "", false)
	if rm == nil {
		return
	}
	defer rm.mu.Unlock()

	e, ok := rm.participants[personID]
	if !ok {
		return
	}
	e.stopGrace()
	e.connected = false
	// stale unregisters of the old socket must not touch this entry again
	e.ConnectionID = ""
	if !e.Status.IsSticky() {
		e.Status = types.PresenceOffline
	}
	r.appendHistory(e, r.now(), HistoryMoved, "moved to exam "+newExam.String())
	r.publishRoster(rm)
}

// Unregister handles a closed connection. The Offline transition is confirmed
// after the grace period; a reconnect of the same person in the meantime
// replaces the connection id and the confirmation becomes a no-op.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	if _, ok := r.watchers[connectionID]; ok {
		delete(r.watchers, connectionID)
		r.mu.Unlock()
		return
	}
	k, ok := r.conns[connectionID]
	if ok {
		delete(r.conns, connectionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	rm := r.lockRoom(k.examID, "", false)
	if rm == nil {
		return
	}
	defer rm.mu.Unlock()

	e, ok := rm.participants[k.personID]
	if !ok || e.ConnectionID != connectionID {
		return
	}
	if r.grace <= 0 {
		r.markDisconnected(rm, e)
		return
	}
	e.stopGrace()
	e.grace = time.AfterFunc(r.grace, func() {
		r.confirmDisconnect(k, connectionID)
	})
}

func (r *Registry) confirmDisconnect(k key, connectionID string) {
	rm := r.lockRoom(k.examID, "", false)
	if rm == nil {
		return
	}
	defer rm.mu.Unlock()

	e, ok := rm.participants[k.personID]
	if !ok || e.ConnectionID != connectionID || !e.connected {
		return
	}
	r.markDisconnected(rm, e)
}

func (r *Registry) markDisconnected(rm *room, e *entry) {
	now := r.now()
	e.grace = nil
	e.connected = false
	if !e.Status.IsSticky() {
		e.Status = types.PresenceOffline
	}
	r.appendHistory(e, now, HistoryDisconnected, "connection closed")

	r.sink.Publish(types.Event{
		Name:     types.EventStudentDisconnected,
		Audience: types.ToExamRoom(rm.examID),
		Payload:  types.StudentPresencePayload{ExamID: rm.examID, StudentID: e.PersonID, At: types.Millis(now)},
	})
	r.publishRoster(rm)
	log.Printf("presence: student=%s exam=%d disconnected", e.PersonID, rm.examID)
}

// MarkStatus moves a participant to status. Setting the current status again
// changes nothing and broadcasts nothing. Sticky statuses reject every change.
func (r *Registry) MarkStatus(personID string, examID types.ExamID, status types.PresenceStatus) (bool, error) {
	rm := r.lockRoom(examID, "", false)
	if rm == nil {
		return false, ErrUnknownParticipant
	}
	defer rm.mu.Unlock()

	e, ok := rm.participants[personID]
	if !ok {
		return false, ErrUnknownParticipant
	}
	if e.Status == status {
		return false, nil
	}
	if e.Status.IsSticky() {
		return false, ErrStickyStatus
	}
	e.Status = status
	r.appendHistory(e, r.now(), HistoryStatus, string(status))
	r.publishRoster(rm)
	return true, nil
}

// ClearStatus is the administrative reset of a sticky status
func (r *Registry) ClearStatus(personID string, examID types.ExamID) (bool, error) {
	rm := r.lockRoom(examID, "", false)
	if rm == nil {
		return false, ErrUnknownParticipant
	}
	defer rm.mu.Unlock()

	e, ok := rm.participants[personID]
	if !ok {
		return false, ErrUnknownParticipant
	}
	if !e.Status.IsSticky() {
		return false, nil
	}
	prev := e.Status
	e.Status = types.PresenceOffline
	if e.connected {
		e.Status = types.PresenceOnline
	}
	r.appendHistory(e, r.now(), HistoryCleared, "cleared "+string(prev))
	r.publishRoster(rm)
	log.Printf("presence: cleared %s for student=%s exam=%d", prev, personID, examID)
	return true, nil
}

// Record appends a history entry and optionally moves the participant to
// status in the same mutation. Sticky statuses are left untouched.
func (r *Registry) Record(personID string, examID types.ExamID, entryType, message string, status types.PresenceStatus) (bool, error) {
	rm := r.lockRoom(examID, "", false)
	if rm == nil {
		return false, ErrUnknownParticipant
	}
	defer rm.mu.Unlock()

	e, ok := rm.participants[personID]
	if !ok {
		return false, ErrUnknownParticipant
	}
	changed := false
	if status != "" && status != e.Status && !e.Status.IsSticky() {
		e.Status = status
		changed = true
	}
	r.appendHistory(e, r.now(), entryType, message)
	r.publishRoster(rm)
	return changed, nil
}

// Touch refreshes lastSeenAt of the student bound to the connection. A student
// flagged NoNetwork by the watchdog comes back Online.
func (r *Registry) Touch(connectionID string) {
	r.mu.Lock()
	k, ok := r.conns[connectionID]
	r.mu.Unlock()
	if !ok {
		return
	}

	rm := r.lockRoom(k.examID, "", false)
	if rm == nil {
		return
	}
	defer rm.mu.Unlock()

	e, ok := rm.participants[k.personID]
	if !ok || e.ConnectionID != connectionID {
		return
	}
	now := r.now()
	e.LastSeenAt = now
	if e.Status == types.PresenceNoNetwork {
		e.Status = types.PresenceOnline
		r.appendHistory(e, now, HistoryBackOnline, "heartbeat resumed")
		r.publishRoster(rm)
	}
}

// ObserveIP stores the address seen on the connection and returns the
// participant as it was before, so the caller can compare addresses
func (r *Registry) ObserveIP(connectionID, ip string) (types.Participant, error) {
	r.mu.Lock()
	k, ok := r.conns[connectionID]
	r.mu.Unlock()
	if !ok {
		return types.Participant{}, ErrUnknownParticipant
	}

	rm := r.lockRoom(k.examID, "", false)
	if rm == nil {
		return types.Participant{}, ErrUnknownParticipant
	}
	defer rm.mu.Unlock()

	e, ok := rm.participants[k.personID]
	if !ok || e.ConnectionID != connectionID {
		return types.Participant{}, ErrUnknownParticipant
	}
	before := e.Clone()
	if ip != "" {
		e.IP = ip
	}
	e.LastSeenAt = r.now()
	return *before, nil
}

// Lookup returns the student currently bound to the connection
func (r *Registry) Lookup(connectionID string) (types.Participant, bool) {
	r.mu.Lock()
	if w, ok := r.watchers[connectionID]; ok {
		r.mu.Unlock()
		return w, true
	}
	k, ok := r.conns[connectionID]
	r.mu.Unlock()
	if !ok {
		return types.Participant{}, false
	}
	p, ok := r.Participant(k.personID, k.examID)
	if !ok || p.ConnectionID != connectionID {
		return types.Participant{}, false
	}
	return p, true
}

// Participant returns a copy of one student's entry
func (r *Registry) Participant(personID string, examID types.ExamID) (types.Participant, bool) {
	rm := r.lockRoom(examID, "", false)
	if rm == nil {
		return types.Participant{}, false
	}
	defer rm.mu.Unlock()
	e, ok := rm.participants[personID]
	if !ok {
		return types.Participant{}, false
	}
	return *e.Clone(), true
}

// Sweep moves Online students whose last heartbeat is older than timeout to
// NoNetwork and returns how many were flagged. Students inside their
// disconnect grace period are left to the grace timer.
func (r *Registry) Sweep(timeout time.Duration) int {
	now := r.now()
	flagged := 0
	for _, examID := range r.examIDs() {
		rm := r.lockRoom(examID, "", false)
		if rm == nil {
			continue
		}
		changed := false
		for _, e := range rm.participants {
			if e.Status != types.PresenceOnline || e.grace != nil || now.Sub(e.LastSeenAt) <= timeout {
				continue
			}
			e.Status = types.PresenceNoNetwork
			r.appendHistory(e, now, HistoryNoNetwork, "no heartbeat since "+e.LastSeenAt.Format(time.TimeOnly))
			r.sink.Publish(types.Event{
				Name:     types.EventStudentOffline,
				Audience: types.ToExamRoom(examID),
				Payload:  types.StudentPresencePayload{ExamID: examID, StudentID: e.PersonID, At: types.Millis(now)},
			})
			changed = true
			flagged++
		}
		if changed {
			r.publishRoster(rm)
		}
		rm.mu.Unlock()
	}
	return flagged
}

// TeardownExam drops the live roster of a finished exam
func (r *Registry) TeardownExam(examID types.ExamID) {
	r.mu.Lock()
	rm, ok := r.rooms[examID]
	delete(r.rooms, examID)
	for connID, k := range r.conns {
		if k.examID == examID {
			delete(r.conns, connID)
		}
	}
	for personID, id := range r.studentExam {
		if id == examID {
			delete(r.studentExam, personID)
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.closed = true
	for _, e := range rm.participants {
		e.stopGrace()
	}
	r.sink.Publish(types.Event{
		Name:     types.EventUpdateStudentList,
		Audience: types.ToExamProfessors(examID),
		Payload:  []types.RosterEntry{},
	})
	log.Printf("presence: exam=%d roster torn down (%d participants)", examID, len(rm.participants))
}

// ListForExam returns the roster of one exam ordered by matricule
func (r *Registry) ListForExam(examID types.ExamID) []types.RosterEntry {
	rm := r.lockRoom(examID, "", false)
	if rm == nil {
		return []types.RosterEntry{}
	}
	defer rm.mu.Unlock()
	return rosterLocked(rm)
}

// ListForRoom returns the students of every exam held in roomRef; an empty
// roomRef lists every exam
func (r *Registry) ListForRoom(roomRef string) []types.RosterEntry {
	out := []types.RosterEntry{}
	for _, examID := range r.examIDs() {
		rm := r.lockRoom(examID, "", false)
		if rm == nil {
			continue
		}
		if roomRef == "" || rm.roomRef == roomRef {
			out = append(out, rosterLocked(rm)...)
		}
		rm.mu.Unlock()
	}
	return out
}

// Stats returns counters for the health endpoint
func (r *Registry) Stats() Stats {
	var s Stats
	r.mu.Lock()
	s.Watchers = len(r.watchers)
	r.mu.Unlock()

	for _, examID := range r.examIDs() {
		rm := r.lockRoom(examID, "", false)
		if rm == nil {
			continue
		}
		s.Rooms++
		for _, e := range rm.participants {
			s.Students++
			if e.Status == types.PresenceOnline {
				s.OnlineStudents++
			}
		}
		rm.mu.Unlock()
	}
	return s
}

func (r *Registry) examIDs() []types.ExamID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]types.ExamID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) appendHistory(e *entry, at time.Time, entryType, message string) {
	e.History = append(e.History, types.HistoryEntry{At: at, Type: entryType, Message: message})
	if over := len(e.History) - r.limit; over > 0 {
		e.History = append([]types.HistoryEntry(nil), e.History[over:]...)
	}
}

// publishRoster must be called with rm.mu held
func (r *Registry) publishRoster(rm *room) []types.RosterEntry {
	roster := rosterLocked(rm)
	r.sink.Publish(types.Event{
		Name:     types.EventUpdateStudentList,
		Audience: types.ToExamProfessors(rm.examID),
		Payload:  roster,
	})
	return roster
}

func rosterLocked(rm *room) []types.RosterEntry {
	out := make([]types.RosterEntry, 0, len(rm.participants))
	for _, e := range rm.participants {
		out = append(out, e.RosterEntry())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Matricule != out[j].Matricule {
			return out[i].Matricule < out[j].Matricule
		}
		return out[i].StudentID < out[j].StudentID
	})
	return out
}
