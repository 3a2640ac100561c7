package types

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ExamStatus is the lifecycle state of one exam run
// Values match the status column of the exams table
type ExamStatus string

const (
	StatusReady    ExamStatus = "ready"
	StatusLaunched ExamStatus = "launched"
	StatusRunning  ExamStatus = "running"
	StatusWarned   ExamStatus = "warned"
	StatusEnded    ExamStatus = "ended"
	StatusStopped  ExamStatus = "stopped"
	StatusFinished ExamStatus = "finished"
)

// IsLive reports whether the status carries a countdown (endAt is set)
func (s ExamStatus) IsLive() bool {
	return s == StatusRunning || s == StatusWarned
}

// IsTerminalRun reports whether a run has produced an outcome that can be archived
func (s ExamStatus) IsTerminalRun() bool {
	return s == StatusEnded || s == StatusStopped
}

// IsValidExamStatus checks a persisted status string
func IsValidExamStatus(s string) bool {
	switch ExamStatus(s) {
	case StatusReady, StatusLaunched, StatusRunning, StatusWarned,
		StatusEnded, StatusStopped, StatusFinished:
		return true
	default:
		return false
	}
}

// Role of a connected actor
type Role string

const (
	RoleStudent   Role = "student"
	RoleProfessor Role = "professor"
)

// PresenceStatus is the live state of a participant inside one exam room
type PresenceStatus string

const (
	PresenceOnline    PresenceStatus = "online"
	PresenceOffline   PresenceStatus = "offline"
	PresenceNoNetwork PresenceStatus = "no-network"
	PresenceCheating  PresenceStatus = "cheating"
	PresenceFinalized PresenceStatus = "finalized"
)

// IsSticky reports whether the status can only be cleared by an administrative action
func (p PresenceStatus) IsSticky() bool {
	return p == PresenceCheating || p == PresenceFinalized
}

// ExamID is the durable exam reference. Clients send it either as a number or
// as a numeric string (route params), so decoding accepts both.
type ExamID int64

// UnmarshalJSON accepts 7, "7" and null
func (id *ExamID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		*id = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return ErrInvalidExamID
	}
	*id = ExamID(n)
	return nil
}

func (id ExamID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseExamID parses a path or query parameter
func ParseExamID(s string) (ExamID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrInvalidExamID
	}
	return ExamID(n), nil
}

// Exam is the durable exam metadata owned by the persistence layer
type Exam struct {
	ID          ExamID     `json:"examId"`
	Titre       string     `json:"titre"`
	Status      ExamStatus `json:"status"`
	ProfessorID string     `json:"professorId"`
	RoomNumber  string     `json:"roomNumber"`
	DurationMin int        `json:"durationMin"`
	EndsAt      *time.Time `json:"-"`
}

// ExamSession identifies one exam's live run
// EndAt is set if and only if Status is running or warned
type ExamSession struct {
	ExamID     ExamID
	Status     ExamStatus
	EndAt      *time.Time
	DurationMs int64
	Generation uint64
}

// TimeLeft returns the remaining time clamped to zero
func (s *ExamSession) TimeLeft(now time.Time) time.Duration {
	if s.EndAt == nil {
		return 0
	}
	left := s.EndAt.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// HistoryEntry is one event in a participant's presence history
type HistoryEntry struct {
	At      time.Time
	Type    string
	Message string
}

type historyWire struct {
	At      int64  `json:"at"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// MarshalJSON renders the timestamp as epoch milliseconds like every other wire time
func (h HistoryEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(historyWire{Millis(h.At), h.Type, h.Message})
}

// UnmarshalJSON reads the epoch milliseconds written by MarshalJSON
func (h *HistoryEntry) UnmarshalJSON(data []byte) error {
	var w historyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	h.At = time.Time{}
	if w.At != 0 {
		h.At = time.UnixMilli(w.At)
	}
	h.Type = w.Type
	h.Message = w.Message
	return nil
}

// Participant is one actor bound to one exam room
type Participant struct {
	ConnectionID string
	PersonID     string
	DisplayName  string
	Matricule    string
	Role         Role
	ExamID       ExamID
	RoomRef      string
	Status       PresenceStatus
	IP           string
	History      []HistoryEntry
	LastSeenAt   time.Time
}

// Clone returns a copy safe to hand outside the registry lock
func (p *Participant) Clone() *Participant {
	c := *p
	c.History = append([]HistoryEntry(nil), p.History...)
	return &c
}

// RosterEntry converts the participant to its update-student-list form
func (p *Participant) RosterEntry() RosterEntry {
	name := p.DisplayName
	if name == "" {
		name = p.Matricule
	}
	if name == "" {
		name = p.PersonID
	}
	matricule := p.Matricule
	if matricule == "" {
		matricule = p.PersonID
	}
	return RosterEntry{
		StudentID:  p.PersonID,
		Matricule:  matricule,
		Name:       name,
		ExamID:     p.ExamID,
		RoomNumber: p.RoomRef,
		IP:         p.IP,
		Status:     p.Status,
		LastSeen:   Millis(p.LastSeenAt),
		History:    append([]HistoryEntry(nil), p.History...),
	}
}

// Alert levels
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelDanger  = "danger"
	LevelSuccess = "success"
)

// Alert kinds
const (
	AlertCheatAttempt   = "CHEAT_ATTEMPT"
	AlertNetworkChange  = "NETWORK_CHANGE"
	AlertOutsideNetwork = "OUTSIDE_NETWORK"
	AlertSubmission     = "SUBMISSION"
	AlertFinalized      = "FINALIZED"
)

// AlertEvent is a transient notification for professor dashboards
type AlertEvent struct {
	Kind       string
	Level      string
	Message    string
	ExamID     ExamID
	StudentRef string
	Timestamp  time.Time
}

// Payload converts the alert into its wire form
func (a AlertEvent) Payload() AlertPayload {
	return AlertPayload{
		Type:      a.Kind,
		Message:   a.Message,
		Level:     a.Level,
		ExamID:    a.ExamID,
		StudentID: a.StudentRef,
		At:        Millis(a.Timestamp),
	}
}

// Identity is the tuple supplied by the (external) auth layer on connect
type Identity struct {
	PersonID    string
	Role        Role
	DisplayName string
	Matricule   string
}

// Millis converts a time to epoch milliseconds, zero time maps to 0
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
