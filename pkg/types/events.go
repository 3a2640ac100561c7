package types

import "encoding/json"

// Client -> core event names
const (
	EventJoinExam         = "join-exam"
	EventProfessorJoin    = "professor-join"
	EventStartExam        = "start-exam"
	EventStopExam         = "stop-exam"
	EventFinishExam       = "finish-exam-manual"
	EventPublishExam      = "publish-exam"
	EventFinalizeExam     = "finalize-exam"
	EventCheatAlert       = "cheat-alert"
	EventNetworkHeartbeat = "network-heartbeat"
	EventHeartbeat        = "heartbeat"
)

// Core -> client event names
const (
	EventInitialSync         = "initial-sync"
	EventExamStarted         = "exam-started"
	EventExamTick            = "exam-tick"
	EventExamWarning         = "exam-warning"
	EventExamEnded           = "exam-ended"
	EventExamStopped         = "exam-stopped"
	EventExamFinished        = "exam-finished"
	EventUpdateStudentList   = "update-student-list"
	EventAlert               = "alert"
	EventStudentConnected    = "student-connected"
	EventStudentDisconnected = "student-disconnected"
	EventStudentOffline      = "student-offline"
	EventFileSubmitted       = "file-submitted"
	EventSubmissionUpdate    = "professor:submission-update"
	EventCommandError        = "command-error"
)

// Envelope is an inbound frame; Data is decoded once the event name is known
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame is an outbound frame
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// AudienceKind selects who receives an outbound event
type AudienceKind int

const (
	AudienceEveryone AudienceKind = iota
	AudienceAllProfessors
	AudienceExamProfessors
	AudienceExamRoom
	AudienceConnection
)

func (k AudienceKind) String() string {
	switch k {
	case AudienceEveryone:
		return "everyone"
	case AudienceAllProfessors:
		return "all-professors"
	case AudienceExamProfessors:
		return "exam-professors"
	case AudienceExamRoom:
		return "exam-room"
	case AudienceConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// Audience of one outbound event
type Audience struct {
	Kind         AudienceKind
	ExamID       ExamID
	ConnectionID string
}

func ToEveryone() Audience                { return Audience{Kind: AudienceEveryone} }
func ToAllProfessors() Audience           { return Audience{Kind: AudienceAllProfessors} }
func ToExamProfessors(id ExamID) Audience { return Audience{Kind: AudienceExamProfessors, ExamID: id} }
func ToExamRoom(id ExamID) Audience       { return Audience{Kind: AudienceExamRoom, ExamID: id} }
func ToConnection(connID string) Audience {
	return Audience{Kind: AudienceConnection, ConnectionID: connID}
}

// Event is one typed outbound notification produced by the core
type Event struct {
	Name     string
	Audience Audience
	Payload  interface{}
}

// Frame wraps the event for the wire
func (e Event) Frame() Frame {
	return Frame{Event: e.Name, Data: e.Payload}
}

// Inbound payloads

type JoinExamRequest struct {
	ExamID    ExamID `json:"examId" validate:"required,gt=0"`
	StudentID string `json:"studentId" validate:"omitempty,max=50"`
	Matricule string `json:"matricule" validate:"omitempty,max=50"`
	Role      Role   `json:"role" validate:"omitempty,oneof=student professor"`
}

type ProfessorJoinRequest struct {
	RoomNumber string `json:"roomNumber" validate:"omitempty,max=50"`
}

type StartExamRequest struct {
	ExamID      ExamID  `json:"examId" validate:"required,gt=0"`
	DurationMin float64 `json:"durationMin" validate:"omitempty,gt=0,lte=1440"`
	Restart     bool    `json:"restart"`
}

// ExamRefRequest is used by stop-exam, finish-exam-manual, publish-exam and finalize-exam
type ExamRefRequest struct {
	ExamID ExamID `json:"examId" validate:"required,gt=0"`
}

type CheatAlertRequest struct {
	ExamID    ExamID `json:"examId" validate:"required,gt=0"`
	StudentID string `json:"studentId" validate:"omitempty,max=50"`
	Matricule string `json:"matricule" validate:"omitempty,max=50"`
	Type      string `json:"type" validate:"required,max=64"`
	Details   string `json:"details" validate:"max=1000"`
}

type NetworkHeartbeatRequest struct {
	Timestamp int64 `json:"timestamp"`
}

type HeartbeatRequest struct {
	ExamID    ExamID `json:"examId"`
	StudentID string `json:"studentId"`
}

// Outbound payloads

type ActiveExam struct {
	ExamID ExamID `json:"examId"`
	EndAt  int64  `json:"endAt"`
}

type InitialSyncPayload struct {
	ActiveExams []ActiveExam `json:"activeExams"`
}

type ExamStartedPayload struct {
	ExamID ExamID `json:"examId"`
	EndAt  int64  `json:"endAt"`
}

type ExamTickPayload struct {
	ExamID   ExamID `json:"examId"`
	TimeLeft int64  `json:"timeLeft"`
	EndAt    int64  `json:"endAt"`
}

type ExamWarningPayload struct {
	ExamID      ExamID `json:"examId"`
	MinutesLeft int    `json:"minutesLeft"`
}

// ExamRefPayload is the body of exam-ended, exam-stopped and exam-finished
type ExamRefPayload struct {
	ExamID ExamID `json:"examId"`
}

type RosterEntry struct {
	StudentID  string         `json:"studentId"`
	Matricule  string         `json:"matricule"`
	Name       string         `json:"name"`
	ExamID     ExamID         `json:"examId"`
	RoomNumber string         `json:"roomNumber,omitempty"`
	IP         string         `json:"ip,omitempty"`
	Status     PresenceStatus `json:"status"`
	LastSeen   int64          `json:"lastSeen"`
	History    []HistoryEntry `json:"history"`
}

type StudentConnectedPayload struct {
	ExamID    ExamID `json:"examId"`
	StudentID string `json:"studentId"`
	Matricule string `json:"matricule"`
	Role      Role   `json:"role"`
	At        int64  `json:"at"`
}

// StudentPresencePayload is the body of student-disconnected and student-offline
type StudentPresencePayload struct {
	ExamID    ExamID `json:"examId"`
	StudentID string `json:"studentId"`
	At        int64  `json:"at"`
}

type AlertPayload struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Level     string `json:"level"`
	ExamID    ExamID `json:"examId,omitempty"`
	StudentID string `json:"studentId,omitempty"`
	At        int64  `json:"at"`
}

type CheatAlertPayload struct {
	ExamID    ExamID `json:"examId"`
	StudentID string `json:"studentId"`
	Matricule string `json:"matricule,omitempty"`
	Type      string `json:"type"`
	Details   string `json:"details"`
	At        int64  `json:"at"`
}

type SubmittedFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type FileSubmittedPayload struct {
	ExamID    ExamID          `json:"examId"`
	StudentID string          `json:"studentId"`
	Files     []string        `json:"files"`
	URLs      []SubmittedFile `json:"urls"`
	At        int64           `json:"at"`
}

type SubmissionUpdatePayload struct {
	ExamID    ExamID          `json:"examId"`
	StudentID string          `json:"studentId"`
	Matricule string          `json:"matricule"`
	Files     []SubmittedFile `json:"files"`
	Finalized bool            `json:"finalized"`
	At        int64           `json:"at"`
}

type CommandErrorPayload struct {
	Command string `json:"command"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
