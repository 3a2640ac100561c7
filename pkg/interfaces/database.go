package interfaces

import (
	"context"
	"time"

	"proctorhub/pkg/types"
)

// LogRow is one persisted alert/cheat log line
type LogRow struct {
	ID        int64        `json:"id"`
	ExamID    types.ExamID `json:"examId"`
	Matricule string       `json:"matricule"`
	Action    string       `json:"action"`
	Type      string       `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
}

// Submission is one "file submitted" fact relayed by the upload subsystem
type Submission struct {
	ExamID    types.ExamID
	PersonID  string
	Matricule string
	Files     []string
	At        time.Time
}

// Store is the narrow view of the durable store the live-session core needs.
// The schema belongs to the persistence layer; the core only gets, puts and appends by id.
type Store interface {
	// GetExam returns exam metadata or ErrExamNotFound
	GetExam(ctx context.Context, examID types.ExamID) (*types.Exam, error)

	// ListExamsByStatus returns exams currently persisted with one of the statuses
	ListExamsByStatus(ctx context.Context, statuses ...types.ExamStatus) ([]*types.Exam, error)

	// UpdateExamStatus persists a lifecycle transition together with the live endAt
	UpdateExamStatus(ctx context.Context, examID types.ExamID, status types.ExamStatus, endsAt *time.Time) error

	// AppendLog appends one alert/cheat log row
	AppendLog(ctx context.Context, examID types.ExamID, matricule, action, level string) error

	// ListLogs returns the most recent uncleared logs of an exam
	ListLogs(ctx context.Context, examID types.ExamID, limit int) ([]*LogRow, error)

	// ClearLogs hides the logs of an exam, optionally for one matricule; returns affected rows
	ClearLogs(ctx context.Context, examID types.ExamID, matricule string) (int64, error)

	// SetFinalized writes the submission-finalization flag of a student
	SetFinalized(ctx context.Context, examID types.ExamID, personID string, finalized bool) error

	// RecordSubmission stores a submission fact
	RecordSubmission(ctx context.Context, submission *Submission) error

	// HealthCheck verifies store connectivity
	HealthCheck(ctx context.Context) error

	// Close releases resources
	Close() error
}
