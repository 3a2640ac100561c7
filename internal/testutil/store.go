package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// MemoryStore is an in-memory interfaces.Store
type MemoryStore struct {
	mu          sync.Mutex
	exams       map[types.ExamID]*types.Exam
	logs        []*interfaces.LogRow
	cleared     map[int64]bool
	finalized   map[string]bool
	submissions []*interfaces.Submission
	nextLogID   int64

	// FailUpdates makes UpdateExamStatus return the error
	FailUpdates error
}

func NewMemoryStore(exams ...*types.Exam) *MemoryStore {
	s := &MemoryStore{
		exams:     make(map[types.ExamID]*types.Exam),
		cleared:   make(map[int64]bool),
		finalized: make(map[string]bool),
	}
	for _, e := range exams {
		s.PutExam(e)
	}
	return s
}

// PutExam inserts or replaces exam metadata
func (s *MemoryStore) PutExam(exam *types.Exam) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *exam
	s.exams[exam.ID] = &c
}

func (s *MemoryStore) GetExam(ctx context.Context, examID types.ExamID) (*types.Exam, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exams[examID]
	if !ok {
		return nil, interfaces.ErrExamNotFound
	}
	c := *e
	return &c, nil
}

func (s *MemoryStore) ListExamsByStatus(ctx context.Context, statuses ...types.ExamStatus) ([]*types.Exam, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Exam
	for _, e := range s.exams {
		for _, st := range statuses {
			if e.Status == st {
				c := *e
				out = append(out, &c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateExamStatus(ctx context.Context, examID types.ExamID, status types.ExamStatus, endsAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdates != nil {
		return s.FailUpdates
	}
	e, ok := s.exams[examID]
	if !ok {
		return interfaces.ErrExamNotFound
	}
	e.Status = status
	e.EndsAt = endsAt
	return nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, examID types.ExamID, matricule, action, level string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	s.logs = append(s.logs, &interfaces.LogRow{
		ID: s.nextLogID, ExamID: examID, Matricule: matricule, Action: action, Type: level, Timestamp: time.Now(),
	})
	return nil
}

func (s *MemoryStore) ListLogs(ctx context.Context, examID types.ExamID, limit int) ([]*interfaces.LogRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*interfaces.LogRow
	for i := len(s.logs) - 1; i >= 0; i-- {
		row := s.logs[i]
		if row.ExamID == examID && !s.cleared[row.ID] {
			c := *row
			out = append(out, &c)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ClearLogs(ctx context.Context, examID types.ExamID, matricule string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.logs {
		if row.ExamID == examID && !s.cleared[row.ID] && (matricule == "" || row.Matricule == matricule) {
			s.cleared[row.ID] = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SetFinalized(ctx context.Context, examID types.ExamID, personID string, finalized bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized[examID.String()+"/"+personID] = finalized
	return nil
}

// IsFinalized reports the stored flag
func (s *MemoryStore) IsFinalized(examID types.ExamID, personID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized[examID.String()+"/"+personID]
}

func (s *MemoryStore) RecordSubmission(ctx context.Context, submission *interfaces.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *submission
	s.submissions = append(s.submissions, &c)
	return nil
}

// Submissions returns recorded submissions
func (s *MemoryStore) Submissions() []*interfaces.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*interfaces.Submission(nil), s.submissions...)
}

// Logs returns every appended log row, cleared or not
func (s *MemoryStore) Logs() []*interfaces.LogRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*interfaces.LogRow(nil), s.logs...)
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                          { return nil }
