package signal

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"path"
	"strings"

	"github.com/pkg/errors"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

var ErrEmptySubmission = errors.New("submission has no files")

// SubmissionURL is where the upload subsystem serves a stored file
func SubmissionURL(examID types.ExamID, matricule, file string) string {
	return fmt.Sprintf("/static/exams/%d/students/%s/%s",
		examID, url.PathEscape(matricule), url.PathEscape(path.Base(file)))
}

// RelaySubmission records a "files submitted" fact from the upload subsystem
// and tells the exam room and its professors
func (p *Processor) RelaySubmission(ctx context.Context, s *interfaces.Submission) ([]types.SubmittedFile, error) {
	if s.ExamID <= 0 || s.PersonID == "" {
		return nil, ErrMalformedSignal
	}
	files := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return nil, ErrEmptySubmission
	}
	s.Files = files
	if s.At.IsZero() {
		s.At = p.now()
	}
	if s.Matricule == "" {
		s.Matricule = s.PersonID
	}

	if err := p.store.RecordSubmission(ctx, s); err != nil {
		return nil, errors.Wrap(err, "failed to record submission")
	}

	urls := make([]types.SubmittedFile, 0, len(files))
	for _, f := range files {
		urls = append(urls, types.SubmittedFile{Name: path.Base(f), URL: SubmissionURL(s.ExamID, s.Matricule, f)})
	}

	if _, err := p.presence.Record(s.PersonID, s.ExamID, "submission",
		fmt.Sprintf("%d file(s) submitted", len(files)), ""); err != nil {
		log.Printf("signal: submission from unregistered student=%s exam=%d", s.PersonID, s.ExamID)
	}

	at := types.Millis(s.At)
	p.sink.Publish(types.Event{
		Name:     types.EventFileSubmitted,
		Audience: types.ToExamRoom(s.ExamID),
		Payload:  types.FileSubmittedPayload{ExamID: s.ExamID, StudentID: s.PersonID, Files: files, URLs: urls, At: at},
	})
	p.sink.Publish(types.Event{
		Name:     types.EventSubmissionUpdate,
		Audience: types.ToExamProfessors(s.ExamID),
		Payload: types.SubmissionUpdatePayload{
			ExamID:    s.ExamID,
			StudentID: s.PersonID,
			Matricule: s.Matricule,
			Files:     urls,
			At:        at,
		},
	})
	p.alert(types.AlertEvent{
		Kind:       types.AlertSubmission,
		Level:      types.LevelSuccess,
		Message:    fmt.Sprintf("Student %s submitted %d file(s)", s.Matricule, len(files)),
		ExamID:     s.ExamID,
		StudentRef: s.PersonID,
		Timestamp:  s.At,
	})
	log.Printf("signal: submission exam=%d student=%s files=%d", s.ExamID, s.PersonID, len(files))
	return urls, nil
}

// Finalize marks a student's submission as final. The durable flag is written
// first; a participant already flagged Cheating keeps that status.
func (p *Processor) Finalize(ctx context.Context, examID types.ExamID, personID, matricule string) error {
	if examID <= 0 || personID == "" {
		return ErrMalformedSignal
	}
	if err := p.store.SetFinalized(ctx, examID, personID, true); err != nil {
		return errors.Wrap(err, "failed to persist finalization")
	}

	if _, err := p.presence.MarkStatus(personID, examID, types.PresenceFinalized); err != nil {
		log.Printf("signal: finalized student=%s exam=%d without presence change: %v", personID, examID, err)
	}
	if matricule == "" {
		matricule = personID
	}
	now := p.now()
	p.sink.Publish(types.Event{
		Name:     types.EventSubmissionUpdate,
		Audience: types.ToExamProfessors(examID),
		Payload: types.SubmissionUpdatePayload{
			ExamID:    examID,
			StudentID: personID,
			Matricule: matricule,
			Finalized: true,
			At:        types.Millis(now),
		},
	})
	p.alert(types.AlertEvent{
		Kind:       types.AlertFinalized,
		Level:      types.LevelInfo,
		Message:    fmt.Sprintf("Student %s finalized their submission", matricule),
		ExamID:     examID,
		StudentRef: personID,
		Timestamp:  now,
	})
	return nil
}
