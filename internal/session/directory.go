// Package session is the directory of exam runs. It resolves which state an
// exam is in, applies professor commands through the lifecycle machine and
// keeps the durable store in step with the clock.
package session

import (
	"context"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"proctorhub/internal/lifecycle"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Clock is the part of the countdown engine the directory drives
type Clock interface {
	Start(examID types.ExamID, duration time.Duration, restart bool) (types.ExamSession, error)
	Stop(examID types.ExamID) (types.ExamSession, error)
	Release(examID types.ExamID)
	CurrentState(examID types.ExamID) (types.ExamSession, bool)
	IsCurrent(examID types.ExamID, generation uint64) bool
	ActiveSessions() []types.ExamSession
}

// Roster is torn down when an exam is archived
type Roster interface {
	TeardownExam(examID types.ExamID)
}

// Options configures a Directory
type Options struct {
	DefaultDuration time.Duration
	PersistTimeout  time.Duration
}

// Command is one professor-issued lifecycle command
type Command struct {
	Name        lifecycle.Command
	ExamID      types.ExamID
	Issuer      types.Identity
	DurationMin float64
	Restart     bool
}

// Result describes an applied command
type Result struct {
	Transition lifecycle.Transition
	Session    *types.ExamSession
}

// Directory serializes commands per exam. It is safe for concurrent use.
type Directory struct {
	store           interfaces.Store
	clock           Clock
	roster          Roster
	sink            interfaces.EventSink
	defaultDuration time.Duration
	persistTimeout  time.Duration

	mu     sync.Mutex
	locks  map[types.ExamID]*sync.Mutex
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewDirectory wires a directory. Register it as the clock's observer so
// automatic transitions are persisted.
func NewDirectory(store interfaces.Store, clock Clock, roster Roster, sink interfaces.EventSink, opts Options) *Directory {
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = 90 * time.Minute
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	return &Directory{
		store:           store,
		clock:           clock,
		roster:          roster,
		sink:            sink,
		defaultDuration: opts.DefaultDuration,
		persistTimeout:  opts.PersistTimeout,
		locks:           make(map[types.ExamID]*sync.Mutex),
	}
}

func (d *Directory) lockExam(examID types.ExamID) func() {
	d.mu.Lock()
	l, ok := d.locks[examID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[examID] = l
	}
	d.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// OnLifecycleCommand validates and applies a professor command. Failures are
// *types.CommandError values meant for the issuing connection only.
func (d *Directory) OnLifecycleCommand(ctx context.Context, cmd Command) (*Result, error) {
	if !cmd.Name.IsManual() {
		return nil, types.NewCommandError(types.CodeUnknownCommand, "unknown command", ErrNotManualCommand)
	}
	if d.closed.Load() {
		return nil, types.NewCommandError(types.CodeInternal, "server is shutting down", ErrDirectoryClosed)
	}

	unlock := d.lockExam(cmd.ExamID)
	defer unlock()

	exam, err := d.store.GetExam(ctx, cmd.ExamID)
	if err != nil {
		if errors.Cause(err) == interfaces.ErrExamNotFound {
			return nil, types.NewCommandError(types.CodeUnknownExam, "unknown exam", err)
		}
		return nil, types.NewCommandError(types.CodeInternal, "failed to load exam", err)
	}

	if err := lifecycle.Authorize(exam, cmd.Issuer); err != nil {
		log.Printf("security: rejected %s on exam=%d by person=%s role=%s: %v",
			cmd.Name, cmd.ExamID, cmd.Issuer.PersonID, cmd.Issuer.Role, err)
		return nil, types.NewCommandError(types.CodeUnauthorized, "not allowed to control this exam", err)
	}

	from := d.effectiveStatus(exam)
	tr, err := lifecycle.Next(from, cmd.Name, lifecycle.Options{Restart: cmd.Restart})
	if err != nil {
		return nil, types.NewCommandError(types.CodeInvalidTransition, errors.Cause(err).Error(), err)
	}

	res := &Result{Transition: tr}
	switch cmd.Name {
	case lifecycle.CmdPublish:
		if err := d.store.UpdateExamStatus(ctx, exam.ID, tr.To, nil); err != nil {
			return nil, types.NewCommandError(types.CodeInternal, "failed to publish exam", err)
		}

	case lifecycle.CmdStart:
		if tr.Has(lifecycle.EffectReleaseSession) {
			d.clock.Release(exam.ID)
		}
		sess, err := d.clock.Start(exam.ID, d.duration(cmd, exam), tr.Has(lifecycle.EffectCancelClock))
		if err != nil {
			return nil, types.NewCommandError(types.CodeInvalidTransition, "exam clock could not start", err)
		}
		res.Session = &sess
		d.persist(ctx, exam.ID, tr.To, sess.EndAt)

	case lifecycle.CmdStop:
		sess, err := d.clock.Stop(exam.ID)
		if err != nil {
			return nil, types.NewCommandError(types.CodeInvalidTransition, "exam clock is not running", err)
		}
		res.Session = &sess
		d.persist(ctx, exam.ID, tr.To, nil)

	case lifecycle.CmdFinish:
		if err := d.store.UpdateExamStatus(ctx, exam.ID, tr.To, nil); err != nil {
			return nil, types.NewCommandError(types.CodeInternal, "failed to archive exam", err)
		}
		d.clock.Release(exam.ID)
		d.sink.Publish(types.Event{
			Name:     types.EventExamFinished,
			Audience: types.ToExamProfessors(exam.ID),
			Payload:  types.ExamRefPayload{ExamID: exam.ID},
		})
		if d.roster != nil {
			d.roster.TeardownExam(exam.ID)
		}
	}

	log.Printf("session: exam=%d %s -> %s by=%s", exam.ID, tr.From, tr.To, cmd.Issuer.PersonID)
	return res, nil
}

func (d *Directory) duration(cmd Command, exam *types.Exam) time.Duration {
	if cmd.DurationMin > 0 {
		return time.Duration(math.Round(cmd.DurationMin * float64(time.Minute)))
	}
	if exam.DurationMin > 0 {
		return time.Duration(exam.DurationMin) * time.Minute
	}
	return d.defaultDuration
}

// effectiveStatus prefers the live clock. A store that still says running
// without a live clock is left over from a crash and counts as stopped.
func (d *Directory) effectiveStatus(exam *types.Exam) types.ExamStatus {
	if st, ok := d.clock.CurrentState(exam.ID); ok {
		return st.Status
	}
	if exam.Status.IsLive() {
		return types.StatusStopped
	}
	return exam.Status
}

// persist writes a transition that has already happened in memory; a failed
// write is logged and the live state stays authoritative
func (d *Directory) persist(ctx context.Context, examID types.ExamID, status types.ExamStatus, endsAt *time.Time) {
	if err := d.store.UpdateExamStatus(ctx, examID, status, endsAt); err != nil {
		log.Printf("session: failed to persist exam=%d status=%s: %v", examID, status, err)
	}
}

// OnWarned persists the automatic warning of the given run
func (d *Directory) OnWarned(examID types.ExamID, generation uint64) {
	d.persistAsync(examID, generation, types.StatusWarned)
}

// OnExpired persists the automatic end of the given run
func (d *Directory) OnExpired(examID types.ExamID, generation uint64) {
	d.persistAsync(examID, generation, types.StatusEnded)
}

func (d *Directory) persistAsync(examID types.ExamID, generation uint64, status types.ExamStatus) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		unlock := d.lockExam(examID)
		defer unlock()

		// a stop or restart that got here first owns the row
		st, ok := d.clock.CurrentState(examID)
		if !ok || st.Generation != generation || st.Status != status {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.persistTimeout)
		defer cancel()
		d.persist(ctx, examID, status, st.EndAt)
	}()
}

// Status returns the effective state of an exam
func (d *Directory) Status(ctx context.Context, examID types.ExamID) (types.ExamStatus, error) {
	exam, err := d.store.GetExam(ctx, examID)
	if err != nil {
		return "", err
	}
	return d.effectiveStatus(exam), nil
}

// GetActiveSessions lists live exams for initial-sync
func (d *Directory) GetActiveSessions() []types.ActiveExam {
	sessions := d.clock.ActiveSessions()
	out := make([]types.ActiveExam, 0, len(sessions))
	for _, s := range sessions {
		if s.EndAt == nil {
			continue
		}
		out = append(out, types.ActiveExam{ExamID: s.ExamID, EndAt: types.Millis(*s.EndAt)})
	}
	return out
}

// IsExamLive reports whether the exam has a running countdown
func (d *Directory) IsExamLive(examID types.ExamID) bool {
	st, ok := d.clock.CurrentState(examID)
	return ok && st.Status.IsLive()
}

// RecoverOnStartup moves exams that were live when the process died to
// stopped. Remaining time is not resumed; a professor restarts explicitly.
func (d *Directory) RecoverOnStartup(ctx context.Context) (int, error) {
	exams, err := d.store.ListExamsByStatus(ctx, types.StatusRunning, types.StatusWarned)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list interrupted exams")
	}
	n := 0
	for _, exam := range exams {
		if _, live := d.clock.CurrentState(exam.ID); live {
			continue
		}
		if err := d.store.UpdateExamStatus(ctx, exam.ID, types.StatusStopped, nil); err != nil {
			return n, errors.Wrapf(err, "failed to stop interrupted exam %d", exam.ID)
		}
		log.Printf("session: exam=%d was %s at shutdown, marked stopped", exam.ID, exam.Status)
		n++
	}
	return n, nil
}

// GetStats returns directory statistics for health output
func (d *Directory) GetStats() map[string]interface{} {
	d.mu.Lock()
	known := len(d.locks)
	d.mu.Unlock()
	return map[string]interface{}{
		"live_exams":  len(d.clock.ActiveSessions()),
		"known_exams": known,
	}
}

// Close rejects further commands and waits for pending writes
func (d *Directory) Close() {
	d.closed.Store(true)
	d.wg.Wait()
}
