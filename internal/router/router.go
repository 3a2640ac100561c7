// Package router turns inbound socket frames into core operations. Every
// rejection is answered to the sending connection only.
package router

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/pkg/errors"

	"proctorhub/internal/lifecycle"
	"proctorhub/internal/presence"
	"proctorhub/internal/session"
	"proctorhub/internal/signal"
	"proctorhub/internal/websocket"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Presence is the registry view the router drives
type Presence interface {
	Register(reg presence.Registration) (*presence.Snapshot, error)
	Unregister(connectionID string)
	Touch(connectionID string)
	Lookup(connectionID string) (types.Participant, bool)
	ObserveIP(connectionID, ip string) (types.Participant, error)
}

// Directory applies lifecycle commands and lists running countdowns
type Directory interface {
	OnLifecycleCommand(ctx context.Context, cmd session.Command) (*session.Result, error)
	GetActiveSessions() []types.ActiveExam
}

// Signals ingests client-reported facts
type Signals interface {
	ReportCheat(ctx context.Context, r signal.CheatReport) (signal.Result, error)
	ReportNetwork(ctx context.Context, r signal.NetworkReport) (signal.Result, error)
	Finalize(ctx context.Context, examID types.ExamID, personID, matricule string) error
}

// Audiences maintains which sockets receive which events
type Audiences interface {
	JoinExam(connID string, examID types.ExamID) error
	WatchRoom(connID, roomRef string) error
	BindExam(examID types.ExamID, roomRef, ownerID string)
}

// AlertReplayer resends buffered alerts to a professor that just joined
type AlertReplayer interface {
	Replay(connectionID string) error
}

// Config holds the per-connection rate limit
type Config struct {
	RateLimit      int
	RateLimitEvery time.Duration
}

// Router dispatches by event name
type Router struct {
	store     interfaces.Store
	presence  Presence
	directory Directory
	signals   Signals
	audiences Audiences
	alerts    AlertReplayer
	limiter   *RateLimiter
}

// NewRouter wires a router
func NewRouter(store interfaces.Store, p Presence, d Directory, s Signals, a Audiences, alerts AlertReplayer, cfg Config) *Router {
	return &Router{
		store:     store,
		presence:  p,
		directory: d,
		signals:   s,
		audiences: a,
		alerts:    alerts,
		limiter:   NewRateLimiter(cfg.RateLimit, cfg.RateLimitEvery),
	}
}

// Limiter exposes the rate limiter for periodic cleanup
func (r *Router) Limiter() *RateLimiter {
	return r.limiter
}

// HandleMessage decodes one frame and runs the matching operation
func (r *Router) HandleMessage(ctx context.Context, conn *websocket.Connection, data []byte) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		r.reject(conn, env.Event, types.NewCommandError(types.CodeMalformedPayload, "frame is not an event envelope", types.ErrMalformed))
		return
	}
	if !r.limiter.Allow(conn.GetConnectionID()) {
		r.reject(conn, env.Event, types.NewCommandError(types.CodeRateLimited, "too many messages", ErrRateLimitExceeded))
		return
	}
	if !conn.IsProfessor() {
		r.presence.Touch(conn.GetConnectionID())
	}
	if err := r.dispatch(ctx, conn, env); err != nil {
		r.reject(conn, env.Event, err)
	}
}

// ConnectionClosed releases per-connection state
func (r *Router) ConnectionClosed(conn *websocket.Connection) {
	r.limiter.Remove(conn.GetConnectionID())
	r.presence.Unregister(conn.GetConnectionID())
}

func (r *Router) dispatch(ctx context.Context, conn *websocket.Connection, env types.Envelope) error {
	switch env.Event {
	case types.EventJoinExam:
		var req types.JoinExamRequest
		if err := types.DecodePayload(env.Data, &req); err != nil {
			return err
		}
		return r.joinExam(ctx, conn, req)

	case types.EventProfessorJoin:
		var req types.ProfessorJoinRequest
		if err := types.DecodePayload(env.Data, &req); err != nil {
			return err
		}
		return r.professorJoin(conn, req)

	case types.EventStartExam:
		var req types.StartExamRequest
		if err := types.DecodePayload(env.Data, &req); err != nil {
			return err
		}
		return r.command(ctx, conn, session.Command{
			Name:        lifecycle.CmdStart,
			ExamID:      req.ExamID,
			DurationMin: req.DurationMin,
			Restart:     req.Restart,
		})

	case types.EventStopExam, types.EventFinishExam, types.EventPublishExam:
		var req types.ExamRefRequest
		if err := types.DecodePayload(env.Data, &req); err != nil {
			return err
		}
		name := map[string]lifecycle.Command{
			types.EventStopExam:    lifecycle.CmdStop,
			types.EventFinishExam:  lifecycle.CmdFinish,
			types.EventPublishExam: lifecycle.CmdPublish,
		}[env.Event]
		return r.command(ctx, conn, session.Command{Name: name, ExamID: req.ExamID})

	case types.EventFinalizeExam:
		var req types.ExamRefRequest
		if err := types.DecodePayload(env.Data, &req); err != nil {
			return err
		}
		p, err := r.joinedStudent(conn, req.ExamID)
		if err != nil {
			return err
		}
		return r.signals.Finalize(ctx, req.ExamID, p.PersonID, p.Matricule)

	case types.EventCheatAlert:
		var req types.CheatAlertRequest
		if err := types.DecodePayload(env.Data, &req); err != nil {
			return err
		}
		if req.StudentID != "" && req.StudentID != conn.GetPersonID() {
			return ErrIdentityMismatch
		}
		p, err := r.joinedStudent(conn, req.ExamID)
		if err != nil {
			return err
		}
		_, err = r.signals.ReportCheat(ctx, signal.CheatReport{
			ExamID:    req.ExamID,
			PersonID:  p.PersonID,
			Matricule: p.Matricule,
			Type:      req.Type,
			Details:   req.Details,
		})
		return err

	case types.EventNetworkHeartbeat:
		if conn.IsProfessor() {
			return ErrStudentsOnly
		}
		before, err := r.presence.ObserveIP(conn.GetConnectionID(), conn.GetRemoteIP())
		if err != nil {
			return ErrNotJoined
		}
		_, err = r.signals.ReportNetwork(ctx, signal.NetworkReport{
			ExamID:     before.ExamID,
			PersonID:   before.PersonID,
			Matricule:  before.Matricule,
			CurrentIP:  conn.GetRemoteIP(),
			PreviousIP: before.IP,
		})
		return err

	case types.EventHeartbeat:
		// lastSeenAt was refreshed above
		return nil

	default:
		return types.NewCommandError(types.CodeUnknownCommand, "unknown event "+env.Event, lifecycle.ErrUnknownCommand)
	}
}

func (r *Router) command(ctx context.Context, conn *websocket.Connection, cmd session.Command) error {
	cmd.Issuer = conn.Identity()
	// the owner must hear about an exam nobody has joined yet
	if exam, err := r.store.GetExam(ctx, cmd.ExamID); err == nil {
		r.audiences.BindExam(exam.ID, exam.RoomNumber, exam.ProfessorID)
	}
	_, err := r.directory.OnLifecycleCommand(ctx, cmd)
	return err
}

func (r *Router) joinExam(ctx context.Context, conn *websocket.Connection, req types.JoinExamRequest) error {
	if req.StudentID != "" && req.StudentID != conn.GetPersonID() {
		return ErrIdentityMismatch
	}
	if req.Role != "" && string(req.Role) != conn.GetRole() {
		return ErrIdentityMismatch
	}
	exam, err := r.store.GetExam(ctx, req.ExamID)
	if err != nil {
		return err
	}

	id := conn.Identity()
	matricule := id.Matricule
	if matricule == "" {
		matricule = req.Matricule
	}

	r.audiences.BindExam(exam.ID, exam.RoomNumber, exam.ProfessorID)
	if err := r.audiences.JoinExam(conn.GetConnectionID(), exam.ID); err != nil {
		return err
	}
	snap, err := r.presence.Register(presence.Registration{
		ConnectionID: conn.GetConnectionID(),
		PersonID:     id.PersonID,
		DisplayName:  id.DisplayName,
		Matricule:    matricule,
		Role:         id.Role,
		ExamID:       exam.ID,
		RoomRef:      exam.RoomNumber,
		IP:           conn.GetRemoteIP(),
	})
	if err != nil {
		return err
	}
	conn.Bind(exam.ID, exam.RoomNumber)

	if conn.IsProfessor() {
		r.send(conn, types.Frame{Event: types.EventUpdateStudentList, Data: snap.Roster})
		return nil
	}

	r.sendTimer(conn, exam.ID)

	// a reconnect from another address is a network change
	if _, err := r.signals.ReportNetwork(ctx, signal.NetworkReport{
		ExamID:     exam.ID,
		PersonID:   id.PersonID,
		Matricule:  snap.Self.Matricule,
		CurrentIP:  conn.GetRemoteIP(),
		PreviousIP: snap.PreviousIP,
	}); err != nil {
		log.Printf("router: network check on join failed for person=%s: %v", id.PersonID, err)
	}
	return nil
}

func (r *Router) professorJoin(conn *websocket.Connection, req types.ProfessorJoinRequest) error {
	if !conn.IsProfessor() {
		return ErrProfessorsOnly
	}
	if err := r.audiences.WatchRoom(conn.GetConnectionID(), req.RoomNumber); err != nil {
		return err
	}
	id := conn.Identity()
	snap, err := r.presence.Register(presence.Registration{
		ConnectionID: conn.GetConnectionID(),
		PersonID:     id.PersonID,
		DisplayName:  id.DisplayName,
		Role:         id.Role,
		RoomRef:      req.RoomNumber,
		IP:           conn.GetRemoteIP(),
	})
	if err != nil {
		return err
	}
	conn.Bind(0, req.RoomNumber)
	r.send(conn, types.Frame{Event: types.EventUpdateStudentList, Data: snap.Roster})

	if r.alerts != nil {
		if err := r.alerts.Replay(conn.GetConnectionID()); err != nil {
			log.Printf("router: alert replay for conn=%s skipped: %v", conn.GetConnectionID(), err)
		}
	}
	log.Printf("router: professor=%s watching room=%q", id.PersonID, req.RoomNumber)
	return nil
}

// sendTimer replies with the running countdown of the exam, if any
func (r *Router) sendTimer(conn *websocket.Connection, examID types.ExamID) {
	for _, active := range r.directory.GetActiveSessions() {
		if active.ExamID != examID {
			continue
		}
		left := active.EndAt - time.Now().UnixMilli()
		if left < 0 {
			left = 0
		}
		r.send(conn, types.Frame{
			Event: types.EventExamTick,
			Data:  types.ExamTickPayload{ExamID: examID, TimeLeft: left, EndAt: active.EndAt},
		})
		return
	}
}

// joinedStudent returns the participant of a student socket bound to examID
func (r *Router) joinedStudent(conn *websocket.Connection, examID types.ExamID) (types.Participant, error) {
	if conn.IsProfessor() {
		return types.Participant{}, ErrStudentsOnly
	}
	p, ok := r.presence.Lookup(conn.GetConnectionID())
	if !ok || p.ExamID != examID {
		return types.Participant{}, ErrNotJoined
	}
	return p, nil
}

func (r *Router) send(conn *websocket.Connection, frame types.Frame) {
	if err := conn.WriteJSON(frame); err != nil {
		log.Printf("router: reply %s to conn=%s failed: %v", frame.Event, conn.GetConnectionID(), err)
	}
}

func (r *Router) reject(conn *websocket.Connection, command string, err error) {
	ce := toCommandError(err)
	log.Printf("router: rejected %q from conn=%s person=%s code=%s: %v",
		command, conn.GetConnectionID(), conn.GetPersonID(), ce.Code, err)
	r.send(conn, types.Frame{
		Event: types.EventCommandError,
		Data:  types.CommandErrorPayload{Command: command, Code: ce.Code, Message: ce.Message},
	})
}

// toCommandError maps any failure onto the command error taxonomy
func toCommandError(err error) *types.CommandError {
	var ce *types.CommandError
	if errors.As(err, &ce) {
		return ce
	}
	var ve *types.ValidationError
	if errors.As(err, &ve) {
		return types.NewCommandError(types.CodeMalformedPayload, ve.Error(), err)
	}
	switch errors.Cause(err) {
	case types.ErrMalformed, signal.ErrMalformedSignal, signal.ErrEmptySubmission, presence.ErrInvalidRegistration:
		return types.NewCommandError(types.CodeMalformedPayload, "malformed payload", err)
	case ErrRateLimitExceeded:
		return types.NewCommandError(types.CodeRateLimited, "too many messages", err)
	case ErrStudentsOnly, ErrProfessorsOnly, ErrIdentityMismatch, ErrNotJoined:
		return types.NewCommandError(types.CodeUnauthorized, errors.Cause(err).Error(), err)
	case interfaces.ErrExamNotFound:
		return types.NewCommandError(types.CodeUnknownExam, "unknown exam", err)
	}
	return types.NewCommandError(types.CodeInternal, "command failed", err)
}
