// Package lifecycle computes legal exam state transitions and the effects each
// one requires. It holds no state and knows nothing about sockets or storage.
package lifecycle

import (
	"github.com/pkg/errors"

	"proctorhub/pkg/types"
)

var (
	ErrInvalidTransition = errors.New("invalid exam transition")
	ErrNotOwner          = errors.New("issuer is not the owning professor")
	ErrNotProfessor      = errors.New("only professors can control an exam")
	ErrUnknownCommand    = errors.New("unknown lifecycle command")
)

// Command is an input to the state machine
type Command string

const (
	CmdPublish Command = "publish"
	CmdStart   Command = "start"
	CmdStop    Command = "stop"
	CmdFinish  Command = "finish"

	// Automatic commands raised by the clock
	CmdWarn   Command = "warn"
	CmdExpire Command = "expire"
)

// IsManual reports whether the command comes from a professor
func (c Command) IsManual() bool {
	switch c {
	case CmdPublish, CmdStart, CmdStop, CmdFinish:
		return true
	}
	return false
}

// Effect is one side effect the caller must carry out after a transition
type Effect string

const (
	EffectCancelClock    Effect = "cancel-clock"
	EffectStartClock     Effect = "start-clock"
	EffectStopClock      Effect = "stop-clock"
	EffectPersist        Effect = "persist"
	EffectEmitStarted    Effect = "emit-started"
	EffectEmitWarning    Effect = "emit-warning"
	EffectEmitEnded      Effect = "emit-ended"
	EffectEmitStopped    Effect = "emit-stopped"
	EffectEmitFinished   Effect = "emit-finished"
	EffectReleaseSession Effect = "release-session"
	EffectTeardownRoster Effect = "teardown-roster"
)

// Transition is the result of a legal command
type Transition struct {
	From    types.ExamStatus
	To      types.ExamStatus
	Command Command
	Effects []Effect
}

// Has reports whether the transition carries the effect
func (t Transition) Has(e Effect) bool {
	for _, x := range t.Effects {
		if x == e {
			return true
		}
	}
	return false
}

// Options modify how a command is evaluated
type Options struct {
	// Restart lets start supersede a run that has not been finished yet
	Restart bool
}

// Next returns the transition for cmd applied to from, or ErrInvalidTransition
func Next(from types.ExamStatus, cmd Command, opts Options) (Transition, error) {
	t := Transition{From: from, Command: cmd}

	switch cmd {
	case CmdPublish:
		if from != types.StatusReady {
			return t, invalid(from, cmd)
		}
		t.To = types.StatusLaunched
		t.Effects = []Effect{EffectPersist}

	case CmdStart:
		switch {
		case from == types.StatusLaunched || from == types.StatusFinished:
			t.Effects = []Effect{EffectStartClock, EffectEmitStarted, EffectPersist}
		case opts.Restart && from.IsLive():
			t.Effects = []Effect{EffectCancelClock, EffectStartClock, EffectEmitStarted, EffectPersist}
		case opts.Restart && from.IsTerminalRun():
			// recovery after a stop or a process restart
			t.Effects = []Effect{EffectReleaseSession, EffectStartClock, EffectEmitStarted, EffectPersist}
		default:
			return t, invalid(from, cmd)
		}
		t.To = types.StatusRunning

	case CmdWarn:
		if from != types.StatusRunning {
			return t, invalid(from, cmd)
		}
		t.To = types.StatusWarned
		t.Effects = []Effect{EffectEmitWarning, EffectPersist}

	case CmdExpire:
		if !from.IsLive() {
			return t, invalid(from, cmd)
		}
		t.To = types.StatusEnded
		t.Effects = []Effect{EffectEmitEnded, EffectPersist}

	case CmdStop:
		if !from.IsLive() {
			return t, invalid(from, cmd)
		}
		t.To = types.StatusStopped
		t.Effects = []Effect{EffectStopClock, EffectEmitStopped, EffectPersist}

	case CmdFinish:
		if !from.IsTerminalRun() {
			return t, invalid(from, cmd)
		}
		t.To = types.StatusFinished
		t.Effects = []Effect{EffectPersist, EffectReleaseSession, EffectEmitFinished, EffectTeardownRoster}

	default:
		return t, errors.Wrapf(ErrUnknownCommand, "%q", cmd)
	}

	return t, nil
}

func invalid(from types.ExamStatus, cmd Command) error {
	return errors.Wrapf(ErrInvalidTransition, "cannot %s an exam that is %s", cmd, from)
}

// Authorize checks the issuer guard shared by every manual transition.
// An exam without a recorded owner can be driven by any professor.
func Authorize(exam *types.Exam, issuer types.Identity) error {
	if issuer.Role != types.RoleProfessor {
		return ErrNotProfessor
	}
	if exam.ProfessorID != "" && exam.ProfessorID != issuer.PersonID {
		return ErrNotOwner
	}
	return nil
}
