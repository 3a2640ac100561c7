// Package clock runs the server-authoritative countdown of every live exam.
package clock

import (
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"proctorhub/internal/lifecycle"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

var (
	ErrAlreadyRunning  = errors.New("exam already has a running clock")
	ErrNotRunning      = errors.New("exam has no running clock")
	ErrInvalidDuration = errors.New("duration must be positive")
	ErrEngineClosed    = errors.New("clock engine is closed")
)

// Observer is told about automatic transitions so they can be persisted.
// Callbacks run outside the engine's locks, on the tick goroutine.
type Observer interface {
	OnWarned(examID types.ExamID, generation uint64)
	OnExpired(examID types.ExamID, generation uint64)
}

// Options configures an Engine
type Options struct {
	TickInterval     time.Duration
	WarningThreshold time.Duration
	Now              func() time.Time
}

// Engine owns one countdown per exam. Every event of an exam is published while
// holding that exam's slot lock, so ticks, warning, ended and stopped for one
// exam leave in generation order.
type Engine struct {
	sink       interfaces.EventSink
	observer   Observer
	interval   time.Duration
	threshold  time.Duration
	now        func() time.Time
	generation atomic.Uint64
	closed     atomic.Bool

	mu    sync.Mutex
	slots map[types.ExamID]*slot
	wg    sync.WaitGroup
}

type slot struct {
	mu      sync.Mutex
	session *types.ExamSession
	warned  bool
	stop    chan struct{}
}

func (s *slot) cancel() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

// NewEngine creates an engine publishing to sink
func NewEngine(sink interfaces.EventSink, opts Options) *Engine {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		sink:      sink,
		interval:  opts.TickInterval,
		threshold: opts.WarningThreshold,
		now:       opts.Now,
		slots:     make(map[types.ExamID]*slot),
	}
}

// SetObserver registers the automatic-transition observer. Call before Start.
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

func (e *Engine) slot(examID types.ExamID, create bool) *slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[examID]
	if !ok && create {
		s = &slot{}
		e.slots[examID] = s
	}
	return s
}

// Start begins a countdown of duration for the exam. An exam that is already
// live is rejected unless restart is set, in which case the old run is
// cancelled and its pending ticks are discarded.
func (e *Engine) Start(examID types.ExamID, duration time.Duration, restart bool) (types.ExamSession, error) {
	if duration <= 0 {
		return types.ExamSession{}, ErrInvalidDuration
	}

	s := e.slot(examID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.closed.Load() {
		return types.ExamSession{}, ErrEngineClosed
	}
	if s.session != nil && s.session.Status.IsLive() {
		if !restart {
			return *s.session, ErrAlreadyRunning
		}
		log.Printf("clock: restarting exam=%d superseding generation=%d", examID, s.session.Generation)
		s.cancel()
	}

	endAt := e.now().Add(duration)
	gen := e.generation.Add(1)
	s.session = &types.ExamSession{
		ExamID:     examID,
		Status:     types.StatusRunning,
		EndAt:      &endAt,
		DurationMs: duration.Milliseconds(),
		Generation: gen,
	}
	// a run shorter than the threshold never crosses it
	s.warned = e.threshold <= 0 || duration <= e.threshold
	s.stop = make(chan struct{})

	e.sink.Publish(types.Event{
		Name:     types.EventExamStarted,
		Audience: types.ToEveryone(),
		Payload:  types.ExamStartedPayload{ExamID: examID, EndAt: types.Millis(endAt)},
	})

	e.wg.Add(1)
	go e.run(examID, s, gen, s.stop)

	log.Printf("clock: exam=%d started generation=%d ends_at=%s", examID, gen, endAt.Format(time.RFC3339))
	return *s.session, nil
}

func (e *Engine) run(examID types.ExamID, s *slot, gen uint64, stop <-chan struct{}) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if done := e.tick(examID, s, gen); done {
				return
			}
		}
	}
}

// tick emits one countdown update and reports whether the run is over
func (e *Engine) tick(examID types.ExamID, s *slot, gen uint64) bool {
	var notify func(types.ExamID, uint64)

	s.mu.Lock()
	if s.session == nil || s.session.Generation != gen || !s.session.Status.IsLive() {
		// late tick of a cancelled run
		s.mu.Unlock()
		return true
	}

	left := s.session.TimeLeft(e.now())
	endAt := types.Millis(*s.session.EndAt)
	e.sink.Publish(types.Event{
		Name:     types.EventExamTick,
		Audience: types.ToEveryone(),
		Payload:  types.ExamTickPayload{ExamID: examID, TimeLeft: left.Milliseconds(), EndAt: endAt},
	})

	if left > 0 && !s.warned && left <= e.threshold {
		s.warned = true
		if tr, err := lifecycle.Next(s.session.Status, lifecycle.CmdWarn, lifecycle.Options{}); err == nil {
			s.session.Status = tr.To
			e.sink.Publish(types.Event{
				Name:     types.EventExamWarning,
				Audience: types.ToEveryone(),
				Payload:  types.ExamWarningPayload{ExamID: examID, MinutesLeft: int(math.Ceil(left.Minutes()))},
			})
			if e.observer != nil {
				notify = e.observer.OnWarned
			}
		}
	}

	done := false
	if left <= 0 {
		tr, err := lifecycle.Next(s.session.Status, lifecycle.CmdExpire, lifecycle.Options{})
		if err != nil {
			log.Printf("clock: exam=%d cannot expire: %v", examID, err)
		}
		s.session.Status = types.StatusEnded
		if err == nil {
			s.session.Status = tr.To
		}
		s.session.EndAt = nil
		s.stop = nil
		e.sink.Publish(types.Event{
			Name:     types.EventExamEnded,
			Audience: types.ToEveryone(),
			Payload:  types.ExamRefPayload{ExamID: examID},
		})
		log.Printf("clock: exam=%d ended generation=%d", examID, gen)
		if e.observer != nil {
			notify = e.observer.OnExpired
		}
		done = true
	}
	s.mu.Unlock()

	if notify != nil {
		notify(examID, gen)
	}
	return done
}

// Stop cancels a live countdown and emits exam-stopped once. The session is
// dropped from memory; remaining time is discarded.
func (e *Engine) Stop(examID types.ExamID) (types.ExamSession, error) {
	s := e.slot(examID, false)
	if s == nil {
		return types.ExamSession{}, ErrNotRunning
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil || !s.session.Status.IsLive() {
		return types.ExamSession{}, ErrNotRunning
	}
	if _, err := lifecycle.Next(s.session.Status, lifecycle.CmdStop, lifecycle.Options{}); err != nil {
		return *s.session, err
	}

	s.cancel()
	prev := *s.session
	prev.Status = types.StatusStopped
	prev.EndAt = nil
	s.session = nil

	e.sink.Publish(types.Event{
		Name:     types.EventExamStopped,
		Audience: types.ToEveryone(),
		Payload:  types.ExamRefPayload{ExamID: examID},
	})
	log.Printf("clock: exam=%d stopped generation=%d", examID, prev.Generation)
	return prev, nil
}

// Release forgets a session that is no longer live (ended runs kept for finish)
func (e *Engine) Release(examID types.ExamID) {
	s := e.slot(examID, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil && !s.session.Status.IsLive() {
		s.session = nil
	}
}

// CurrentState returns a copy of the exam's session, if any
func (e *Engine) CurrentState(examID types.ExamID) (types.ExamSession, bool) {
	s := e.slot(examID, false)
	if s == nil {
		return types.ExamSession{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return types.ExamSession{}, false
	}
	c := *s.session
	return c, true
}

// IsCurrent reports whether generation is still the exam's latest run
func (e *Engine) IsCurrent(examID types.ExamID, generation uint64) bool {
	st, ok := e.CurrentState(examID)
	return ok && st.Generation == generation
}

// ActiveSessions returns running and warned sessions ordered by exam id
func (e *Engine) ActiveSessions() []types.ExamSession {
	e.mu.Lock()
	slots := make([]*slot, 0, len(e.slots))
	for _, s := range e.slots {
		slots = append(slots, s)
	}
	e.mu.Unlock()

	var out []types.ExamSession
	for _, s := range slots {
		s.mu.Lock()
		if s.session != nil && s.session.Status.IsLive() {
			out = append(out, *s.session)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExamID < out[j].ExamID })
	return out
}

// Close cancels every countdown without emitting events and waits for the
// tick goroutines to exit
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.mu.Lock()
	for _, s := range e.slots {
		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()
	}
	e.mu.Unlock()
	e.wg.Wait()
}
