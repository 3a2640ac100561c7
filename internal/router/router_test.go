package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorhub/internal/clock"
	"proctorhub/internal/hub"
	"proctorhub/internal/presence"
	"proctorhub/internal/session"
	"proctorhub/internal/signal"
	"proctorhub/internal/testutil"
	"proctorhub/internal/websocket"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

type stack struct {
	server   *httptest.Server
	store    *testutil.MemoryStore
	presence *presence.Registry
	router   *Router
}

func newStack(t *testing.T, cfg Config) *stack {
	t.Helper()
	store := testutil.NewMemoryStore(&types.Exam{
		ID: 7, Titre: "Networks", Status: types.StatusLaunched, ProfessorID: "prof1", RoomNumber: "B12",
	})
	registry := websocket.NewRegistry()
	h := hub.NewHub(registry, hub.Options{AlertBufferSize: 10})
	require.NoError(t, h.Start(context.Background()))

	eng := clock.NewEngine(h, clock.Options{TickInterval: time.Hour})
	pres := presence.NewRegistry(h, presence.Options{HistoryLimit: 20})
	dir := session.NewDirectory(store, eng, pres, h, session.Options{DefaultDuration: time.Minute})
	eng.SetObserver(dir)
	signals := signal.NewProcessor(pres, store, h, signal.Options{
		LocalSubnet:      "127.0.0.",
		CheatStatusTypes: []string{"tab-switch"},
		DedupWindow:      time.Second,
	})

	r := NewRouter(store, pres, dir, signals, registry, h, cfg)
	handler := websocket.NewHandler(registry, r, dir, websocket.HandlerConfig{})
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))

	t.Cleanup(func() {
		server.Close()
		registry.CloseAll()
		eng.Close()
		dir.Close()
		_ = h.Stop()
	})
	return &stack{server: server, store: store, presence: pres, router: r}
}

func (s *stack) dial(t *testing.T, person string, role types.Role, matricule string) *gorillaws.Conn {
	t.Helper()
	q := url.Values{}
	q.Set("person_id", person)
	q.Set("role", string(role))
	q.Set("display_name", strings.ToUpper(person))
	if matricule != "" {
		q.Set("matricule", matricule)
	}
	u := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?" + q.Encode()
	ws, _, err := gorillaws.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	expect(t, ws, types.EventInitialSync)
	return ws
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func send(t *testing.T, ws *gorillaws.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(types.Envelope{Event: event, Data: raw}))
}

// expect reads frames until one named event arrives
func expect(t *testing.T, ws *gorillaws.Conn, event string) json.RawMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f inbound
		if err := ws.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if f.Event == event {
			return f.Data
		}
	}
}

func expectError(t *testing.T, ws *gorillaws.Conn, code string) types.CommandErrorPayload {
	t.Helper()
	var p types.CommandErrorPayload
	require.NoError(t, json.Unmarshal(expect(t, ws, types.EventCommandError), &p))
	assert.Equal(t, code, p.Code)
	return p
}

// silent asserts nothing but pings arrive for a short while
func silent(t *testing.T, ws *gorillaws.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var f inbound
	err := ws.ReadJSON(&f)
	require.Error(t, err, "unexpected frame %s", f.Event)
}

func TestRouter_StudentJoinReachesProfessor(t *testing.T) {
	s := newStack(t, Config{})
	prof := s.dial(t, "prof1", types.RoleProfessor, "")
	student := s.dial(t, "s1", types.RoleStudent, "24003")

	send(t, student, types.EventJoinExam, types.JoinExamRequest{ExamID: 7, StudentID: "s1"})

	var connected types.StudentConnectedPayload
	require.NoError(t, json.Unmarshal(expect(t, prof, types.EventStudentConnected), &connected))
	assert.Equal(t, "24003", connected.Matricule)

	var roster []types.RosterEntry
	require.NoError(t, json.Unmarshal(expect(t, prof, types.EventUpdateStudentList), &roster))
	require.Len(t, roster, 1)
	assert.Equal(t, types.PresenceOnline, roster[0].Status)
}

func TestRouter_ProfessorJoinRepliesAndReplaysAlerts(t *testing.T) {
	s := newStack(t, Config{})
	watcher := s.dial(t, "prof1", types.RoleProfessor, "")
	student := s.dial(t, "s1", types.RoleStudent, "24003")
	send(t, student, types.EventJoinExam, types.JoinExamRequest{ExamID: 7})
	expect(t, watcher, types.EventStudentConnected)

	send(t, student, types.EventCheatAlert, types.CheatAlertRequest{ExamID: 7, Type: "tab-switch", Details: "left"})
	expect(t, watcher, types.EventAlert)

	late := s.dial(t, "prof2", types.RoleProfessor, "")
	send(t, late, types.EventProfessorJoin, types.ProfessorJoinRequest{RoomNumber: "B12"})

	var roster []types.RosterEntry
	require.NoError(t, json.Unmarshal(expect(t, late, types.EventUpdateStudentList), &roster))
	require.Len(t, roster, 1)
	assert.Equal(t, types.PresenceCheating, roster[0].Status)

	var alert types.AlertPayload
	require.NoError(t, json.Unmarshal(expect(t, late, types.EventAlert), &alert))
	assert.Equal(t, types.AlertCheatAttempt, alert.Type)
}

func TestRouter_CheatAlertGoesToProfessorsOnly(t *testing.T) {
	s := newStack(t, Config{})
	prof := s.dial(t, "prof1", types.RoleProfessor, "")
	stranger := s.dial(t, "prof9", types.RoleProfessor, "")
	student := s.dial(t, "s1", types.RoleStudent, "24003")
	send(t, student, types.EventJoinExam, types.JoinExamRequest{ExamID: 7})
	expect(t, prof, types.EventStudentConnected)
	expect(t, student, types.EventStudentConnected)

	send(t, student, types.EventCheatAlert, types.CheatAlertRequest{ExamID: 7, Type: "copy-paste"})
	expect(t, prof, types.EventCheatAlert)
	silent(t, student)
	silent(t, stranger)

	assert.Len(t, s.store.Logs(), 1)
}

func TestRouter_Rejections(t *testing.T) {
	s := newStack(t, Config{})
	student := s.dial(t, "s1", types.RoleStudent, "24003")

	require.NoError(t, student.WriteMessage(gorillaws.TextMessage, []byte("{not json")))
	expectError(t, student, types.CodeMalformedPayload)

	send(t, student, "drop-table", map[string]string{})
	p := expectError(t, student, types.CodeUnknownCommand)
	assert.Equal(t, "drop-table", p.Command)

	send(t, student, types.EventStartExam, types.StartExamRequest{ExamID: 7})
	expectError(t, student, types.CodeUnauthorized)

	send(t, student, types.EventJoinExam, types.JoinExamRequest{ExamID: 7, StudentID: "someone-else"})
	expectError(t, student, types.CodeUnauthorized)

	send(t, student, types.EventJoinExam, types.JoinExamRequest{ExamID: 404})
	expectError(t, student, types.CodeUnknownExam)

	send(t, student, types.EventJoinExam, map[string]int{"examId": -1})
	expectError(t, student, types.CodeMalformedPayload)

	send(t, student, types.EventCheatAlert, types.CheatAlertRequest{ExamID: 7, Type: "tab-switch"})
	expectError(t, student, types.CodeUnauthorized)
}

func TestRouter_LifecycleCommands(t *testing.T) {
	s := newStack(t, Config{})
	prof := s.dial(t, "prof1", types.RoleProfessor, "")
	student := s.dial(t, "s1", types.RoleStudent, "24003")
	send(t, student, types.EventJoinExam, types.JoinExamRequest{ExamID: 7})
	expect(t, prof, types.EventStudentConnected)

	send(t, prof, types.EventStartExam, types.StartExamRequest{ExamID: 7, DurationMin: 30})
	var started types.ExamStartedPayload
	require.NoError(t, json.Unmarshal(expect(t, student, types.EventExamStarted), &started))
	assert.Equal(t, types.ExamID(7), started.ExamID)
	assert.Greater(t, started.EndAt, time.Now().Add(29*time.Minute).UnixMilli())

	send(t, prof, types.EventStartExam, types.StartExamRequest{ExamID: 7})
	expectError(t, prof, types.CodeInvalidTransition)

	send(t, prof, types.EventStopExam, types.ExamRefRequest{ExamID: 7})
	expect(t, student, types.EventExamStopped)

	other := s.dial(t, "prof9", types.RoleProfessor, "")
	send(t, other, types.EventFinishExam, types.ExamRefRequest{ExamID: 7})
	expectError(t, other, types.CodeUnauthorized)

	send(t, prof, types.EventFinishExam, types.ExamRefRequest{ExamID: 7})
	expect(t, prof, types.EventExamFinished)
}

func TestRouter_StudentJoinGetsRunningTimer(t *testing.T) {
	s := newStack(t, Config{})
	prof := s.dial(t, "prof1", types.RoleProfessor, "")
	send(t, prof, types.EventStartExam, types.StartExamRequest{ExamID: 7, DurationMin: 30})
	var started types.ExamStartedPayload
	require.NoError(t, json.Unmarshal(expect(t, prof, types.EventExamStarted), &started))

	student := s.dial(t, "s1", types.RoleStudent, "24003")
	send(t, student, types.EventJoinExam, types.JoinExamRequest{ExamID: 7})

	var timer types.ExamTickPayload
	require.NoError(t, json.Unmarshal(expect(t, student, types.EventExamTick), &timer))
	assert.Equal(t, types.ExamID(7), timer.ExamID)
	assert.Equal(t, started.EndAt, timer.EndAt)
	assert.Greater(t, timer.TimeLeft, (29 * time.Minute).Milliseconds())
}

func TestRouter_FinalizeExam(t *testing.T) {
	s := newStack(t, Config{})
	prof := s.dial(t, "prof1", types.RoleProfessor, "")
	student := s.dial(t, "s1", types.RoleStudent, "24003")
	send(t, student, types.EventJoinExam, types.JoinExamRequest{ExamID: 7})
	expect(t, prof, types.EventStudentConnected)

	send(t, student, types.EventFinalizeExam, types.ExamRefRequest{ExamID: 7})
	var upd types.SubmissionUpdatePayload
	require.NoError(t, json.Unmarshal(expect(t, prof, types.EventSubmissionUpdate), &upd))
	assert.True(t, upd.Finalized)
	assert.True(t, s.store.IsFinalized(7, "s1"))
}

func TestRouter_RateLimit(t *testing.T) {
	s := newStack(t, Config{RateLimit: 3, RateLimitEvery: time.Minute})
	student := s.dial(t, "s1", types.RoleStudent, "")

	for i := 0; i < 3; i++ {
		send(t, student, types.EventHeartbeat, types.HeartbeatRequest{})
	}
	send(t, student, types.EventHeartbeat, types.HeartbeatRequest{})
	expectError(t, student, types.CodeRateLimited)
}

func TestRouter_DisconnectReleasesState(t *testing.T) {
	s := newStack(t, Config{RateLimit: 100, RateLimitEvery: time.Minute})
	prof := s.dial(t, "prof1", types.RoleProfessor, "")
	student := s.dial(t, "s1", types.RoleStudent, "24003")
	send(t, student, types.EventJoinExam, types.JoinExamRequest{ExamID: 7})
	expect(t, prof, types.EventStudentConnected)
	require.Equal(t, 1, s.router.Limiter().Size())

	require.NoError(t, student.Close())
	expect(t, prof, types.EventStudentDisconnected)
	assert.Eventually(t, func() bool { return s.router.Limiter().Size() == 0 }, time.Second, 10*time.Millisecond)
}

func TestToCommandError(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{types.NewCommandError(types.CodeInvalidTransition, "no", nil), types.CodeInvalidTransition},
		{&types.ValidationError{Fields: []types.FieldError{{Field: "examId", Error: "required"}}}, types.CodeMalformedPayload},
		{errors.Wrap(types.ErrMalformed, "eof"), types.CodeMalformedPayload},
		{signal.ErrMalformedSignal, types.CodeMalformedPayload},
		{ErrNotJoined, types.CodeUnauthorized},
		{errors.Wrap(interfaces.ErrExamNotFound, "exam 4"), types.CodeUnknownExam},
		{errors.New("disk on fire"), types.CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, toCommandError(tt.err).Code, tt.err.Error())
	}
}
