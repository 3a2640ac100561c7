package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorhub/internal/presence"
	"proctorhub/internal/signal"
	"proctorhub/internal/testutil"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

type staticSessions []types.ActiveExam

func (s staticSessions) GetActiveSessions() []types.ActiveExam { return s }
func (s staticSessions) GetStats() map[string]interface{} {
	return map[string]interface{}{"live_sessions": len(s)}
}

type staticConns map[string]int

func (c staticConns) GetStats() map[string]int { return c }

type brokenStore struct {
	*testutil.MemoryStore
}

func (brokenStore) HealthCheck(ctx context.Context) error { return errors.New("disk I/O error") }

type fixture struct {
	server   *Server
	store    *testutil.MemoryStore
	presence *presence.Registry
	sink     *testutil.RecordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewMemoryStore(&types.Exam{ID: 7, Titre: "Networks", Status: types.StatusRunning, ProfessorID: "prof1", RoomNumber: "B12"})
	sink := testutil.NewRecordingSink()
	pres := presence.NewRegistry(sink, presence.Options{HistoryLimit: 10})
	proc := signal.NewProcessor(pres, store, sink, signal.Options{LocalSubnet: "192.168.1.", DedupWindow: time.Second})

	_, err := pres.Register(presence.Registration{
		ConnectionID: "c1", PersonID: "s1", Matricule: "24003", Role: types.RoleStudent, ExamID: 7, RoomRef: "B12", IP: "192.168.1.20",
	})
	require.NoError(t, err)

	sessions := staticSessions{{ExamID: 7, EndAt: 1700000000000}}
	srv := NewServer(store, sessions, proc, pres, staticConns{"total_connections": 3})
	return &fixture{server: srv, store: store, presence: pres, sink: sink}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)
	f.server.AddHealthSource("hub", func() interface{} { return map[string]int{"published": 4} })

	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 3, resp.Connections["total_connections"])
	assert.Contains(t, resp.Components, "hub")
	assert.Contains(t, resp.Components, "sessions")
}

func TestServer_HealthUnhealthyStore(t *testing.T) {
	store := brokenStore{testutil.NewMemoryStore()}
	srv := NewServer(store, staticSessions{}, nil, nil, staticConns{})

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "disk I/O error")
}

func TestServer_ActiveExams(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/exams/active", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.InitialSyncPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.ActiveExams, 1)
	assert.Equal(t, types.ExamID(7), resp.ActiveExams[0].ExamID)
}

func TestServer_Students(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/exams/7/students", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var roster []types.RosterEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &roster))
	require.Len(t, roster, 1)
	assert.Equal(t, "24003", roster[0].Matricule)
}

func TestServer_RecordSubmission(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/exams/7/submissions", SubmissionRequest{PersonID: "s1", Files: []string{"main.c", "report.pdf"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp SubmissionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Files, 2)
	assert.Equal(t, "/static/exams/7/students/24003/main.c", resp.Files[0].URL)

	subs := f.store.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "24003", subs[0].Matricule)
	assert.Equal(t, 1, f.sink.Count(types.EventFileSubmitted))
}

func TestServer_RecordSubmissionRejects(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/exams/7/submissions", SubmissionRequest{PersonID: "s1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/exams/99/submissions", SubmissionRequest{PersonID: "s1", Files: []string{"a.c"}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/exams/7/submissions", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, f.store.Submissions())
}

func TestServer_Finalize(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/exams/7/finalize", FinalizeRequest{PersonID: "s1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.True(t, f.store.IsFinalized(7, "s1"))
	p, ok := f.presence.Participant("s1", 7)
	require.True(t, ok)
	assert.Equal(t, types.PresenceFinalized, p.Status)
}

func TestServer_LogsListAndClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.AppendLog(ctx, 7, "24003", "tab-switch", types.LevelDanger))
	require.NoError(t, f.store.AppendLog(ctx, 7, "24004", "copy-paste", types.LevelDanger))

	w := f.do(t, http.MethodGet, "/api/exams/7/logs?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rows []*interfaces.LogRow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	assert.Len(t, rows, 2)

	w = f.do(t, http.MethodPost, "/api/exams/7/logs/clear", ClearLogsRequest{Matricule: "24003"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cleared":1}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/exams/7/logs", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "24004", rows[0].Matricule)

	w = f.do(t, http.MethodGet, "/api/exams/7/logs?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_ClearStickyStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.presence.MarkStatus("s1", 7, types.PresenceCheating)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/exams/7/participants/s1/clear", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cleared":true}`, w.Body.String())

	p, _ := f.presence.Participant("s1", 7)
	assert.Equal(t, types.PresenceOnline, p.Status)

	w = f.do(t, http.MethodPost, "/api/exams/7/participants/ghost/clear", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodOptions, "/api/exams/7/finalize", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_BadExamID(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/exams/0/students", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/exams/abc/students", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
