package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "proctorhub/pkg/database"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(config)
	require.NoError(t, err)
	manager.retryDelay = 10 * time.Millisecond
	require.NoError(t, manager.Migrate())

	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func seedExam(t *testing.T, m *Manager, professorID string) *types.Exam {
	t.Helper()
	exam, err := m.CreateExam(context.Background(), &types.Exam{
		Titre:       "Algorithmique",
		Status:      types.StatusLaunched,
		ProfessorID: professorID,
		RoomNumber:  "B12",
		DurationMin: 90,
	})
	require.NoError(t, err)
	return exam
}

func TestManager_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Store = (*Manager)(nil)
}

func TestManager_CreateAndGetExam(t *testing.T) {
	m := setupTestDB(t)
	exam := seedExam(t, m, "prof-1")

	got, err := m.GetExam(context.Background(), exam.ID)
	require.NoError(t, err)
	assert.Equal(t, "Algorithmique", got.Titre)
	assert.Equal(t, types.StatusLaunched, got.Status)
	assert.Equal(t, "prof-1", got.ProfessorID)
	assert.Equal(t, "B12", got.RoomNumber)
	assert.Equal(t, 90, got.DurationMin)
	assert.Nil(t, got.EndsAt)
}

func TestManager_GetExamNotFound(t *testing.T) {
	m := setupTestDB(t)
	_, err := m.GetExam(context.Background(), 999)
	assert.Equal(t, interfaces.ErrExamNotFound, err)
}

func TestManager_UpdateExamStatusPersistsEndsAt(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	exam := seedExam(t, m, "prof-1")

	endsAt := time.Now().Add(90 * time.Minute).Truncate(time.Second)
	require.NoError(t, m.UpdateExamStatus(ctx, exam.ID, types.StatusRunning, &endsAt))

	got, err := m.GetExam(ctx, exam.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
	require.NotNil(t, got.EndsAt)
	assert.True(t, endsAt.Equal(*got.EndsAt), "ends_at round trip: want %v got %v", endsAt, got.EndsAt)

	require.NoError(t, m.UpdateExamStatus(ctx, exam.ID, types.StatusStopped, nil))
	got, err = m.GetExam(ctx, exam.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)
	assert.Nil(t, got.EndsAt)
}

func TestManager_UpdateExamStatusErrors(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	err := m.UpdateExamStatus(ctx, 42, types.StatusRunning, nil)
	assert.Equal(t, interfaces.ErrExamNotFound, errors.Cause(err))

	exam := seedExam(t, m, "")
	err = m.UpdateExamStatus(ctx, exam.ID, types.ExamStatus("published"), nil)
	assert.Error(t, err)
}

func TestManager_ListExamsByStatus(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	a := seedExam(t, m, "p")
	b := seedExam(t, m, "p")
	seedExam(t, m, "p")

	end := time.Now().Add(time.Hour)
	require.NoError(t, m.UpdateExamStatus(ctx, a.ID, types.StatusRunning, &end))
	require.NoError(t, m.UpdateExamStatus(ctx, b.ID, types.StatusWarned, &end))

	live, err := m.ListExamsByStatus(ctx, types.StatusRunning, types.StatusWarned)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, a.ID, live[0].ID)
	assert.Equal(t, b.ID, live[1].ID)

	none, err := m.ListExamsByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestManager_LogsAppendListClear(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	exam := seedExam(t, m, "p")

	require.NoError(t, m.AppendLog(ctx, exam.ID, "24003", "tab-switch", types.LevelDanger))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.AppendLog(ctx, exam.ID, "24004", "window-blur", ""))
	require.NoError(t, m.AppendLog(ctx, exam.ID+1, "24003", "other exam", types.LevelInfo))

	logs, err := m.ListLogs(ctx, exam.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "24004", logs[0].Matricule, "newest first")
	assert.Equal(t, types.LevelInfo, logs[0].Type, "empty level defaults to info")
	assert.Equal(t, types.LevelDanger, logs[1].Type)

	n, err := m.ClearLogs(ctx, exam.ID, "24003")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	logs, err = m.ListLogs(ctx, exam.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "24004", logs[0].Matricule)

	n, err = m.ClearLogs(ctx, exam.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	logs, err = m.ListLogs(ctx, exam.ID+1, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1, "other exam untouched")
}

func TestManager_SetFinalizedUpserts(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	exam := seedExam(t, m, "p")

	ok, err := m.IsFinalized(ctx, exam.ID, "24003")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SetFinalized(ctx, exam.ID, "24003", true))
	ok, err = m.IsFinalized(ctx, exam.ID, "24003")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.SetFinalized(ctx, exam.ID, "24003", false))
	ok, err = m.IsFinalized(ctx, exam.ID, "24003")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_RecordSubmission(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	exam := seedExam(t, m, "p")

	require.NoError(t, m.RecordSubmission(ctx, &interfaces.Submission{
		ExamID:    exam.ID,
		PersonID:  "24003",
		Matricule: "24003",
		Files:     []string{"main.c", "rapport.pdf"},
	}))

	n, err := m.CountSubmissions(ctx, exam.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var nbFiles int
	var paths string
	require.NoError(t, m.GetDB().QueryRow(`SELECT nb_files, file_paths FROM works WHERE exam_id = ?`, int64(exam.ID)).Scan(&nbFiles, &paths))
	assert.Equal(t, 2, nbFiles)
	assert.JSONEq(t, `["main.c","rapport.pdf"]`, paths)
}

func TestManager_SingleWriterConcurrentWrites(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	exam := seedExam(t, m, "p")

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.AppendLog(ctx, exam.ID, "24003", "tab-switch", types.LevelDanger)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	logs, err := m.ListLogs(ctx, exam.ID, 100)
	require.NoError(t, err)
	assert.Len(t, logs, 50)
}

func TestManager_HealthCheck(t *testing.T) {
	m := setupTestDB(t)
	assert.NoError(t, m.HealthCheck(context.Background()))
}

func TestManager_CloseIsIdempotentAndRejectsWrites(t *testing.T) {
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "closed.db")
	m, err := NewManager(config)
	require.NoError(t, err)
	require.NoError(t, m.Migrate())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	err = m.AppendLog(context.Background(), 1, "x", "y", types.LevelInfo)
	assert.Equal(t, ErrManagerClosed, err)
}

func TestManager_InvalidConfig(t *testing.T) {
	config := dbconfig.DefaultConfig()
	config.DatabasePath = ""
	_, err := NewManager(config)
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"locked_wrapped", errors.Wrap(sqlite3.Error{Code: sqlite3.ErrLocked}, "update exam"), true},
		{"constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"not_found", interfaces.ErrExamNotFound, false},
		{"plain", errors.New("syntax error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestManager_FailedWriteIsNotRetried(t *testing.T) {
	m := setupTestDB(t)
	m.retryDelay = time.Minute

	calls := 0
	start := time.Now()
	err := m.executeWrite(context.Background(), func(db *sql.DB) error {
		calls++
		_, err := db.Exec("INSERT INTO no_such_table VALUES (1)")
		return err
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 5*time.Second)
}
