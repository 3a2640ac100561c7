package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	dbconfig "proctorhub/pkg/database"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager implements interfaces.Store on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // single writer, SQLite allows one at a time
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid database config")
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyOptimizations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// Migrate applies pending migrations and validates the resulting schema
func (m *Manager) Migrate() error {
	if err := dbconfig.NewMigrationManager(m.db, m.config.MigrationsPath).ApplyMigrations(); err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	if err := dbconfig.NewSchemaValidator(m.db).Validate(); err != nil {
		return errors.Wrap(err, "validate schema")
	}
	return nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && isRetryable(err) {
				log.Printf("database: write failed, retrying in %s: %v", m.retryDelay, err)
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
				if err != nil {
					log.Printf("database: write failed after retry: %v", err)
				}
			}
			op.result <- err
		case <-m.shutdown:
			log.Println("database: write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

const examColumns = `id, titre, status, professor_id, room_number, duration_min, ends_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExam(row rowScanner) (*types.Exam, error) {
	var (
		exam   types.Exam
		status string
		endsAt sql.NullTime
	)
	err := row.Scan(&exam.ID, &exam.Titre, &status, &exam.ProfessorID, &exam.RoomNumber, &exam.DurationMin, &endsAt)
	if err != nil {
		return nil, err
	}
	exam.Status = types.ExamStatus(status)
	if endsAt.Valid {
		t := endsAt.Time
		exam.EndsAt = &t
	}
	return &exam, nil
}

// CreateExam inserts exam metadata. Exam CRUD belongs to the web layer; the core
// only uses this for seeding and tests.
func (m *Manager) CreateExam(ctx context.Context, exam *types.Exam) (*types.Exam, error) {
	status := exam.Status
	if status == "" {
		status = types.StatusReady
	}
	var id int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO exams (titre, status, professor_id, room_number, duration_min)
			VALUES (?, ?, ?, ?, ?)
		`, exam.Titre, string(status), exam.ProfessorID, exam.RoomNumber, exam.DurationMin)
		if err != nil {
			return errors.Wrap(err, "insert exam")
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return m.GetExam(ctx, types.ExamID(id))
}

// GetExam retrieves exam metadata by id
func (m *Manager) GetExam(ctx context.Context, examID types.ExamID) (*types.Exam, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+examColumns+` FROM exams WHERE id = ?`, int64(examID))
	exam, err := scanExam(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrExamNotFound
		}
		return nil, errors.Wrapf(err, "query exam %d", examID)
	}
	return exam, nil
}

// ListExamsByStatus returns exams in any of the given statuses
func (m *Manager) ListExamsByStatus(ctx context.Context, statuses ...types.ExamStatus) ([]*types.Exam, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT `+examColumns+` FROM exams WHERE status IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query exams by status")
	}
	defer func() { _ = rows.Close() }()

	var exams []*types.Exam
	for rows.Next() {
		exam, err := scanExam(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan exam row")
		}
		exams = append(exams, exam)
	}
	return exams, errors.Wrap(rows.Err(), "iterate exam rows")
}

// UpdateExamStatus persists a lifecycle transition; ends_at is written on every
// start and cleared on every stop/end so a restarted process can see what was running
func (m *Manager) UpdateExamStatus(ctx context.Context, examID types.ExamID, status types.ExamStatus, endsAt *time.Time) error {
	if !types.IsValidExamStatus(string(status)) {
		return errors.Errorf("invalid exam status %q", status)
	}

	var stampColumn string
	switch status {
	case types.StatusLaunched:
		stampColumn = "published_at"
	case types.StatusRunning:
		stampColumn = "started_at"
	case types.StatusStopped, types.StatusEnded:
		stampColumn = "stopped_at"
	case types.StatusFinished:
		stampColumn = "finished_at"
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		query := `UPDATE exams SET status = ?, ends_at = ?`
		args := []interface{}{string(status), nullTime(endsAt)}
		if stampColumn != "" {
			query += `, ` + stampColumn + ` = ?`
			args = append(args, time.Now().UTC())
		}
		query += ` WHERE id = ?`
		args = append(args, int64(examID))

		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return errors.Wrapf(err, "update exam %d status", examID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrExamNotFound
		}
		return nil
	})
}

// AppendLog appends one alert/cheat log row
func (m *Manager) AppendLog(ctx context.Context, examID types.ExamID, matricule, action, level string) error {
	if level == "" {
		level = types.LevelInfo
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO logs (exam_id, matricule, action, type, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, int64(examID), matricule, action, level, time.Now().UTC())
		return errors.Wrap(err, "insert log")
	})
}

// ListLogs returns the most recent uncleared logs of an exam
func (m *Manager) ListLogs(ctx context.Context, examID types.ExamID, limit int) ([]*interfaces.LogRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, exam_id, matricule, action, type, timestamp
		FROM logs
		WHERE exam_id = ? AND cleared = 0
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, int64(examID), limit)
	if err != nil {
		return nil, errors.Wrap(err, "query logs")
	}
	defer func() { _ = rows.Close() }()

	var logs []*interfaces.LogRow
	for rows.Next() {
		var row interfaces.LogRow
		if err := rows.Scan(&row.ID, &row.ExamID, &row.Matricule, &row.Action, &row.Type, &row.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan log row")
		}
		logs = append(logs, &row)
	}
	return logs, errors.Wrap(rows.Err(), "iterate log rows")
}

// ClearLogs hides logs of an exam, optionally restricted to one matricule
func (m *Manager) ClearLogs(ctx context.Context, examID types.ExamID, matricule string) (int64, error) {
	var affected int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		query := `UPDATE logs SET cleared = 1 WHERE exam_id = ? AND cleared = 0`
		args := []interface{}{int64(examID)}
		if matricule != "" {
			query += ` AND matricule = ?`
			args = append(args, matricule)
		}
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return errors.Wrap(err, "clear logs")
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// SetFinalized upserts the finalization flag of a student for an exam
func (m *Manager) SetFinalized(ctx context.Context, examID types.ExamID, personID string, finalized bool) error {
	var finalizedAt interface{}
	if finalized {
		finalizedAt = time.Now().UTC()
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO exam_results (exam_id, student_id, is_finalized, finalized_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (exam_id, student_id)
			DO UPDATE SET is_finalized = excluded.is_finalized, finalized_at = excluded.finalized_at
		`, int64(examID), personID, boolToInt(finalized), finalizedAt)
		return errors.Wrap(err, "upsert exam result")
	})
}

// IsFinalized reports the persisted finalization flag
func (m *Manager) IsFinalized(ctx context.Context, examID types.ExamID, personID string) (bool, error) {
	var flag int
	err := m.db.QueryRowContext(ctx,
		`SELECT is_finalized FROM exam_results WHERE exam_id = ? AND student_id = ?`,
		int64(examID), personID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "query exam result")
	}
	return flag == 1, nil
}

// RecordSubmission stores a submission fact relayed by the upload subsystem
func (m *Manager) RecordSubmission(ctx context.Context, submission *interfaces.Submission) error {
	paths, err := json.Marshal(submission.Files)
	if err != nil {
		return errors.Wrap(err, "marshal file paths")
	}
	at := submission.At
	if at.IsZero() {
		at = time.Now()
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO works (exam_id, student_id, matricule, nb_files, file_paths, last_update)
			VALUES (?, ?, ?, ?, ?, ?)
		`, int64(submission.ExamID), submission.PersonID, submission.Matricule,
			len(submission.Files), string(paths), at.UTC())
		return errors.Wrap(err, "insert submission")
	})
}

// CountSubmissions returns how many submissions an exam received
func (m *Manager) CountSubmissions(ctx context.Context, examID types.ExamID) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM works WHERE exam_id = ?`, int64(examID)).Scan(&n)
	return n, errors.Wrap(err, "count submissions")
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "database ping failed")
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM exams").Scan(&n); err != nil {
		return errors.Wrap(err, "database read test failed")
	}
	return nil
}

// GetDB returns the underlying database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the writer and the connection pool
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	return errors.Wrap(m.db.Close(), "close database")
}

// isRetryable reports lock contention, the only failure a second attempt can fix
func isRetryable(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
