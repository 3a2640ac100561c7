// Package api is the HTTP surface used by the upload service, the grading
// back office and operators.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"proctorhub/internal/presence"
	"proctorhub/internal/signal"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Sessions exposes the live exams
type Sessions interface {
	GetActiveSessions() []types.ActiveExam
	GetStats() map[string]interface{}
}

// Signals relays submission facts
type Signals interface {
	RelaySubmission(ctx context.Context, s *interfaces.Submission) ([]types.SubmittedFile, error)
	Finalize(ctx context.Context, examID types.ExamID, personID, matricule string) error
}

// Roster is the presence view of one exam
type Roster interface {
	ListForExam(examID types.ExamID) []types.RosterEntry
	Participant(personID string, examID types.ExamID) (types.Participant, bool)
	ClearStatus(personID string, examID types.ExamID) (bool, error)
}

// ConnectionStats reports socket counters
type ConnectionStats interface {
	GetStats() map[string]int
}

type Server struct {
	store    interfaces.Store
	sessions Sessions
	signals  Signals
	roster   Roster
	conns    ConnectionStats
	started  time.Time
	health   map[string]func() interface{}
	router   *mux.Router
	handler  http.Handler
}

// NewServer builds the routes
func NewServer(store interfaces.Store, sessions Sessions, signals Signals, roster Roster, conns ConnectionStats) *Server {
	s := &Server{
		store:    store,
		sessions: sessions,
		signals:  signals,
		roster:   roster,
		conns:    conns,
		started:  time.Now(),
		health:   make(map[string]func() interface{}),
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	s.handler = s.corsMiddleware(s.jsonMiddleware(s.router))
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)

	exams := s.router.PathPrefix("/api/exams").Subrouter()
	exams.HandleFunc("/active", s.listActive).Methods(http.MethodGet)
	exams.HandleFunc("/{id:[0-9]+}/students", s.listStudents).Methods(http.MethodGet)
	exams.HandleFunc("/{id:[0-9]+}/submissions", s.recordSubmission).Methods(http.MethodPost)
	exams.HandleFunc("/{id:[0-9]+}/finalize", s.finalize).Methods(http.MethodPost)
	exams.HandleFunc("/{id:[0-9]+}/logs", s.listLogs).Methods(http.MethodGet)
	exams.HandleFunc("/{id:[0-9]+}/logs/clear", s.clearLogs).Methods(http.MethodPost)
	exams.HandleFunc("/{id:[0-9]+}/participants/{personId}/clear", s.clearStatus).Methods(http.MethodPost)
}

// AddHealthSource adds a named section to the /health output
func (s *Server) AddHealthSource(name string, fn func() interface{}) {
	s.health[name] = fn
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type SubmissionRequest struct {
	PersonID  string   `json:"personId" validate:"required,max=50"`
	Matricule string   `json:"matricule" validate:"omitempty,max=50"`
	Files     []string `json:"files" validate:"required,min=1,dive,max=255"`
}

type SubmissionResponse struct {
	Files []types.SubmittedFile `json:"files"`
}

type FinalizeRequest struct {
	PersonID  string `json:"personId" validate:"required,max=50"`
	Matricule string `json:"matricule" validate:"omitempty,max=50"`
}

type ClearLogsRequest struct {
	Matricule string `json:"matricule" validate:"omitempty,max=50"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Uptime      string                 `json:"uptime"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	Components  map[string]interface{} `json:"components"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Database:    "healthy",
		Connections: s.conns.GetStats(),
		Components:  map[string]interface{}{"sessions": s.sessions.GetStats()},
	}
	for name, fn := range s.health {
		resp.Components[name] = fn()
	}
	if err := s.store.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "error: " + err.Error()
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GET /api/exams/active mirrors the initial-sync payload
func (s *Server) listActive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, types.InitialSyncPayload{ActiveExams: s.sessions.GetActiveSessions()})
}

// GET /api/exams/{id}/students
func (s *Server) listStudents(w http.ResponseWriter, r *http.Request) {
	examID, ok := s.examID(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.roster.ListForExam(examID))
}

// POST /api/exams/{id}/submissions
func (s *Server) recordSubmission(w http.ResponseWriter, r *http.Request) {
	examID, ok := s.examID(w, r)
	if !ok {
		return
	}
	var req SubmissionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := s.store.GetExam(r.Context(), examID); err != nil {
		s.sendFailure(w, err)
		return
	}

	files, err := s.signals.RelaySubmission(r.Context(), &interfaces.Submission{
		ExamID:    examID,
		PersonID:  req.PersonID,
		Matricule: s.matricule(examID, req.PersonID, req.Matricule),
		Files:     req.Files,
		At:        time.Now(),
	})
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, SubmissionResponse{Files: files})
}

// POST /api/exams/{id}/finalize
func (s *Server) finalize(w http.ResponseWriter, r *http.Request) {
	examID, ok := s.examID(w, r)
	if !ok {
		return
	}
	var req FinalizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := s.store.GetExam(r.Context(), examID); err != nil {
		s.sendFailure(w, err)
		return
	}
	if err := s.signals.Finalize(r.Context(), examID, req.PersonID, s.matricule(examID, req.PersonID, req.Matricule)); err != nil {
		s.sendFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"examId": examID, "personId": req.PersonID, "finalized": true})
}

// GET /api/exams/{id}/logs?limit=
func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	examID, ok := s.examID(w, r)
	if !ok {
		return
	}
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	logs, err := s.store.ListLogs(r.Context(), examID, limit)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	if logs == nil {
		logs = []*interfaces.LogRow{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

// POST /api/exams/{id}/logs/clear
func (s *Server) clearLogs(w http.ResponseWriter, r *http.Request) {
	examID, ok := s.examID(w, r)
	if !ok {
		return
	}
	var req ClearLogsRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	n, err := s.store.ClearLogs(r.Context(), examID, req.Matricule)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	log.Printf("api: cleared %d logs exam=%d matricule=%q", n, examID, req.Matricule)
	s.writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

// POST /api/exams/{id}/participants/{personId}/clear lifts a sticky status
func (s *Server) clearStatus(w http.ResponseWriter, r *http.Request) {
	examID, ok := s.examID(w, r)
	if !ok {
		return
	}
	personID := mux.Vars(r)["personId"]
	if !types.IsValidPersonID(personID) {
		s.sendError(w, types.ErrInvalidPersonID.Error(), http.StatusBadRequest)
		return
	}
	changed, err := s.roster.ClearStatus(personID, examID)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"cleared": changed})
}

func (s *Server) examID(w http.ResponseWriter, r *http.Request) (types.ExamID, bool) {
	id, err := types.ParseExamID(mux.Vars(r)["id"])
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// matricule falls back to the live participant, then to the person id
func (s *Server) matricule(examID types.ExamID, personID, given string) string {
	if given != "" {
		return given
	}
	if p, ok := s.roster.Participant(personID, examID); ok && p.Matricule != "" {
		return p.Matricule
	}
	return personID
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	if err := types.Validate(v); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// sendFailure maps a core error onto an HTTP status
func (s *Server) sendFailure(w http.ResponseWriter, err error) {
	switch errors.Cause(err) {
	case interfaces.ErrExamNotFound:
		s.sendError(w, "Exam not found", http.StatusNotFound)
	case presence.ErrUnknownParticipant:
		s.sendError(w, "Participant not found", http.StatusNotFound)
	case signal.ErrMalformedSignal, signal.ErrEmptySubmission:
		s.sendError(w, errors.Cause(err).Error(), http.StatusBadRequest)
	default:
		log.Printf("api: request failed: %v", err)
		s.sendError(w, "Internal error", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response failed: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
