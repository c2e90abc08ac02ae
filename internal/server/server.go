package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/theodi/learning-orchestrator-sub000/internal/jobs"
	"github.com/theodi/learning-orchestrator-sub000/internal/models"
	"github.com/theodi/learning-orchestrator-sub000/internal/service"
)

// Server is the thin HTTP surface over the enrollment services. Handlers
// validate input, call one service operation and encode the result.
type Server struct {
	engine   *service.Engine
	bulk     *service.BulkProcessor
	verifier *service.Verifier
	queue    *jobs.Queue
}

func New(engine *service.Engine, bulk *service.BulkProcessor, verifier *service.Verifier, queue *jobs.Queue) *Server {
	return &Server{engine: engine, bulk: bulk, verifier: verifier, queue: queue}
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler(allowedOrigin string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/courses/{courseID}/status", s.handleGetStatus)
		r.Post("/courses/{courseID}/enrollments/bulk", s.handleBulkEnrollment)
		r.Get("/enrollments/token/{token}", s.handleGetByToken)
		r.Post("/enrollments/token/{token}/verify", s.handleVerify)
		r.Post("/deals/{dealID}/notifications", s.handleEnqueueNotifications)
		r.Get("/deals/{dealID}/notifications", s.handleNotificationStatus)
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{allowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	courseID, err := strconv.ParseInt(chi.URLParam(r, "courseID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid course id")
		return
	}
	email := r.URL.Query().Get("email")
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	months := 0
	if v := r.URL.Query().Get("months"); v != "" {
		months, err = strconv.Atoi(v)
		if err != nil || months < 0 {
			writeError(w, http.StatusBadRequest, "invalid months")
			return
		}
	}

	// With a duration the caller opts into self-healing; without one the
	// read stays side-effect free.
	var result service.StatusResult
	if months > 0 {
		result, err = s.engine.Reconcile(r.Context(), courseID, email, months)
	} else {
		result, err = s.engine.GetStatus(r.Context(), courseID, email)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type bulkRequest struct {
	CourseName     string   `json:"course_name"`
	Emails         []string `json:"emails"`
	DurationMonths int      `json:"duration_months"`
}

func (s *Server) handleBulkEnrollment(w http.ResponseWriter, r *http.Request) {
	courseID, err := strconv.ParseInt(chi.URLParam(r, "courseID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid course id")
		return
	}

	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	result, err := s.bulk.ProcessBulkEnrollment(r.Context(), courseID, req.CourseName, req.Emails, req.DurationMonths)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetByToken(w http.ResponseWriter, r *http.Request) {
	rec, err := s.verifier.GetEnrollmentByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollmentResponse(rec))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	rec, err := s.verifier.VerifyAndComplete(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollmentResponse(rec))
}

func (s *Server) handleEnqueueNotifications(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "dealID")
	if dealID == "" {
		writeError(w, http.StatusBadRequest, "deal id is required")
		return
	}
	snapshot := s.queue.Enqueue(dealID)
	writeJSON(w, http.StatusAccepted, snapshot)
}

func (s *Server) handleNotificationStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.queue.Status(chi.URLParam(r, "dealID"))
	if !ok {
		writeError(w, http.StatusNotFound, "no notification job for this deal")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// enrollmentResponse shapes a record for API consumers, folding expiry into
// the reported status without exposing the secret token.
func enrollmentResponse(rec *models.Enrollment) map[string]interface{} {
	return map[string]interface{}{
		"user_email":      rec.UserEmail,
		"course_id":       rec.CourseID,
		"course_name":     rec.CourseName,
		"status":          rec.EffectiveStatus(time.Now()),
		"enrollment_date": rec.EnrollmentDate,
		"expiry_date":     rec.ExpiryDate,
		"moodle_user_id":  rec.MoodleUserID,
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrInvalidToken):
		writeError(w, http.StatusNotFound, "invalid or expired token")
	case errors.Is(err, service.ErrAlreadyEnrolled):
		writeError(w, http.StatusConflict, err.Error())
	case service.IsExternal(err):
		writeError(w, http.StatusBadGateway, "learning platform is unavailable, try again later")
	default:
		log.Printf("Internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Warning: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Run starts the HTTP server and shuts it down when ctx is cancelled.
func Run(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
