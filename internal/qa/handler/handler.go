// Package handler serves the Q&A REST endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa/validator"
	apperrors "github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/logger"
)

// IdentityHeader carries the caller's user id. Authorization is used when
// it is absent.
const IdentityHeader = "user-uuid"

const maxBodyBytes = 1 << 20

type Service interface {
	Courses(ctx context.Context) ([]qa.Course, error)
	Questions(ctx context.Context, courseCode string, oldest *time.Time) ([]qa.Question, error)
	CreateQuestion(ctx context.Context, userID string, nq qa.NewQuestion) (qa.Question, error)
	Answers(ctx context.Context, questionID int64, oldest *time.Time) ([]qa.Answer, error)
	CreateAnswer(ctx context.Context, userID string, na qa.NewAnswer) (qa.Answer, error)
	Vote(ctx context.Context, v qa.Vote) (qa.Vote, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(svc Service) *Handler {
	return &Handler{
		service: svc,
		logger:  slog.Default().With("component", "qa-handler"),
	}
}

// Register mounts the REST routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /courses", h.ListCourses)
	mux.HandleFunc("GET /courses/{code}/questions", h.ListQuestions)
	mux.HandleFunc("POST /courses/{code}/questions", h.CreateQuestion)
	mux.HandleFunc("GET /questions/{id}/answers", h.ListAnswers)
	mux.HandleFunc("POST /questions/{id}/answers", h.CreateAnswer)
	mux.HandleFunc("POST /votes", h.Vote)
}

func (h *Handler) ListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := h.service.Courses(r.Context())
	if err != nil {
		h.fail(w, r, "listing courses", err)
		return
	}
	h.writeJSON(w, http.StatusOK, courses)
}

func (h *Handler) ListQuestions(w http.ResponseWriter, r *http.Request) {
	oldest, err := parseOldest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	questions, err := h.service.Questions(r.Context(), r.PathValue("code"), oldest)
	if err != nil {
		h.fail(w, r, "listing questions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, questions)
}

func (h *Handler) CreateQuestion(w http.ResponseWriter, r *http.Request) {
	var nq qa.NewQuestion
	if !h.decode(w, r, &nq) {
		return
	}
	nq.CourseCode = r.PathValue("code")
	q, err := h.service.CreateQuestion(r.Context(), identity(r), nq)
	if err != nil {
		h.fail(w, r, "creating question", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, q)
}

func (h *Handler) ListAnswers(w http.ResponseWriter, r *http.Request) {
	id, ok := h.questionID(w, r)
	if !ok {
		return
	}
	oldest, err := parseOldest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	answers, err := h.service.Answers(r.Context(), id, oldest)
	if err != nil {
		h.fail(w, r, "listing answers", err)
		return
	}
	h.writeJSON(w, http.StatusOK, answers)
}

func (h *Handler) CreateAnswer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.questionID(w, r)
	if !ok {
		return
	}
	var na qa.NewAnswer
	if !h.decode(w, r, &na) {
		return
	}
	na.QuestionID = id
	a, err := h.service.CreateAnswer(r.Context(), identity(r), na)
	if err != nil {
		h.fail(w, r, "creating answer", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) Vote(w http.ResponseWriter, r *http.Request) {
	var v qa.Vote
	if !h.decode(w, r, &v) {
		return
	}
	if id := identity(r); id != "" {
		v.UserID = qa.UserRef(id)
	}
	saved, err := h.service.Vote(r.Context(), v)
	if err != nil {
		h.fail(w, r, "voting", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, saved)
}

func identity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(IdentityHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get("Authorization"))
}

func parseOldest(r *http.Request) (*time.Time, error) {
	raw := r.URL.Query().Get("oldest")
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, errors.New("oldest must be an RFC 3339 timestamp")
	}
	return &ts, nil
}

func (h *Handler) questionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "question id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var validationErr *validator.ValidationError
	if errors.As(err, &validationErr) {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": validationErr.Fields,
		})
		return
	}
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error(op+" failed",
			"error", err,
			"status_code", status,
		)
	}
	h.writeError(w, status, apperrors.PublicMessage(err))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
