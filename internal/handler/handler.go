// Package handler exposes the attempt lifecycle and the review workflow as a JSON
// API. Authentication and authorization are left to the portal in front of it.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aqrarportal/examengine/internal/attempt"
	"github.com/aqrarportal/examengine/internal/i18n"
	"github.com/aqrarportal/examengine/internal/llm"
	"github.com/aqrarportal/examengine/internal/model"
	"github.com/aqrarportal/examengine/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	attempts *attempt.Manager
	store    *store.Store
	llm      *llm.Client
	validate *validator.Validate
}

// New creates a new Handler. l may be nil when grading suggestions are disabled.
func New(m *attempt.Manager, s *store.Store, l *llm.Client) *Handler {
	return &Handler{attempts: m, store: s, llm: l, validate: validator.New()}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Get("/exams", h.handleExams)
	r.Get("/exams/{examID}/eligibility", h.handleEligibility)
	r.Get("/exams/{examID}/history", h.handleHistory)
	r.Post("/exams/{examID}/attempts", h.handleCreate)

	r.Route("/registrations/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/start", h.handleStart)
		r.Get("/questions", h.handleQuestions)
		r.Post("/answers", h.handleAnswer)
		r.Post("/finalize", h.handleFinalize)
		r.Post("/cancel", h.handleCancel)
	})

	r.Route("/review", func(r chi.Router) {
		r.Get("/", h.handleReviewList)
		r.Get("/{id}", h.handleReviewView)
		r.Get("/{id}/suggestions", h.handleSuggestions)
		r.Post("/{id}/grades", h.handleGrades)
		r.Post("/{id}/answers/{questionID}/grade", h.handleGradeAnswer)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type examSummary struct {
	model.Exam
	QuestionCount int `json:"question_count"`
}

// handleExams lists the imported exams with the size of their question pools.
func (h *Handler) handleExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.store.ListExams(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]examSummary, 0, len(exams))
	for _, e := range exams {
		n, err := h.store.QuestionCount(r.Context(), e.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out = append(out, examSummary{Exam: e, QuestionCount: n})
	}
	writeJSON(w, http.StatusOK, out)
}

type eligibilityResponse struct {
	model.Eligibility
	Message string `json:"message"`
}

func (h *Handler) handleEligibility(w http.ResponseWriter, r *http.Request) {
	examID, ok := idParam(w, r, "examID")
	if !ok {
		return
	}
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	el, err := h.attempts.Eligibility(r.Context(), userID, examID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := eligibilityResponse{Eligibility: el}
	switch {
	case el.Reason == "active_attempt":
		resp.Message = i18n.T(r.Context(), "ErrActiveAttempt")
	case el.Reason == "already_passed":
		resp.Message = i18n.T(r.Context(), "ErrAlreadyPassed")
	case el.RemainingAttempts == nil:
		resp.Message = i18n.T(r.Context(), "UnlimitedAttempts")
	case *el.RemainingAttempts == 0:
		resp.Message = i18n.T(r.Context(), "ErrAttemptLimitExceeded")
	default:
		resp.Message = i18n.Tp(r.Context(), "AttemptsRemaining", *el.RemainingAttempts)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	examID, ok := idParam(w, r, "examID")
	if !ok {
		return
	}
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	regs, err := h.attempts.History(r.Context(), userID, examID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	exam, err := h.store.GetExam(r.Context(), examID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]model.Registration, 0, len(regs))
	for _, reg := range regs {
		out = append(out, learnerView(reg, exam))
	}
	writeJSON(w, http.StatusOK, out)
}

type createRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	examID, ok := idParam(w, r, "examID")
	if !ok {
		return
	}
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	reg, err := h.attempts.Create(r.Context(), req.UserID, examID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"registration_id": reg.ID,
		"attempt_number":  reg.AttemptNumber,
		"status":          reg.Status,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	reg, err := h.attempts.Get(r.Context(), id)
	h.writeRegistration(w, r, reg, err)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	reg, err := h.attempts.Start(r.Context(), id)
	h.writeRegistration(w, r, reg, err)
}

func (h *Handler) handleQuestions(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	questions, err := h.attempts.Questions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, questions)
}

type answerRequest struct {
	QuestionID int64 `json:"question_id" validate:"required,gt=0"`
	model.AnswerPayload
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req answerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.attempts.SubmitAnswer(r.Context(), id, req.QuestionID, req.AnswerPayload); err != nil {
		writeError(w, r, err)
		return
	}
	// Grades stay hidden until the attempt is finalized.
	writeJSON(w, http.StatusOK, map[string]any{"question_id": req.QuestionID, "saved": true})
}

type finalizeRequest struct {
	Reason model.FinalizeReason `json:"reason"`
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	// An empty body means learner_submit.
	var req finalizeRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = model.ReasonLearnerSubmit
	}
	reg, err := h.attempts.Finalize(r.Context(), id, req.Reason)
	h.writeRegistration(w, r, reg, err)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	reg, err := h.attempts.Cancel(r.Context(), id)
	h.writeRegistration(w, r, reg, err)
}

// writeRegistration writes the learner's view of reg, or err.
func (h *Handler) writeRegistration(w http.ResponseWriter, r *http.Request, reg model.Registration, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	exam, err := h.store.GetExam(r.Context(), reg.ExamID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, learnerView(reg, exam))
}

// learnerView hides scores from the learner when the exam does not show results
// immediately.
func learnerView(reg model.Registration, exam model.Exam) model.Registration {
	if !exam.ShowResultsImmediately {
		reg.Score = nil
		reg.AutoGradedScore = nil
	}
	reg.AdminNotes = ""
	return reg
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	return h.decodeBody(w, r, v, false)
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	return h.decodeBody(w, r, v, true)
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !(optional && errors.Is(err, io.EOF)) {
		badRequest(w, r, "bad json: "+err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, r, err)
		return false
	}
	return true
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, r, fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return id, true
}

func userParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, r, "invalid user_id")
		return 0, false
	}
	return id, true
}
