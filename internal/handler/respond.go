package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/aqrarportal/examengine/internal/attempt"
	"github.com/aqrarportal/examengine/internal/i18n"
	"github.com/aqrarportal/examengine/internal/llm"
	"github.com/aqrarportal/examengine/internal/scoring"
	"github.com/aqrarportal/examengine/internal/selector"
	"github.com/aqrarportal/examengine/internal/store"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
	msgID  string
}

// Order matters: ErrActiveAttempt wraps ErrAttemptLimitExceeded.
var errorMappings = []errorMapping{
	{store.ErrNotFound, http.StatusNotFound, "not_found", "ErrNotFound"},
	{attempt.ErrActiveAttempt, http.StatusConflict, "active_attempt", "ErrActiveAttempt"},
	{attempt.ErrAttemptLimitExceeded, http.StatusConflict, "attempt_limit_exceeded", "ErrAttemptLimitExceeded"},
	{attempt.ErrAlreadyPassed, http.StatusConflict, "already_passed", "ErrAlreadyPassed"},
	{attempt.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition", "ErrInvalidStateTransition"},
	{attempt.ErrAttemptExpired, http.StatusGone, "attempt_expired", "ErrAttemptExpired"},
	{attempt.ErrInvalidReason, http.StatusUnprocessableEntity, "invalid_reason", "ErrInvalidReason"},
	{attempt.ErrQuestionNotSelected, http.StatusUnprocessableEntity, "question_not_selected", "ErrQuestionNotSelected"},
	{attempt.ErrNotManuallyGradable, http.StatusUnprocessableEntity, "not_manually_gradable", "ErrNotManuallyGradable"},
	{attempt.ErrInvalidPoints, http.StatusUnprocessableEntity, "invalid_points", "ErrInvalidPoints"},
	{scoring.ErrInvalidAnswer, http.StatusUnprocessableEntity, "invalid_answer", "ErrInvalidAnswer"},
	{selector.ErrInsufficientQuestions, http.StatusUnprocessableEntity, "insufficient_questions", "ErrInsufficientQuestions"},
	{scoring.ErrUnsupportedQuestionType, http.StatusInternalServerError, "unsupported_question_type", "ErrUnsupportedQuestionType"},
	{llm.ErrNotConfigured, http.StatusServiceUnavailable, "llm_unavailable", "ErrLLMUnavailable"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError maps err to a status code and a localized message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		badRequest(w, r, err.Error())
		return
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			if m.status >= 500 {
				slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			}
			writeJSON(w, m.status, errorBody{Error: m.code, Message: i18n.T(r.Context(), m.msgID), Detail: err.Error()})
			return
		}
	}
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: i18n.T(r.Context(), "ErrInternal")})
}

func badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: i18n.T(r.Context(), "ErrBadRequest"), Detail: detail})
}
