package handler

import (
	"net/http"

	"github.com/aqrarportal/examengine/internal/i18n"
	"github.com/aqrarportal/examengine/internal/model"
)

func (h *Handler) handleReviewList(w http.ResponseWriter, r *http.Request) {
	regs, err := h.attempts.PendingReviews(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if regs == nil {
		regs = []model.Registration{}
	}
	writeJSON(w, http.StatusOK, regs)
}

func (h *Handler) handleReviewView(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	view, err := h.attempts.ReviewView(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	view, err := h.attempts.ReviewView(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	suggestions, err := h.llm.Suggest(r.Context(), view, i18n.Lang(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestions)
}

type gradesRequest struct {
	ReviewerID int64               `json:"reviewer_id" validate:"required,gt=0"`
	AdminNotes string              `json:"admin_notes"`
	Grades     []model.ManualGrade `json:"grades" validate:"required,min=1,dive"`
}

func (h *Handler) handleGrades(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req gradesRequest
	if !h.decode(w, r, &req) {
		return
	}
	reg, err := h.attempts.GradeAnswers(r.Context(), id, req.ReviewerID, req.AdminNotes, req.Grades)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

type gradeRequest struct {
	Points     *float64       `json:"points" validate:"required"`
	Feedback   model.Feedback `json:"feedback"`
	ReviewerID int64          `json:"reviewer_id" validate:"required,gt=0"`
}

func (h *Handler) handleGradeAnswer(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	questionID, ok := idParam(w, r, "questionID")
	if !ok {
		return
	}
	var req gradeRequest
	if !h.decode(w, r, &req) {
		return
	}
	answer, err := h.attempts.GradeAnswer(r.Context(), id, questionID, *req.Points, req.Feedback, req.ReviewerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}
