package attempt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aqrarportal/examengine/internal/model"
	"github.com/aqrarportal/examengine/internal/scoring"
	"github.com/aqrarportal/examengine/internal/store"
)

// GradeAnswers applies a reviewer's grades to text answers of a registration in
// pending_review and recomputes the verdict. adminNotes replaces the stored notes when
// non-empty.
func (m *Manager) GradeAnswers(ctx context.Context, id, reviewerID int64, adminNotes string, grades []model.ManualGrade) (model.Registration, error) {
	return m.mutate(ctx, id, func(q *store.Queries, reg *model.Registration, exam model.Exam, fx *effects) error {
		if reg.Status != model.StatusPendingReview {
			return fmt.Errorf("%w: registration %d is %s, not pending_review", ErrInvalidStateTransition, reg.ID, reg.Status)
		}
		now := m.now()
		for _, g := range grades {
			if !reg.HasSelected(g.QuestionID) {
				return fmt.Errorf("%w: question %d", ErrQuestionNotSelected, g.QuestionID)
			}
			question, err := q.GetQuestion(ctx, g.QuestionID)
			if err != nil {
				return err
			}
			if question.Type != model.QuestionText {
				return fmt.Errorf("%w: question %d is %s", ErrNotManuallyGradable, question.ID, question.Type)
			}
			maxPts, err := scoring.MaxPoints(question)
			if err != nil {
				return err
			}
			if g.Points < 0 || g.Points > maxPts {
				return fmt.Errorf("%w: %v not in [0, %v] for question %d", ErrInvalidPoints, g.Points, maxPts, question.ID)
			}
			answer, err := q.GetAnswer(ctx, reg.ID, g.QuestionID)
			if err != nil {
				return err
			}

			correct := g.Points > 0
			points := g.Points
			reviewer := reviewerID
			gradedAt := now
			answer.IsCorrect = &correct
			answer.PointsAwarded = &points
			answer.NeedsManualGrading = false
			answer.AdminFeedback = g.Feedback
			answer.GradedBy = &reviewer
			answer.GradedAt = &gradedAt
			if err := q.UpdateAnswerGrade(ctx, answer); err != nil {
				return err
			}
		}

		if adminNotes != "" {
			reg.AdminNotes = adminNotes
		}
		reviewer := reviewerID
		reg.GradedBy = &reviewer
		reg.GradedAt = &now
		slog.Info("answers graded", "registration_id", reg.ID, "reviewer_id", reviewerID, "count", len(grades))
		return m.recompute(ctx, q, reg, exam, fx)
	})
}

// GradeAnswer grades a single text answer and returns it as stored.
func (m *Manager) GradeAnswer(ctx context.Context, id, questionID int64, points float64, feedback model.Feedback, reviewerID int64) (model.Answer, error) {
	if _, err := m.GradeAnswers(ctx, id, reviewerID, "", []model.ManualGrade{
		{QuestionID: questionID, Points: points, Feedback: feedback},
	}); err != nil {
		return model.Answer{}, err
	}
	return m.store.GetAnswer(ctx, id, questionID)
}

// Recompute re-aggregates a pending_review registration including manual grades. It
// is a no-op once the registration is terminal.
func (m *Manager) Recompute(ctx context.Context, id int64) (model.Registration, error) {
	return m.mutate(ctx, id, func(q *store.Queries, reg *model.Registration, exam model.Exam, fx *effects) error {
		switch {
		case reg.Status.Terminal():
			return nil
		case reg.Status != model.StatusPendingReview:
			return fmt.Errorf("%w: cannot recompute registration %d in status %s", ErrInvalidStateTransition, reg.ID, reg.Status)
		}
		return m.recompute(ctx, q, reg, exam, fx)
	})
}

func (m *Manager) recompute(ctx context.Context, q *store.Queries, reg *model.Registration, exam model.Exam, fx *effects) error {
	sum, err := m.aggregate(ctx, q, *reg, exam)
	if err != nil {
		return err
	}
	reg.AutoGradedScore = &sum.AutoScore
	reg.Score = &sum.Score
	if sum.Pending > 0 {
		reg.NeedsManualGrading = true
		return q.UpdateRegistration(ctx, *reg)
	}

	// graded_at and graded_by follow the last reviewer action.
	answers, err := q.ListAnswers(ctx, reg.ID)
	if err != nil {
		return fmt.Errorf("list answers: %w", err)
	}
	for _, a := range answers {
		if a.GradedAt != nil && (reg.GradedAt == nil || a.GradedAt.After(*reg.GradedAt)) {
			reg.GradedAt = a.GradedAt
			reg.GradedBy = a.GradedBy
		}
	}
	return m.conclude(ctx, q, reg, exam, sum, fx)
}

// PendingReviews lists registrations waiting for a reviewer, oldest first.
func (m *Manager) PendingReviews(ctx context.Context) ([]model.Registration, error) {
	return m.store.ListRegistrationsByStatus(ctx, model.StatusPendingReview)
}

// ReviewView returns what a reviewer needs to resolve a registration: the
// auto-graded lower bound and the text answers still awaiting grades.
func (m *Manager) ReviewView(ctx context.Context, id int64) (model.ReviewView, error) {
	reg, err := m.store.GetRegistration(ctx, id)
	if err != nil {
		return model.ReviewView{}, err
	}
	exam, err := m.store.GetExam(ctx, reg.ExamID)
	if err != nil {
		return model.ReviewView{}, err
	}
	selected, err := selectedQuestions(ctx, m.store.Queries, reg, exam)
	if err != nil {
		return model.ReviewView{}, err
	}
	byID := make(map[int64]model.Question, len(selected))
	for _, question := range selected {
		byID[question.ID] = question
	}
	answers, err := m.store.ListAnswers(ctx, reg.ID)
	if err != nil {
		return model.ReviewView{}, fmt.Errorf("list answers: %w", err)
	}

	view := model.ReviewView{Registration: reg, Exam: exam, Pending: []model.PendingAnswer{}}
	if reg.AutoGradedScore != nil {
		view.AutoGradedScore = *reg.AutoGradedScore
	}
	for _, a := range answers {
		if a.IsCorrect != nil && *a.IsCorrect {
			view.CorrectAnswers++
		}
		if a.NeedsManualGrading {
			view.Pending = append(view.Pending, model.PendingAnswer{Question: byID[a.QuestionID], Answer: a})
		}
	}
	return view, nil
}
