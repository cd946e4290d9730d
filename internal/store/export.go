package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aqrarportal/examengine/internal/model"
)

// ExportExam builds export-ready results of every registration of an exam.
func (s *Queries) ExportExam(ctx context.Context, examID int64) (model.ExamExport, error) {
	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		return model.ExamExport{}, err
	}
	questions, err := s.ListQuestions(ctx, examID)
	if err != nil {
		return model.ExamExport{}, fmt.Errorf("list questions: %w", err)
	}
	byID := make(map[int64]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	regs, err := s.ListExamRegistrations(ctx, examID)
	if err != nil {
		return model.ExamExport{}, fmt.Errorf("list registrations: %w", err)
	}

	out := model.ExamExport{Exam: exam, ExportedAt: time.Now().UTC(), Registrations: []model.RegistrationResult{}}
	for _, r := range regs {
		answers, err := s.ListAnswers(ctx, r.ID)
		if err != nil {
			return model.ExamExport{}, fmt.Errorf("list answers of registration %d: %w", r.ID, err)
		}
		byQuestion := make(map[int64]model.Answer, len(answers))
		for _, a := range answers {
			byQuestion[a.QuestionID] = a
		}

		// Questions appear in the order the learner saw them.
		results := make([]model.QuestionResult, 0, len(r.SelectedQuestionIDs))
		for _, qID := range r.SelectedQuestionIDs {
			q, ok := byID[qID]
			if !ok {
				return model.ExamExport{}, fmt.Errorf("registration %d references unknown question %d", r.ID, qID)
			}
			qr := model.QuestionResult{
				QuestionID:   q.ID,
				QuestionType: q.Type,
				Text:         q.Text,
				MaxPoints:    q.Points,
			}
			if a, ok := byQuestion[qID]; ok {
				qr.Answer = &a
			}
			results = append(results, qr)
		}
		out.Registrations = append(out.Registrations, model.RegistrationResult{Registration: r, Answers: results})
	}
	return out, nil
}
