package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aqrarportal/examengine/internal/model"
)

const answerColumns = `id, registration_id, question_id, choice_id, choice_ids, answer_text, is_correct,
	points_awarded, needs_manual_grading, admin_feedback, graded_by, answered_at, graded_at`

func scanAnswer(row interface{ Scan(...any) error }) (model.Answer, error) {
	var (
		a                  model.Answer
		choiceID, gradedBy sql.NullInt64
		choiceIDs          string
		text               sql.NullString
		isCorrect          sql.NullBool
		points             sql.NullFloat64
		feedback           string
		answered           int64
		gradedAt           sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.RegistrationID, &a.QuestionID, &choiceID, &choiceIDs, &text, &isCorrect,
		&points, &a.NeedsManualGrading, &feedback, &gradedBy, &answered, &gradedAt)
	if err != nil {
		return model.Answer{}, err
	}
	if choiceID.Valid {
		a.Payload.ChoiceID = &choiceID.Int64
	}
	if choiceIDs != "" {
		if err := json.Unmarshal([]byte(choiceIDs), &a.Payload.ChoiceIDs); err != nil {
			return model.Answer{}, fmt.Errorf("decode choice ids of answer %d: %w", a.ID, err)
		}
	}
	if text.Valid {
		a.Payload.Text = &text.String
	}
	if isCorrect.Valid {
		a.IsCorrect = &isCorrect.Bool
	}
	if points.Valid {
		a.PointsAwarded = &points.Float64
	}
	if feedback != "" {
		if err := json.Unmarshal([]byte(feedback), &a.AdminFeedback); err != nil {
			return model.Answer{}, fmt.Errorf("decode feedback of answer %d: %w", a.ID, err)
		}
	}
	if gradedBy.Valid {
		a.GradedBy = &gradedBy.Int64
	}
	a.AnsweredAt = fromMillis(answered)
	a.GradedAt = fromNullMillis(gradedAt)
	return a, nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

// UpsertAnswer stores the answer for (registration, question), replacing any earlier
// one. Review state is reset along with the payload.
func (s *Queries) UpsertAnswer(ctx context.Context, a model.Answer) (int64, error) {
	var choiceIDs string
	if a.Payload.ChoiceIDs != nil {
		b, err := json.Marshal(a.Payload.ChoiceIDs)
		if err != nil {
			return 0, err
		}
		choiceIDs = string(b)
	}
	var text sql.NullString
	if a.Payload.Text != nil {
		text = sql.NullString{String: *a.Payload.Text, Valid: true}
	}
	var id int64
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO answers (registration_id, question_id, choice_id, choice_ids, answer_text,
			is_correct, points_awarded, needs_manual_grading, admin_feedback, graded_by,
			answered_at, graded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', NULL, $9, NULL)
		 ON CONFLICT (registration_id, question_id) DO UPDATE SET
			choice_id = EXCLUDED.choice_id,
			choice_ids = EXCLUDED.choice_ids,
			answer_text = EXCLUDED.answer_text,
			is_correct = EXCLUDED.is_correct,
			points_awarded = EXCLUDED.points_awarded,
			needs_manual_grading = EXCLUDED.needs_manual_grading,
			admin_feedback = '',
			graded_by = NULL,
			answered_at = EXCLUDED.answered_at,
			graded_at = NULL
		 RETURNING id`,
		a.RegistrationID, a.QuestionID, nullInt(a.Payload.ChoiceID), choiceIDs, text,
		nullBool(a.IsCorrect), nullFloat(a.PointsAwarded), a.NeedsManualGrading, toMillis(a.AnsweredAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert answer: %w", err)
	}
	return id, nil
}

// ListAnswers returns all answers of a registration ordered by question id.
func (s *Queries) ListAnswers(ctx context.Context, registrationID int64) ([]model.Answer, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+answerColumns+` FROM answers WHERE registration_id = $1 ORDER BY question_id`, registrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.Answer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// GetAnswer returns the answer of a registration to one question.
func (s *Queries) GetAnswer(ctx context.Context, registrationID, questionID int64) (model.Answer, error) {
	a, err := scanAnswer(s.q.QueryRowContext(ctx,
		`SELECT `+answerColumns+` FROM answers WHERE registration_id = $1 AND question_id = $2`,
		registrationID, questionID))
	if err != nil {
		return model.Answer{}, notFound(err, "answer to question", questionID)
	}
	return a, nil
}

// UpdateAnswerGrade stores a grading decision on an existing answer.
func (s *Queries) UpdateAnswerGrade(ctx context.Context, a model.Answer) error {
	feedback, err := model.MarshalFeedback(a.AdminFeedback)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE answers SET is_correct = $1, points_awarded = $2, needs_manual_grading = $3,
			admin_feedback = $4, graded_by = $5, graded_at = $6
		 WHERE id = $7`,
		nullBool(a.IsCorrect), nullFloat(a.PointsAwarded), a.NeedsManualGrading, feedback,
		nullInt(a.GradedBy), nullMillis(a.GradedAt), a.ID,
	)
	if err != nil {
		return fmt.Errorf("update answer %d: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update answer %d: %w", a.ID, ErrNotFound)
	}
	return nil
}
