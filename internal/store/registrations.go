package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aqrarportal/examengine/internal/model"
)

const registrationColumns = `id, user_id, exam_id, attempt_number, status, seed, selected_question_ids,
	total_questions, score, auto_graded_score, needs_manual_grading, finish_reason, certificate_id,
	admin_notes, graded_by, created_at, started_at, finished_at, graded_at`

func scanRegistration(row interface{ Scan(...any) error }) (model.Registration, error) {
	var (
		r                           model.Registration
		selected                    string
		created                     int64
		started, finished, gradedAt sql.NullInt64
		gradedBy                    sql.NullInt64
		score, autoScore            sql.NullFloat64
		status, reason              string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.ExamID, &r.AttemptNumber, &status, &r.Seed, &selected,
		&r.TotalQuestions, &score, &autoScore, &r.NeedsManualGrading, &reason, &r.CertificateID,
		&r.AdminNotes, &gradedBy, &created, &started, &finished, &gradedAt)
	if err != nil {
		return model.Registration{}, err
	}
	r.Status = model.RegistrationStatus(status)
	r.FinishReason = model.FinalizeReason(reason)
	if err := json.Unmarshal([]byte(selected), &r.SelectedQuestionIDs); err != nil {
		return model.Registration{}, fmt.Errorf("decode selected questions of registration %d: %w", r.ID, err)
	}
	if score.Valid {
		r.Score = &score.Float64
	}
	if autoScore.Valid {
		r.AutoGradedScore = &autoScore.Float64
	}
	if gradedBy.Valid {
		r.GradedBy = &gradedBy.Int64
	}
	r.CreatedAt = fromMillis(created)
	r.StartedAt = fromNullMillis(started)
	r.FinishedAt = fromNullMillis(finished)
	r.GradedAt = fromNullMillis(gradedAt)
	return r, nil
}

func encodeIDs(ids []int64) (string, error) {
	if ids == nil {
		ids = []int64{}
	}
	b, err := json.Marshal(ids)
	return string(b), err
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

// InsertRegistration stores a new registration and returns its id.
func (s *Queries) InsertRegistration(ctx context.Context, r model.Registration) (int64, error) {
	selected, err := encodeIDs(r.SelectedQuestionIDs)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.q.QueryRowContext(ctx,
		`INSERT INTO registrations (user_id, exam_id, attempt_number, status, seed,
			selected_question_ids, total_questions, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		r.UserID, r.ExamID, r.AttemptNumber, string(r.Status), r.Seed, selected, r.TotalQuestions,
		toMillis(r.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert registration: %w", err)
	}
	return id, nil
}

// GetRegistration returns a registration by id.
func (s *Queries) GetRegistration(ctx context.Context, id int64) (model.Registration, error) {
	r, err := scanRegistration(s.q.QueryRowContext(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = $1`, id))
	if err != nil {
		return model.Registration{}, notFound(err, "registration", id)
	}
	return r, nil
}

// UpdateRegistration writes every mutable column of r.
func (s *Queries) UpdateRegistration(ctx context.Context, r model.Registration) error {
	selected, err := encodeIDs(r.SelectedQuestionIDs)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE registrations SET status = $1, selected_question_ids = $2, total_questions = $3,
			score = $4, auto_graded_score = $5, needs_manual_grading = $6, finish_reason = $7,
			certificate_id = $8, admin_notes = $9, graded_by = $10, started_at = $11,
			finished_at = $12, graded_at = $13
		 WHERE id = $14`,
		string(r.Status), selected, r.TotalQuestions, nullFloat(r.Score), nullFloat(r.AutoGradedScore),
		r.NeedsManualGrading, string(r.FinishReason), r.CertificateID, r.AdminNotes, nullInt(r.GradedBy),
		nullMillis(r.StartedAt), nullMillis(r.FinishedAt), nullMillis(r.GradedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update registration %d: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update registration %d: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (s *Queries) listRegistrations(ctx context.Context, where string, args ...any) ([]model.Registration, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+registrationColumns+` FROM registrations `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var regs []model.Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, r)
	}
	return regs, rows.Err()
}

// ListUserRegistrations returns all registrations of a user for an exam, newest first.
func (s *Queries) ListUserRegistrations(ctx context.Context, userID, examID int64) ([]model.Registration, error) {
	return s.listRegistrations(ctx,
		`WHERE user_id = $1 AND exam_id = $2 ORDER BY attempt_number DESC, id DESC`, userID, examID)
}

// ListRegistrationsByStatus returns registrations in the given status, oldest first.
func (s *Queries) ListRegistrationsByStatus(ctx context.Context, status model.RegistrationStatus) ([]model.Registration, error) {
	return s.listRegistrations(ctx, `WHERE status = $1 ORDER BY id`, string(status))
}

// ListExamRegistrations returns every registration of an exam in creation order.
func (s *Queries) ListExamRegistrations(ctx context.Context, examID int64) ([]model.Registration, error) {
	return s.listRegistrations(ctx, `WHERE exam_id = $1 ORDER BY id`, examID)
}
