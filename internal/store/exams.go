package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aqrarportal/examengine/internal/model"
)

const examColumns = `id, title, passing_score, duration_minutes, exam_question_count, max_attempts,
	randomize_questions, randomize_choices, show_results_immediately, auto_submit,
	certificate_enabled, created_at`

// InsertExam stores an exam and returns its id.
func (s *Queries) InsertExam(ctx context.Context, e model.Exam) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	var id int64
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO exams (title, passing_score, duration_minutes, exam_question_count, max_attempts,
			randomize_questions, randomize_choices, show_results_immediately, auto_submit,
			certificate_enabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		e.Title, e.PassingScore, e.DurationMinutes, e.ExamQuestionCount, e.MaxAttempts,
		e.RandomizeQuestions, e.RandomizeChoices, e.ShowResultsImmediately, e.AutoSubmit,
		e.CertificateEnabled, toMillis(e.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert exam: %w", err)
	}
	return id, nil
}

func scanExam(row interface{ Scan(...any) error }) (model.Exam, error) {
	var e model.Exam
	var created int64
	err := row.Scan(&e.ID, &e.Title, &e.PassingScore, &e.DurationMinutes, &e.ExamQuestionCount,
		&e.MaxAttempts, &e.RandomizeQuestions, &e.RandomizeChoices, &e.ShowResultsImmediately,
		&e.AutoSubmit, &e.CertificateEnabled, &created)
	e.CreatedAt = fromMillis(created)
	return e, err
}

// GetExam returns an exam by id.
func (s *Queries) GetExam(ctx context.Context, id int64) (model.Exam, error) {
	e, err := scanExam(s.q.QueryRowContext(ctx, `SELECT `+examColumns+` FROM exams WHERE id = $1`, id))
	if err != nil {
		return model.Exam{}, notFound(err, "exam", id)
	}
	return e, nil
}

// ListExams returns all exams ordered by id.
func (s *Queries) ListExams(ctx context.Context) ([]model.Exam, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+examColumns+` FROM exams ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// InsertQuestion stores a question with its choices and returns the question id.
// Choice order in q.Choices becomes the authoring order.
func (s *Queries) InsertQuestion(ctx context.Context, q model.Question) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO questions (exam_id, question_type, question_text, points, is_required, sequence)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		q.ExamID, string(q.Type), q.Text, q.Points, q.Required, q.Sequence,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert question: %w", err)
	}
	for i, c := range q.Choices {
		var points sql.NullInt64
		if c.Points != nil {
			points = sql.NullInt64{Int64: int64(*c.Points), Valid: true}
		}
		if _, err := s.q.ExecContext(ctx,
			`INSERT INTO choices (question_id, choice_text, is_correct, points, sequence)
			 VALUES ($1, $2, $3, $4, $5)`,
			id, c.Text, c.IsCorrect, points, i,
		); err != nil {
			return 0, fmt.Errorf("insert choice %d of question %d: %w", i, id, err)
		}
	}
	return id, nil
}

// ListQuestions returns all questions of an exam in authoring order (sequence, then id),
// each with its choices in authoring order.
func (s *Queries) ListQuestions(ctx context.Context, examID int64) ([]model.Question, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, exam_id, question_type, question_text, points, is_required, sequence
		 FROM questions WHERE exam_id = $1 ORDER BY sequence, id`, examID)
	if err != nil {
		return nil, err
	}
	var questions []model.Question
	index := make(map[int64]int)
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Type, &q.Text, &q.Points, &q.Required, &q.Sequence); err != nil {
			rows.Close()
			return nil, err
		}
		index[q.ID] = len(questions)
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	crows, err := s.q.QueryContext(ctx,
		`SELECT c.id, c.question_id, c.choice_text, c.is_correct, c.points
		 FROM choices c JOIN questions q ON q.id = c.question_id
		 WHERE q.exam_id = $1 ORDER BY c.question_id, c.sequence, c.id`, examID)
	if err != nil {
		return nil, err
	}
	defer crows.Close()
	for crows.Next() {
		var c model.Choice
		var points sql.NullInt64
		if err := crows.Scan(&c.ID, &c.QuestionID, &c.Text, &c.IsCorrect, &points); err != nil {
			return nil, err
		}
		if points.Valid {
			p := int(points.Int64)
			c.Points = &p
		}
		if i, ok := index[c.QuestionID]; ok {
			questions[i].Choices = append(questions[i].Choices, c)
		}
	}
	return questions, crows.Err()
}

// QuestionPool returns the questions eligible for selection: the required ones, in
// authoring order.
func (s *Queries) QuestionPool(ctx context.Context, examID int64) ([]model.Question, error) {
	all, err := s.ListQuestions(ctx, examID)
	if err != nil {
		return nil, err
	}
	pool := all[:0]
	for _, q := range all {
		if q.Required {
			pool = append(pool, q)
		}
	}
	return pool, nil
}

// QuestionCount returns the number of questions of an exam.
func (s *Queries) QuestionCount(ctx context.Context, examID int64) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE exam_id = $1`, examID).Scan(&count)
	return count, err
}

// GetQuestion returns a question with its choices.
func (s *Queries) GetQuestion(ctx context.Context, id int64) (model.Question, error) {
	var examID int64
	err := s.q.QueryRowContext(ctx, `SELECT exam_id FROM questions WHERE id = $1`, id).Scan(&examID)
	if err != nil {
		return model.Question{}, notFound(err, "question", id)
	}
	questions, err := s.ListQuestions(ctx, examID)
	if err != nil {
		return model.Question{}, err
	}
	for _, q := range questions {
		if q.ID == id {
			return q, nil
		}
	}
	return model.Question{}, fmt.Errorf("question %d: %w", id, ErrNotFound)
}
