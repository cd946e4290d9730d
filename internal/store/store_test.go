package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aqrarportal/examengine/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func intPtr(i int) *int           { return &i }
func int64Ptr(i int64) *int64     { return &i }
func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
func boolPtr(b bool) *bool        { return &b }

func insertTestExam(t *testing.T, s *Store) int64 {
	t.Helper()
	id, err := s.InsertExam(context.Background(), model.Exam{
		Title:             "Soil basics",
		PassingScore:      60,
		DurationMinutes:   30,
		ExamQuestionCount: 2,
		MaxAttempts:       3,
		RandomizeChoices:  true,
		AutoSubmit:        true,
	})
	if err != nil {
		t.Fatalf("InsertExam: %v", err)
	}
	return id
}

func insertTestQuestion(t *testing.T, s *Store, examID int64, seq int, qt model.QuestionType, required bool) int64 {
	t.Helper()
	q := model.Question{
		ExamID:   examID,
		Type:     qt,
		Text:     "question " + string(qt),
		Points:   10,
		Required: required,
		Sequence: seq,
	}
	if qt != model.QuestionText {
		q.Choices = []model.Choice{
			{Text: "right", IsCorrect: true, Points: intPtr(7)},
			{Text: "wrong"},
		}
	}
	id, err := s.InsertQuestion(context.Background(), q)
	if err != nil {
		t.Fatalf("InsertQuestion: %v", err)
	}
	return id
}

func TestExamAndQuestions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.GetExam(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	examID := insertTestExam(t, s)
	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		t.Fatalf("GetExam: %v", err)
	}
	if exam.Title != "Soil basics" || exam.PassingScore != 60 || exam.MaxAttempts != 3 {
		t.Errorf("unexpected exam: %+v", exam)
	}
	if !exam.RandomizeChoices || exam.RandomizeQuestions || !exam.AutoSubmit {
		t.Errorf("flags not round-tripped: %+v", exam)
	}

	// Inserted out of order; sequence decides authoring order.
	q2 := insertTestQuestion(t, s, examID, 2, model.QuestionText, true)
	q1 := insertTestQuestion(t, s, examID, 1, model.QuestionSingleChoice, true)
	q3 := insertTestQuestion(t, s, examID, 3, model.QuestionMultipleChoice, false)

	all, err := s.ListQuestions(ctx, examID)
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 questions, got %d", len(all))
	}
	if all[0].ID != q1 || all[1].ID != q2 || all[2].ID != q3 {
		t.Errorf("wrong order: %d %d %d", all[0].ID, all[1].ID, all[2].ID)
	}
	if len(all[0].Choices) != 2 {
		t.Fatalf("expected 2 choices, got %d", len(all[0].Choices))
	}
	if c := all[0].Choices[0]; !c.IsCorrect || c.Points == nil || *c.Points != 7 {
		t.Errorf("unexpected first choice: %+v", c)
	}
	if c := all[0].Choices[1]; c.IsCorrect || c.Points != nil {
		t.Errorf("unexpected second choice: %+v", c)
	}
	if len(all[1].Choices) != 0 {
		t.Errorf("text question should have no choices")
	}

	pool, err := s.QuestionPool(ctx, examID)
	if err != nil {
		t.Fatalf("QuestionPool: %v", err)
	}
	if len(pool) != 2 {
		t.Fatalf("expected 2 required questions, got %d", len(pool))
	}

	count, err := s.QuestionCount(ctx, examID)
	if err != nil {
		t.Fatalf("QuestionCount: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3, got %d", count)
	}
}

func TestRegistrationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	examID := insertTestExam(t, s)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	id, err := s.InsertRegistration(ctx, model.Registration{
		UserID: 7, ExamID: examID, AttemptNumber: 1, Status: model.StatusPending, Seed: 42, CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("InsertRegistration: %v", err)
	}

	r, err := s.GetRegistration(ctx, id)
	if err != nil {
		t.Fatalf("GetRegistration: %v", err)
	}
	if r.Status != model.StatusPending || r.Seed != 42 || !r.CreatedAt.Equal(created) {
		t.Errorf("unexpected registration: %+v", r)
	}
	if r.Score != nil || r.StartedAt != nil || len(r.SelectedQuestionIDs) != 0 {
		t.Errorf("expected empty optional fields: %+v", r)
	}

	started := created.Add(time.Minute)
	r.Status = model.StatusInProgress
	r.SelectedQuestionIDs = []int64{3, 1, 2}
	r.TotalQuestions = 3
	r.StartedAt = &started
	if err := s.UpdateRegistration(ctx, r); err != nil {
		t.Fatalf("UpdateRegistration: %v", err)
	}

	finished := started.Add(10 * time.Minute)
	r.Status = model.StatusPassed
	r.Score = floatPtr(75.5)
	r.AutoGradedScore = floatPtr(75.5)
	r.FinishReason = model.ReasonLearnerSubmit
	r.FinishedAt = &finished
	r.GradedBy = int64Ptr(99)
	if err := s.UpdateRegistration(ctx, r); err != nil {
		t.Fatalf("UpdateRegistration: %v", err)
	}

	got, err := s.GetRegistration(ctx, id)
	if err != nil {
		t.Fatalf("GetRegistration: %v", err)
	}
	if got.Status != model.StatusPassed || got.Score == nil || *got.Score != 75.5 {
		t.Errorf("unexpected status/score: %+v", got)
	}
	if len(got.SelectedQuestionIDs) != 3 || got.SelectedQuestionIDs[0] != 3 {
		t.Errorf("snapshot not preserved: %v", got.SelectedQuestionIDs)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("started_at: %v", got.StartedAt)
	}
	if got.FinishReason != model.ReasonLearnerSubmit || got.GradedBy == nil || *got.GradedBy != 99 {
		t.Errorf("unexpected finish data: %+v", got)
	}

	r.ID = 12345
	if err := s.UpdateRegistration(ctx, r); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOneActiveRegistrationPerUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	examID := insertTestExam(t, s)

	insert := func(n int, status model.RegistrationStatus) error {
		_, err := s.InsertRegistration(ctx, model.Registration{
			UserID: 1, ExamID: examID, AttemptNumber: n, Status: status, CreatedAt: time.Now(),
		})
		return err
	}
	if err := insert(1, model.StatusFailed); err != nil {
		t.Fatalf("insert failed attempt: %v", err)
	}
	if err := insert(2, model.StatusPending); err != nil {
		t.Fatalf("insert pending attempt: %v", err)
	}
	if err := insert(3, model.StatusPending); err == nil {
		t.Error("expected second active attempt to be rejected")
	}
	if err := insert(2, model.StatusFailed); err == nil {
		t.Error("expected duplicate attempt number to be rejected")
	}

	regs, err := s.ListUserRegistrations(ctx, 1, examID)
	if err != nil {
		t.Fatalf("ListUserRegistrations: %v", err)
	}
	if len(regs) != 2 || regs[0].AttemptNumber != 2 {
		t.Errorf("expected newest first, got %+v", regs)
	}

	pending, err := s.ListRegistrationsByStatus(ctx, model.StatusPending)
	if err != nil {
		t.Fatalf("ListRegistrationsByStatus: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected 1 pending, got %d", len(pending))
	}
}

func TestUpsertAnswer(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	examID := insertTestExam(t, s)
	qID := insertTestQuestion(t, s, examID, 1, model.QuestionText, true)
	regID, err := s.InsertRegistration(ctx, model.Registration{
		UserID: 1, ExamID: examID, AttemptNumber: 1, Status: model.StatusInProgress, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertRegistration: %v", err)
	}

	first, err := s.UpsertAnswer(ctx, model.Answer{
		RegistrationID: regID, QuestionID: qID,
		Payload:            model.AnswerPayload{Text: strPtr("draft")},
		NeedsManualGrading: true,
		AnsweredAt:         time.Now(),
	})
	if err != nil {
		t.Fatalf("UpsertAnswer: %v", err)
	}

	// Grade it, then resubmit: the second write replaces payload and review state.
	now := time.Now()
	if err := s.UpdateAnswerGrade(ctx, model.Answer{
		ID: first, IsCorrect: boolPtr(true), PointsAwarded: floatPtr(4),
		AdminFeedback: model.Feedback{"en": "ok", "az": "yaxşı"}, GradedBy: int64Ptr(5), GradedAt: &now,
	}); err != nil {
		t.Fatalf("UpdateAnswerGrade: %v", err)
	}
	graded, err := s.GetAnswer(ctx, regID, qID)
	if err != nil {
		t.Fatalf("GetAnswer: %v", err)
	}
	if graded.AdminFeedback["az"] != "yaxşı" || graded.PointsAwarded == nil || *graded.PointsAwarded != 4 {
		t.Errorf("grade not stored: %+v", graded)
	}
	if graded.NeedsManualGrading {
		t.Error("expected manual flag cleared")
	}

	second, err := s.UpsertAnswer(ctx, model.Answer{
		RegistrationID: regID, QuestionID: qID,
		Payload:            model.AnswerPayload{Text: strPtr("final")},
		NeedsManualGrading: true,
		AnsweredAt:         time.Now(),
	})
	if err != nil {
		t.Fatalf("UpsertAnswer again: %v", err)
	}
	if second != first {
		t.Errorf("expected same row, got %d and %d", first, second)
	}

	answers, err := s.ListAnswers(ctx, regID)
	if err != nil {
		t.Fatalf("ListAnswers: %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(answers))
	}
	a := answers[0]
	if a.Payload.Text == nil || *a.Payload.Text != "final" {
		t.Errorf("payload not replaced: %+v", a.Payload)
	}
	if !a.NeedsManualGrading || a.GradedAt != nil || a.PointsAwarded != nil || a.AdminFeedback != nil {
		t.Errorf("review state not reset: %+v", a)
	}

	if _, err := s.GetAnswer(ctx, regID, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestChoicePayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	examID := insertTestExam(t, s)
	single := insertTestQuestion(t, s, examID, 1, model.QuestionSingleChoice, true)
	multi := insertTestQuestion(t, s, examID, 2, model.QuestionMultipleChoice, true)
	regID, err := s.InsertRegistration(ctx, model.Registration{
		UserID: 1, ExamID: examID, AttemptNumber: 1, Status: model.StatusInProgress, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertRegistration: %v", err)
	}

	for _, a := range []model.Answer{
		{RegistrationID: regID, QuestionID: single, Payload: model.AnswerPayload{ChoiceID: int64Ptr(11)},
			IsCorrect: boolPtr(false), PointsAwarded: floatPtr(0), AnsweredAt: time.Now()},
		{RegistrationID: regID, QuestionID: multi, Payload: model.AnswerPayload{ChoiceIDs: []int64{}},
			IsCorrect: boolPtr(false), PointsAwarded: floatPtr(0), AnsweredAt: time.Now()},
	} {
		if _, err := s.UpsertAnswer(ctx, a); err != nil {
			t.Fatalf("UpsertAnswer: %v", err)
		}
	}

	got, err := s.GetAnswer(ctx, regID, single)
	if err != nil {
		t.Fatalf("GetAnswer: %v", err)
	}
	if got.Payload.ChoiceID == nil || *got.Payload.ChoiceID != 11 || got.Payload.ChoiceIDs != nil {
		t.Errorf("single payload: %+v", got.Payload)
	}
	if got.IsCorrect == nil || *got.IsCorrect {
		t.Errorf("is_correct: %v", got.IsCorrect)
	}

	got, err = s.GetAnswer(ctx, regID, multi)
	if err != nil {
		t.Fatalf("GetAnswer: %v", err)
	}
	if got.Payload.ChoiceIDs == nil || len(got.Payload.ChoiceIDs) != 0 {
		t.Errorf("empty selection should round-trip as empty, got %#v", got.Payload.ChoiceIDs)
	}
}

func TestCertificateEventsAreUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	examID := insertTestExam(t, s)
	regID, err := s.InsertRegistration(ctx, model.Registration{
		UserID: 3, ExamID: examID, AttemptNumber: 1, Status: model.StatusPassed, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertRegistration: %v", err)
	}

	req := model.CertificateRequest{EventID: "ev-1", UserID: 3, ExamID: examID, RegistrationID: regID, Score: 90}
	inserted, err := s.InsertCertificateEvent(ctx, req, time.Now())
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	req.EventID = "ev-2"
	inserted, err = s.InsertCertificateEvent(ctx, req, time.Now())
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate event to be ignored")
	}

	pending, err := s.PendingCertificateEvents(ctx)
	if err != nil {
		t.Fatalf("PendingCertificateEvents: %v", err)
	}
	if len(pending) != 1 || pending[0].Request.EventID != "ev-1" {
		t.Fatalf("unexpected pending events: %+v", pending)
	}

	if err := s.MarkCertificateDelivered(ctx, "ev-1", "CERT-9", time.Now()); err != nil {
		t.Fatalf("MarkCertificateDelivered: %v", err)
	}
	ev, err := s.GetCertificateEvent(ctx, regID)
	if err != nil {
		t.Fatalf("GetCertificateEvent: %v", err)
	}
	if ev.Status != model.CertificateDelivered || ev.CertificateID != "CERT-9" || ev.DeliveredAt == nil {
		t.Errorf("unexpected event: %+v", ev)
	}
	r, err := s.GetRegistration(ctx, regID)
	if err != nil {
		t.Fatalf("GetRegistration: %v", err)
	}
	if r.CertificateID != "CERT-9" {
		t.Errorf("certificate id not stored on registration: %q", r.CertificateID)
	}

	pending, err = s.PendingCertificateEvents(ctx)
	if err != nil {
		t.Fatalf("PendingCertificateEvents: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending events, got %d", len(pending))
	}

	if err := s.MarkCertificateFailed(ctx, "missing", "boom"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	boom := errors.New("boom")
	err := s.InTx(ctx, func(q *Queries) error {
		if _, err := q.InsertExam(ctx, model.Exam{Title: "rolled back", PassingScore: 50}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	exams, err := s.ListExams(ctx)
	if err != nil {
		t.Fatalf("ListExams: %v", err)
	}
	if len(exams) != 0 {
		t.Errorf("expected rollback, found %d exams", len(exams))
	}

	err = s.InTx(ctx, func(q *Queries) error {
		_, err := q.InsertExam(ctx, model.Exam{Title: "kept", PassingScore: 50})
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	exams, err = s.ListExams(ctx)
	if err != nil {
		t.Fatalf("ListExams: %v", err)
	}
	if len(exams) != 1 || exams[0].Title != "kept" {
		t.Errorf("unexpected exams: %+v", exams)
	}
}

func TestImportedFiles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, ok, err := s.GetImportedFile(ctx, "exams/soil.json"); err != nil || ok {
		t.Fatalf("expected missing file, ok=%v err=%v", ok, err)
	}
	if err := s.SetImportedFile(ctx, ImportedFile{Path: "exams/soil.json", Hash: "abc", ExamID: 4}); err != nil {
		t.Fatalf("SetImportedFile: %v", err)
	}
	if err := s.SetImportedFile(ctx, ImportedFile{Path: "exams/soil.json", Hash: "def", ExamID: 4}); err != nil {
		t.Fatalf("SetImportedFile update: %v", err)
	}
	f, ok, err := s.GetImportedFile(ctx, "exams/soil.json")
	if err != nil || !ok {
		t.Fatalf("GetImportedFile: ok=%v err=%v", ok, err)
	}
	if f.Hash != "def" || f.ExamID != 4 {
		t.Errorf("unexpected file: %+v", f)
	}
}

func TestExportExam(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	examID := insertTestExam(t, s)
	q1 := insertTestQuestion(t, s, examID, 1, model.QuestionSingleChoice, true)
	q2 := insertTestQuestion(t, s, examID, 2, model.QuestionText, true)

	regID, err := s.InsertRegistration(ctx, model.Registration{
		UserID: 1, ExamID: examID, AttemptNumber: 1, Status: model.StatusInProgress,
		SelectedQuestionIDs: []int64{q2, q1}, TotalQuestions: 2, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertRegistration: %v", err)
	}
	if _, err := s.UpsertAnswer(ctx, model.Answer{
		RegistrationID: regID, QuestionID: q1, Payload: model.AnswerPayload{ChoiceID: int64Ptr(1)},
		IsCorrect: boolPtr(true), PointsAwarded: floatPtr(7), AnsweredAt: time.Now(),
	}); err != nil {
		t.Fatalf("UpsertAnswer: %v", err)
	}

	out, err := s.ExportExam(ctx, examID)
	if err != nil {
		t.Fatalf("ExportExam: %v", err)
	}
	if out.Exam.ID != examID || len(out.Registrations) != 1 {
		t.Fatalf("unexpected export: %+v", out)
	}
	answers := out.Registrations[0].Answers
	if len(answers) != 2 {
		t.Fatalf("expected 2 question results, got %d", len(answers))
	}
	if answers[0].QuestionID != q2 || answers[0].Answer != nil {
		t.Errorf("first result should be the unanswered text question: %+v", answers[0])
	}
	if answers[1].QuestionID != q1 || answers[1].Answer == nil {
		t.Errorf("second result should carry the answer: %+v", answers[1])
	}

	if _, err := s.ExportExam(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
