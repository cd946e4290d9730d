// Package attempt owns the registration state machine: creating attempts, starting
// them, accepting answers, finalizing, cancelling, manual grading and expiry.
//
// Every mutation of a registration runs under a per-registration lock and inside one
// database transaction. Certificate and notification side effects are emitted only
// after that transaction commits.
package attempt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aqrarportal/examengine/internal/model"
	"github.com/aqrarportal/examengine/internal/scoring"
	"github.com/aqrarportal/examengine/internal/selector"
	"github.com/aqrarportal/examengine/internal/store"
)

// CertificateTrigger receives one request per registration that reaches passed.
type CertificateTrigger interface {
	Enqueue(req model.CertificateRequest)
}

// Notifier receives the outcome of finished attempts.
type Notifier interface {
	Dispatch(n model.Notification)
}

type nopTrigger struct{}

func (nopTrigger) Enqueue(model.CertificateRequest) {}

type nopNotifier struct{}

func (nopNotifier) Dispatch(model.Notification) {}

// Manager implements the attempt lifecycle on top of the store.
type Manager struct {
	store    *store.Store
	certs    CertificateTrigger
	notifier Notifier
	locks    *keyedMutex
	now      func() time.Time
	newSeed  func() int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithCertificates sets the certificate trigger.
func WithCertificates(c CertificateTrigger) Option {
	return func(m *Manager) { m.certs = c }
}

// WithNotifier sets the notification dispatcher.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithClock replaces time.Now. Tests use it to move past deadlines.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSeedSource replaces the random attempt seed generator.
func WithSeedSource(seed func() int64) Option {
	return func(m *Manager) { m.newSeed = seed }
}

// New creates a Manager.
func New(s *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		certs:    nopTrigger{},
		notifier: nopNotifier{},
		locks:    newKeyedMutex(),
		now:      time.Now,
		newSeed:  selector.NewSeed,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// effects collects what to emit once a transaction has committed.
type effects struct {
	outcome model.Outcome
	certs   []model.CertificateRequest
}

// mutate loads the registration and its exam under the registration lock and runs fn
// inside a transaction. Side effects recorded by fn are emitted after commit.
func (m *Manager) mutate(ctx context.Context, id int64,
	fn func(q *store.Queries, reg *model.Registration, exam model.Exam, fx *effects) error,
) (model.Registration, error) {
	unlock := m.locks.Lock(registrationKey(id))
	defer unlock()

	var (
		reg  model.Registration
		exam model.Exam
		fx   effects
	)
	err := m.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		if reg, err = q.GetRegistration(ctx, id); err != nil {
			return err
		}
		if exam, err = q.GetExam(ctx, reg.ExamID); err != nil {
			return err
		}
		return fn(q, &reg, exam, &fx)
	})
	if err != nil {
		return model.Registration{}, err
	}
	m.emit(reg, exam, fx)
	return reg, nil
}

func (m *Manager) emit(reg model.Registration, exam model.Exam, fx effects) {
	for _, req := range fx.certs {
		m.certs.Enqueue(req)
	}
	if fx.outcome == "" {
		return
	}
	var score float64
	if reg.Score != nil {
		score = *reg.Score
	}
	m.notifier.Dispatch(model.Notification{
		UserID:         reg.UserID,
		RegistrationID: reg.ID,
		ExamTitle:      exam.Title,
		Outcome:        fx.outcome,
		Score:          score,
	})
}

// Create opens a new pending attempt for the user.
func (m *Manager) Create(ctx context.Context, userID, examID int64) (model.Registration, error) {
	unlock := m.locks.Lock(userExamKey(userID, examID))
	defer unlock()

	var reg model.Registration
	err := m.store.InTx(ctx, func(q *store.Queries) error {
		exam, err := q.GetExam(ctx, examID)
		if err != nil {
			return err
		}
		prior, err := q.ListUserRegistrations(ctx, userID, examID)
		if err != nil {
			return fmt.Errorf("list registrations: %w", err)
		}
		elig := eligibility(exam, userID, prior)
		if !elig.CanStart {
			return elig.err
		}

		reg = model.Registration{
			UserID:        userID,
			ExamID:        examID,
			AttemptNumber: elig.nextAttempt,
			Status:        model.StatusPending,
			Seed:          m.newSeed(),
			CreatedAt:     m.now(),
		}
		reg.ID, err = q.InsertRegistration(ctx, reg)
		return err
	})
	if err != nil {
		return model.Registration{}, err
	}
	slog.Info("attempt created", "registration_id", reg.ID, "user_id", userID, "exam_id", examID,
		"attempt_number", reg.AttemptNumber)
	return reg, nil
}

type eligibilityResult struct {
	model.Eligibility
	nextAttempt int
	err         error
}

// eligibility applies the creation rules to the user's prior registrations.
func eligibility(exam model.Exam, userID int64, prior []model.Registration) eligibilityResult {
	res := eligibilityResult{
		Eligibility: model.Eligibility{
			ExamID:       exam.ID,
			UserID:       userID,
			AttemptsUsed: len(prior),
			MaxAttempts:  exam.MaxAttempts,
		},
		nextAttempt: 1,
	}
	if len(prior) > 0 {
		res.LastStatus = prior[0].Status
	}

	passed := false
	for _, r := range prior {
		if r.AttemptNumber >= res.nextAttempt {
			res.nextAttempt = r.AttemptNumber + 1
		}
		if r.Status == model.StatusPassed {
			passed = true
		}
		if !r.Status.Terminal() && res.err == nil {
			res.err = fmt.Errorf("%w (registration %d is %s)", ErrActiveAttempt, r.ID, r.Status)
			res.Reason = "active_attempt"
		}
	}

	if exam.MaxAttempts > 0 {
		remaining := max(exam.MaxAttempts-len(prior), 0)
		res.RemainingAttempts = &remaining
		if res.err == nil && passed {
			res.err = ErrAlreadyPassed
			res.Reason = "already_passed"
		}
		if res.err == nil && remaining == 0 {
			res.err = fmt.Errorf("%w: %d of %d attempts used", ErrAttemptLimitExceeded, len(prior), exam.MaxAttempts)
			res.Reason = "attempt_limit_exceeded"
		}
	}
	res.CanStart = res.err == nil
	return res
}

// Eligibility reports whether the user may create another attempt and why not.
func (m *Manager) Eligibility(ctx context.Context, userID, examID int64) (model.Eligibility, error) {
	exam, err := m.store.GetExam(ctx, examID)
	if err != nil {
		return model.Eligibility{}, err
	}
	prior, err := m.store.ListUserRegistrations(ctx, userID, examID)
	if err != nil {
		return model.Eligibility{}, fmt.Errorf("list registrations: %w", err)
	}
	return eligibility(exam, userID, prior).Eligibility, nil
}

// History returns every attempt of the user at the exam, newest first.
func (m *Manager) History(ctx context.Context, userID, examID int64) ([]model.Registration, error) {
	if _, err := m.store.GetExam(ctx, examID); err != nil {
		return nil, err
	}
	return m.store.ListUserRegistrations(ctx, userID, examID)
}

// Start selects the attempt's questions and opens it for answers.
func (m *Manager) Start(ctx context.Context, id int64) (model.Registration, error) {
	return m.mutate(ctx, id, func(q *store.Queries, reg *model.Registration, exam model.Exam, _ *effects) error {
		if reg.Status != model.StatusPending {
			return fmt.Errorf("%w: cannot start registration %d in status %s", ErrInvalidStateTransition, reg.ID, reg.Status)
		}
		pool, err := q.QuestionPool(ctx, exam.ID)
		if err != nil {
			return fmt.Errorf("load question pool: %w", err)
		}
		ids, err := selector.Select(exam, pool, reg.Seed)
		if err != nil {
			return fmt.Errorf("select questions for exam %d: %w", exam.ID, err)
		}
		now := m.now()
		reg.SelectedQuestionIDs = ids
		reg.TotalQuestions = len(ids)
		reg.StartedAt = &now
		reg.Status = model.StatusInProgress
		return q.UpdateRegistration(ctx, *reg)
	})
}

// SubmitAnswer grades and stores the learner's answer to one selected question.
// Resubmitting overwrites the earlier answer.
func (m *Manager) SubmitAnswer(ctx context.Context, id, questionID int64, payload model.AnswerPayload) (model.Answer, error) {
	var answer model.Answer
	_, err := m.mutate(ctx, id, func(q *store.Queries, reg *model.Registration, exam model.Exam, _ *effects) error {
		if reg.Status != model.StatusInProgress {
			return fmt.Errorf("%w: registration %d is %s", ErrInvalidStateTransition, reg.ID, reg.Status)
		}
		now := m.now()
		if m.expired(*reg, exam, now) {
			return fmt.Errorf("%w: registration %d", ErrAttemptExpired, reg.ID)
		}
		if !reg.HasSelected(questionID) {
			return fmt.Errorf("%w: question %d", ErrQuestionNotSelected, questionID)
		}
		question, err := q.GetQuestion(ctx, questionID)
		if err != nil {
			return err
		}
		if err := scoring.ValidatePayload(question, payload); err != nil {
			return err
		}
		res, err := scoring.Grade(question, payload)
		if err != nil {
			return err
		}

		answer = model.Answer{
			RegistrationID:     reg.ID,
			QuestionID:         questionID,
			Payload:            payload,
			IsCorrect:          res.IsCorrect,
			NeedsManualGrading: res.NeedsManual,
			AnsweredAt:         now,
		}
		if !res.NeedsManual {
			points := res.Points
			answer.PointsAwarded = &points
		}
		answer.ID, err = q.UpsertAnswer(ctx, answer)
		return err
	})
	if err != nil {
		return model.Answer{}, err
	}
	return answer, nil
}

// Finalize ends an in-progress attempt. Calling it again on an attempt that has
// already been finalized returns the stored result without side effects.
func (m *Manager) Finalize(ctx context.Context, id int64, reason model.FinalizeReason) (model.Registration, error) {
	if !reason.Valid() {
		return model.Registration{}, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	return m.mutate(ctx, id, func(q *store.Queries, reg *model.Registration, exam model.Exam, fx *effects) error {
		switch {
		case reg.Status == model.StatusInProgress:
			return m.finalize(ctx, q, reg, exam, fx)
		case reg.Status.Terminal(), reg.Status == model.StatusPendingReview:
			return nil
		default:
			return fmt.Errorf("%w: cannot finalize registration %d in status %s", ErrInvalidStateTransition, reg.ID, reg.Status)
		}
	})
}

// finalize grades or voids an in-progress registration. The caller holds the lock and
// the transaction.
func (m *Manager) finalize(ctx context.Context, q *store.Queries, reg *model.Registration, exam model.Exam,
	fx *effects,
) error {
	now := m.now()
	// The clock decides whether time ran out, not the caller. Once it has, the exam's
	// auto_submit flag decides between grading and voiding.
	reason := model.ReasonLearnerSubmit
	if m.expired(*reg, exam, now) {
		reason = model.ReasonTimeExpiredNoSubmit
		if exam.AutoSubmit {
			reason = model.ReasonTimeExpiredAutoSubmit
		}
	}
	reg.FinishReason = reason
	reg.FinishedAt = &now

	if reason == model.ReasonTimeExpiredNoSubmit {
		reg.Status = model.StatusTimeout
		if err := q.UpdateRegistration(ctx, *reg); err != nil {
			return err
		}
		slog.Info("attempt timed out", "registration_id", reg.ID)
		return nil
	}

	sum, err := m.aggregate(ctx, q, *reg, exam)
	if err != nil {
		return err
	}
	reg.AutoGradedScore = &sum.AutoScore
	reg.Score = &sum.Score
	if sum.Pending > 0 {
		reg.Status = model.StatusPendingReview
		reg.NeedsManualGrading = true
		fx.outcome = model.OutcomePendingReview
		if err := q.UpdateRegistration(ctx, *reg); err != nil {
			return err
		}
		slog.Info("attempt awaiting review", "registration_id", reg.ID, "auto_graded_score", sum.AutoScore,
			"pending", sum.Pending)
		return nil
	}
	return m.conclude(ctx, q, reg, exam, sum, fx)
}

// conclude moves a fully graded registration to passed or failed and records the
// certificate request on pass.
func (m *Manager) conclude(ctx context.Context, q *store.Queries, reg *model.Registration, exam model.Exam,
	sum scoring.Summary, fx *effects,
) error {
	reg.NeedsManualGrading = false
	reg.Score = &sum.Score
	if scoring.Passed(sum.Score, exam.PassingScore) {
		reg.Status = model.StatusPassed
		fx.outcome = model.OutcomePassed
	} else {
		reg.Status = model.StatusFailed
		fx.outcome = model.OutcomeFailed
	}
	if err := q.UpdateRegistration(ctx, *reg); err != nil {
		return err
	}

	if reg.Status == model.StatusPassed && exam.CertificateEnabled {
		req := model.CertificateRequest{
			EventID:        uuid.NewString(),
			UserID:         reg.UserID,
			ExamID:         exam.ID,
			RegistrationID: reg.ID,
			Score:          sum.Score,
		}
		inserted, err := q.InsertCertificateEvent(ctx, req, m.now())
		if err != nil {
			return err
		}
		if inserted {
			fx.certs = append(fx.certs, req)
		}
	}
	slog.Info("attempt graded", "registration_id", reg.ID, "status", reg.Status, "score", sum.Score)
	return nil
}

// aggregate grades every selected question of the registration.
func (m *Manager) aggregate(ctx context.Context, q *store.Queries, reg model.Registration, exam model.Exam) (scoring.Summary, error) {
	selected, err := selectedQuestions(ctx, q, reg, exam)
	if err != nil {
		return scoring.Summary{}, err
	}
	answers, err := q.ListAnswers(ctx, reg.ID)
	if err != nil {
		return scoring.Summary{}, fmt.Errorf("list answers: %w", err)
	}
	sum, err := scoring.Aggregate(selected, answers)
	if err != nil {
		return scoring.Summary{}, fmt.Errorf("grade registration %d: %w", reg.ID, err)
	}
	return sum, nil
}

// selectedQuestions returns the registration's questions in snapshot order.
func selectedQuestions(ctx context.Context, q *store.Queries, reg model.Registration, exam model.Exam) ([]model.Question, error) {
	all, err := q.ListQuestions(ctx, exam.ID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	byID := make(map[int64]model.Question, len(all))
	for _, question := range all {
		byID[question.ID] = question
	}
	out := make([]model.Question, 0, len(reg.SelectedQuestionIDs))
	for _, id := range reg.SelectedQuestionIDs {
		question, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("registration %d: selected question %d: %w", reg.ID, id, store.ErrNotFound)
		}
		out = append(out, question)
	}
	return out, nil
}

// Cancel abandons a pending or in-progress attempt without scoring it.
func (m *Manager) Cancel(ctx context.Context, id int64) (model.Registration, error) {
	return m.mutate(ctx, id, func(q *store.Queries, reg *model.Registration, _ model.Exam, _ *effects) error {
		if reg.Status != model.StatusPending && reg.Status != model.StatusInProgress {
			return fmt.Errorf("%w: cannot cancel registration %d in status %s", ErrInvalidStateTransition, reg.ID, reg.Status)
		}
		now := m.now()
		reg.Status = model.StatusCancelled
		reg.FinishedAt = &now
		if err := q.UpdateRegistration(ctx, *reg); err != nil {
			return err
		}
		slog.Info("attempt cancelled", "registration_id", reg.ID)
		return nil
	})
}

// Get returns a registration. An in-progress attempt past its deadline is finalized
// first, so callers never see a stale in_progress status.
func (m *Manager) Get(ctx context.Context, id int64) (model.Registration, error) {
	reg, err := m.store.GetRegistration(ctx, id)
	if err != nil {
		return model.Registration{}, err
	}
	if reg.Status != model.StatusInProgress {
		return reg, nil
	}
	exam, err := m.store.GetExam(ctx, reg.ExamID)
	if err != nil {
		return model.Registration{}, err
	}
	if !m.expired(reg, exam, m.now()) {
		return reg, nil
	}
	return m.Expire(ctx, id)
}

// Expire finalizes an in-progress registration whose deadline has passed. It does
// nothing when the registration is no longer in progress or still has time left.
func (m *Manager) Expire(ctx context.Context, id int64) (model.Registration, error) {
	return m.mutate(ctx, id, func(q *store.Queries, reg *model.Registration, exam model.Exam, fx *effects) error {
		if reg.Status != model.StatusInProgress || !m.expired(*reg, exam, m.now()) {
			return nil
		}
		return m.finalize(ctx, q, reg, exam, fx)
	})
}

// Questions returns the attempt's questions as the learner sees them.
func (m *Manager) Questions(ctx context.Context, id int64) ([]model.PresentedQuestion, error) {
	reg, err := m.store.GetRegistration(ctx, id)
	if err != nil {
		return nil, err
	}
	if reg.Status != model.StatusInProgress {
		return nil, fmt.Errorf("%w: registration %d is %s", ErrInvalidStateTransition, reg.ID, reg.Status)
	}
	exam, err := m.store.GetExam(ctx, reg.ExamID)
	if err != nil {
		return nil, err
	}
	if m.expired(reg, exam, m.now()) {
		return nil, fmt.Errorf("%w: registration %d", ErrAttemptExpired, reg.ID)
	}
	all, err := m.store.ListQuestions(ctx, exam.ID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	byID := make(map[int64]model.Question, len(all))
	for _, q := range all {
		byID[q.ID] = q
	}
	return selector.Present(exam, reg, byID), nil
}

func (m *Manager) expired(reg model.Registration, exam model.Exam, now time.Time) bool {
	deadline, ok := reg.Deadline(exam)
	return ok && !now.Before(deadline)
}
