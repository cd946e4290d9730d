package model

import (
	"encoding/json"
	"slices"
	"time"
)

// QuestionType is the closed set of question kinds the scoring engine understands.
type QuestionType string

const (
	QuestionSingleChoice   QuestionType = "single_choice"
	QuestionTrueFalse      QuestionType = "true_false"
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionText           QuestionType = "text"
)

// Valid reports whether t is one of the known question types.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionSingleChoice, QuestionTrueFalse, QuestionMultipleChoice, QuestionText:
		return true
	}
	return false
}

// AutoGradable reports whether answers of this type can be graded without a reviewer.
func (t QuestionType) AutoGradable() bool {
	return t == QuestionSingleChoice || t == QuestionTrueFalse || t == QuestionMultipleChoice
}

// RegistrationStatus represents the state of an exam attempt.
type RegistrationStatus string

const (
	StatusPending       RegistrationStatus = "pending"
	StatusInProgress    RegistrationStatus = "in_progress"
	StatusCompleted     RegistrationStatus = "completed"
	StatusPassed        RegistrationStatus = "passed"
	StatusFailed        RegistrationStatus = "failed"
	StatusPendingReview RegistrationStatus = "pending_review"
	StatusTimeout       RegistrationStatus = "timeout"
	StatusCancelled     RegistrationStatus = "cancelled"
)

// Terminal reports whether no further mutation is allowed. pending_review is not
// terminal: a reviewer still has to resolve it.
func (s RegistrationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPassed, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// FinalizeReason explains why an attempt is being finalized.
type FinalizeReason string

const (
	ReasonLearnerSubmit         FinalizeReason = "learner_submit"
	ReasonTimeExpiredAutoSubmit FinalizeReason = "time_expired_auto_submit"
	ReasonTimeExpiredNoSubmit   FinalizeReason = "time_expired_no_submit"
)

// Valid reports whether r is a known finalize reason.
func (r FinalizeReason) Valid() bool {
	switch r {
	case ReasonLearnerSubmit, ReasonTimeExpiredAutoSubmit, ReasonTimeExpiredNoSubmit:
		return true
	}
	return false
}

// Outcome is what the learner is notified about.
type Outcome string

const (
	OutcomePassed        Outcome = "passed"
	OutcomeFailed        Outcome = "failed"
	OutcomePendingReview Outcome = "pending_review"
)

// Exam holds the configuration of an exam. It is read-only while attempts reference it.
type Exam struct {
	ID                     int64     `json:"id"`
	Title                  string    `json:"title" validate:"required"`
	PassingScore           int       `json:"passing_score" validate:"gte=0,lte=100"`
	DurationMinutes        int       `json:"duration_minutes" validate:"gte=0"`
	ExamQuestionCount      int       `json:"exam_question_count" validate:"gte=0"`
	MaxAttempts            int       `json:"max_attempts" validate:"gte=0"`
	RandomizeQuestions     bool      `json:"randomize_questions"`
	RandomizeChoices       bool      `json:"randomize_choices"`
	ShowResultsImmediately bool      `json:"show_results_immediately"`
	AutoSubmit             bool      `json:"auto_submit"`
	CertificateEnabled     bool      `json:"certificate_enabled"`
	CreatedAt              time.Time `json:"created_at"`
}

// Duration returns the time limit, or zero for untimed exams.
func (e Exam) Duration() time.Duration {
	if e.DurationMinutes <= 0 {
		return 0
	}
	return time.Duration(e.DurationMinutes) * time.Minute
}

// Question is a single exam question with its choices in display order.
type Question struct {
	ID       int64        `json:"id"`
	ExamID   int64        `json:"exam_id"`
	Type     QuestionType `json:"question_type"`
	Text     string       `json:"question_text"`
	Points   int          `json:"points"`
	Required bool         `json:"is_required"`
	Sequence int          `json:"sequence"`
	Choices  []Choice     `json:"choices,omitempty"`
}

// Choice returns the choice with the given id.
func (q Question) Choice(id int64) (Choice, bool) {
	for _, c := range q.Choices {
		if c.ID == id {
			return c, true
		}
	}
	return Choice{}, false
}

// Choice is one option of a choice-based question.
type Choice struct {
	ID         int64  `json:"id"`
	QuestionID int64  `json:"question_id"`
	Text       string `json:"choice_text"`
	IsCorrect  bool   `json:"is_correct"`
	Points     *int   `json:"points,omitempty"`
}

// Registration is one learner's attempt at an exam.
type Registration struct {
	ID                  int64              `json:"id"`
	UserID              int64              `json:"user_id"`
	ExamID              int64              `json:"exam_id"`
	AttemptNumber       int                `json:"attempt_number"`
	Status              RegistrationStatus `json:"status"`
	Seed                int64              `json:"-"`
	SelectedQuestionIDs []int64            `json:"selected_question_ids"`
	TotalQuestions      int                `json:"total_questions"`
	Score               *float64           `json:"score"`
	AutoGradedScore     *float64           `json:"auto_graded_score"`
	NeedsManualGrading  bool               `json:"needs_manual_grading"`
	FinishReason        FinalizeReason     `json:"finish_reason,omitempty"`
	CertificateID       string             `json:"certificate_id,omitempty"`
	AdminNotes          string             `json:"admin_notes,omitempty"`
	GradedBy            *int64             `json:"graded_by,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	StartedAt           *time.Time         `json:"started_at,omitempty"`
	FinishedAt          *time.Time         `json:"finished_at,omitempty"`
	GradedAt            *time.Time         `json:"graded_at,omitempty"`
}

// Deadline returns the moment the attempt expires. ok is false for untimed or
// unstarted attempts.
func (r Registration) Deadline(e Exam) (deadline time.Time, ok bool) {
	if r.StartedAt == nil || e.Duration() == 0 {
		return time.Time{}, false
	}
	return r.StartedAt.Add(e.Duration()), true
}

// HasSelected reports whether the question belongs to the attempt's snapshot.
func (r Registration) HasSelected(questionID int64) bool {
	return slices.Contains(r.SelectedQuestionIDs, questionID)
}

// AnswerPayload is the raw answer a learner submits for one question.
type AnswerPayload struct {
	ChoiceID  *int64  `json:"choice_id,omitempty"`
	ChoiceIDs []int64 `json:"choice_ids,omitempty"`
	Text      *string `json:"answer_text,omitempty"`
}

// Feedback is reviewer feedback keyed by language tag (az, en, ru, ...).
type Feedback map[string]string

// Answer is a learner's stored answer to one question of a registration.
type Answer struct {
	ID                 int64         `json:"id"`
	RegistrationID     int64         `json:"registration_id"`
	QuestionID         int64         `json:"question_id"`
	Payload            AnswerPayload `json:"payload"`
	IsCorrect          *bool         `json:"is_correct"`
	PointsAwarded      *float64      `json:"points_awarded"`
	NeedsManualGrading bool          `json:"needs_manual_grading"`
	AdminFeedback      Feedback      `json:"admin_feedback,omitempty"`
	GradedBy           *int64        `json:"graded_by,omitempty"`
	AnsweredAt         time.Time     `json:"answered_at"`
	GradedAt           *time.Time    `json:"graded_at,omitempty"`
}

// CertificateRequest is handed to the certificate generator when an attempt passes.
type CertificateRequest struct {
	EventID        string  `json:"event_id"`
	UserID         int64   `json:"user_id"`
	ExamID         int64   `json:"exam_id"`
	RegistrationID int64   `json:"registration_id"`
	Score          float64 `json:"score"`
}

// Notification is handed to the notification dispatcher on terminal outcomes.
type Notification struct {
	UserID         int64   `json:"user_id"`
	RegistrationID int64   `json:"registration_id"`
	ExamTitle      string  `json:"exam_title"`
	Outcome        Outcome `json:"outcome"`
	Score          float64 `json:"score"`
}

// ManualGrade is a reviewer's decision for one pending answer.
type ManualGrade struct {
	QuestionID int64    `json:"question_id" validate:"required"`
	Points     float64  `json:"points" validate:"gte=0"`
	Feedback   Feedback `json:"feedback,omitempty"`
}

// Eligibility summarizes whether a learner may start another attempt.
type Eligibility struct {
	ExamID            int64              `json:"exam_id"`
	UserID            int64              `json:"user_id"`
	AttemptsUsed      int                `json:"attempts_used"`
	MaxAttempts       int                `json:"max_attempts"`
	RemainingAttempts *int               `json:"remaining_attempts"`
	CanStart          bool               `json:"can_start"`
	Reason            string             `json:"reason,omitempty"`
	LastStatus        RegistrationStatus `json:"last_status,omitempty"`
}

// PendingAnswer pairs a text answer awaiting review with its question.
type PendingAnswer struct {
	Question Question `json:"question"`
	Answer   Answer   `json:"answer"`
}

// ReviewView is what a reviewer sees when resolving a pending_review attempt.
type ReviewView struct {
	Registration    Registration    `json:"registration"`
	Exam            Exam            `json:"exam"`
	AutoGradedScore float64         `json:"auto_graded_score"`
	CorrectAnswers  int             `json:"correct_answers"`
	Pending         []PendingAnswer `json:"pending"`
}

// PresentedChoice is a choice as shown to the learner, without its correctness flag.
type PresentedChoice struct {
	ID   int64  `json:"id"`
	Text string `json:"choice_text"`
}

// PresentedQuestion is a question as shown to the learner.
type PresentedQuestion struct {
	ID       int64             `json:"id"`
	Position int               `json:"position"`
	Type     QuestionType      `json:"question_type"`
	Text     string            `json:"question_text"`
	Points   int               `json:"points"`
	Choices  []PresentedChoice `json:"choices,omitempty"`
}

// ExamImport is the on-disk format for exam content files.
type ExamImport struct {
	Exam      Exam             `json:"exam"`
	Questions []QuestionImport `json:"questions" validate:"required,min=1,dive"`
}

// QuestionImport is one question of an exam content file.
type QuestionImport struct {
	Type     QuestionType   `json:"question_type" validate:"oneof=single_choice true_false multiple_choice text"`
	Text     string         `json:"question_text" validate:"required"`
	Points   int            `json:"points" validate:"gte=0"`
	Required *bool          `json:"is_required"`
	Choices  []ChoiceImport `json:"choices" validate:"dive"`
}

// ChoiceImport is one choice of an imported question.
type ChoiceImport struct {
	Text      string `json:"choice_text" validate:"required"`
	IsCorrect bool   `json:"is_correct"`
	Points    *int   `json:"points"`
}

// MarshalFeedback encodes feedback for storage; nil feedback encodes as "".
func MarshalFeedback(f Feedback) (string, error) {
	if len(f) == 0 {
		return "", nil
	}
	b, err := json.Marshal(f)
	return string(b), err
}

// CertificateEventStatus tracks delivery of a certificate request.
type CertificateEventStatus string

const (
	CertificatePending   CertificateEventStatus = "pending"
	CertificateDelivered CertificateEventStatus = "delivered"
	CertificateFailed    CertificateEventStatus = "failed"
)

// CertificateEvent is the outbox row written when a registration passes. At most one
// exists per registration.
type CertificateEvent struct {
	Request       CertificateRequest     `json:"request"`
	Status        CertificateEventStatus `json:"status"`
	CertificateID string                 `json:"certificate_id,omitempty"`
	Error         string                 `json:"error,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	DeliveredAt   *time.Time             `json:"delivered_at,omitempty"`
}
