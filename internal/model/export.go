package model

import "time"

// ExamExport is the top-level JSON structure for exam result export.
type ExamExport struct {
	Exam          Exam                 `json:"exam"`
	ExportedAt    time.Time            `json:"exported_at"`
	Registrations []RegistrationResult `json:"registrations"`
}

// RegistrationResult holds one attempt with its answers for export.
type RegistrationResult struct {
	Registration Registration     `json:"registration"`
	Answers      []QuestionResult `json:"answers"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	QuestionID   int64        `json:"question_id"`
	QuestionType QuestionType `json:"question_type"`
	Text         string       `json:"question_text"`
	MaxPoints    int          `json:"max_points"`
	Answer       *Answer      `json:"answer,omitempty"`
}
