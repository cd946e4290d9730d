// Package content imports exam definitions from JSON files.
//
// Each file holds one exam with its questions. Files are tracked by SHA-256: an
// unchanged file is skipped, and a file that changed after import is refused because
// running attempts reference the stored questions.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/aqrarportal/examengine/internal/model"
	"github.com/aqrarportal/examengine/internal/store"
)

// ErrChangedSinceImport is returned for a file whose content differs from the
// imported version.
var ErrChangedSinceImport = errors.New("content file changed since last import")

var validate = validator.New()

// Result describes what happened to one file.
type Result struct {
	Path      string
	ExamID    int64
	Questions int
	Skipped   bool
}

// ImportFiles imports every path in order and stops at the first failure. Changed
// files are logged and skipped unless strict is set, in which case they fail.
func ImportFiles(ctx context.Context, s *store.Store, paths []string, strict bool) ([]Result, error) {
	var results []Result
	for _, path := range paths {
		res, err := ImportFile(ctx, s, path)
		if errors.Is(err, ErrChangedSinceImport) && !strict {
			slog.Warn("exam file changed since last import, skipping to avoid breaking existing attempts",
				"path", path)
			results = append(results, Result{Path: path, Skipped: true})
			continue
		}
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// ImportFile imports a single exam file.
func ImportFile(ctx context.Context, s *store.Store, path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	hash := sha256sum(data)

	prev, ok, err := s.GetImportedFile(ctx, path)
	if err != nil {
		return Result{}, fmt.Errorf("check import status for %s: %w", path, err)
	}
	if ok && prev.Hash == hash {
		slog.Info("exam file unchanged, skipping", "path", path, "exam_id", prev.ExamID)
		return Result{Path: path, ExamID: prev.ExamID, Skipped: true}, nil
	}
	if ok {
		return Result{}, fmt.Errorf("%s: %w", path, ErrChangedSinceImport)
	}

	imp, err := Parse(data)
	if err != nil {
		return Result{}, fmt.Errorf("parse %s: %w", path, err)
	}

	var examID int64
	err = s.InTx(ctx, func(q *store.Queries) error {
		examID, err = q.InsertExam(ctx, imp.Exam)
		if err != nil {
			return err
		}
		for i, qi := range imp.Questions {
			if _, err := q.InsertQuestion(ctx, toQuestion(examID, i, qi)); err != nil {
				return fmt.Errorf("question %d: %w", i+1, err)
			}
		}
		return q.SetImportedFile(ctx, store.ImportedFile{Path: path, Hash: hash, ExamID: examID})
	})
	if err != nil {
		return Result{}, fmt.Errorf("import %s: %w", path, err)
	}
	slog.Info("imported exam", "path", path, "exam_id", examID, "title", imp.Exam.Title,
		"questions", len(imp.Questions))
	return Result{Path: path, ExamID: examID, Questions: len(imp.Questions)}, nil
}

// Parse decodes and validates an exam file.
func Parse(data []byte) (model.ExamImport, error) {
	var imp model.ExamImport
	if err := json.Unmarshal(data, &imp); err != nil {
		return model.ExamImport{}, err
	}
	if err := validate.Struct(imp); err != nil {
		return model.ExamImport{}, err
	}
	for i, qi := range imp.Questions {
		if err := checkChoices(qi); err != nil {
			return model.ExamImport{}, fmt.Errorf("question %d: %w", i+1, err)
		}
	}
	return imp, nil
}

func checkChoices(qi model.QuestionImport) error {
	correct := 0
	for _, c := range qi.Choices {
		if c.IsCorrect {
			correct++
		}
	}
	switch qi.Type {
	case model.QuestionText:
		if len(qi.Choices) > 0 {
			return errors.New("text questions have no choices")
		}
	case model.QuestionSingleChoice, model.QuestionTrueFalse:
		if correct != 1 {
			return fmt.Errorf("%s question needs exactly one correct choice, has %d", qi.Type, correct)
		}
	case model.QuestionMultipleChoice:
		if correct == 0 {
			return errors.New("multiple_choice question needs at least one correct choice")
		}
	}
	if qi.Type == model.QuestionTrueFalse && len(qi.Choices) != 2 {
		return fmt.Errorf("true_false question needs two choices, has %d", len(qi.Choices))
	}
	return nil
}

func toQuestion(examID int64, i int, qi model.QuestionImport) model.Question {
	required := true
	if qi.Required != nil {
		required = *qi.Required
	}
	q := model.Question{
		ExamID:   examID,
		Type:     qi.Type,
		Text:     qi.Text,
		Points:   qi.Points,
		Required: required,
		Sequence: i,
	}
	for _, c := range qi.Choices {
		q.Choices = append(q.Choices, model.Choice{Text: c.Text, IsCorrect: c.IsCorrect, Points: c.Points})
	}
	return q
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
