// Package scoring grades answers against question definitions. Every function here is
// pure: the same question and payload always produce the same result.
package scoring

import (
	"errors"
	"fmt"
	"math"

	"github.com/aqrarportal/examengine/internal/model"
)

var (
	// ErrUnsupportedQuestionType is returned for question types outside the known set.
	// Grading fails closed on it instead of substituting a score.
	ErrUnsupportedQuestionType = errors.New("unsupported question type")
	// ErrInvalidAnswer is returned when a payload does not fit the question type.
	ErrInvalidAnswer = errors.New("invalid answer payload")
)

// Result is the outcome of grading a single answer.
type Result struct {
	IsCorrect   *bool   // nil while a reviewer has not decided
	Points      float64 // points awarded so far
	MaxPoints   float64
	NeedsManual bool
}

// MaxPoints returns the most points a question can award.
func MaxPoints(q model.Question) (float64, error) {
	switch q.Type {
	case model.QuestionSingleChoice, model.QuestionTrueFalse:
		if c, ok := correctChoice(q); ok && c.Points != nil {
			return float64(*c.Points), nil
		}
		return float64(q.Points), nil
	case model.QuestionMultipleChoice, model.QuestionText:
		return float64(q.Points), nil
	default:
		return 0, fmt.Errorf("%w: %q (question %d)", ErrUnsupportedQuestionType, q.Type, q.ID)
	}
}

// ValidatePayload checks that the payload has the shape the question type expects.
func ValidatePayload(q model.Question, p model.AnswerPayload) error {
	switch q.Type {
	case model.QuestionSingleChoice, model.QuestionTrueFalse:
		if p.ChoiceID == nil {
			return fmt.Errorf("%w: question %d expects choice_id", ErrInvalidAnswer, q.ID)
		}
		if len(p.ChoiceIDs) > 0 || p.Text != nil {
			return fmt.Errorf("%w: question %d accepts only choice_id", ErrInvalidAnswer, q.ID)
		}
	case model.QuestionMultipleChoice:
		if p.ChoiceID != nil || p.Text != nil {
			return fmt.Errorf("%w: question %d accepts only choice_ids", ErrInvalidAnswer, q.ID)
		}
	case model.QuestionText:
		if p.Text == nil {
			return fmt.Errorf("%w: question %d expects answer_text", ErrInvalidAnswer, q.ID)
		}
		if p.ChoiceID != nil || len(p.ChoiceIDs) > 0 {
			return fmt.Errorf("%w: question %d accepts only answer_text", ErrInvalidAnswer, q.ID)
		}
	default:
		return fmt.Errorf("%w: %q (question %d)", ErrUnsupportedQuestionType, q.Type, q.ID)
	}
	return nil
}

// Grade grades a raw payload against its question.
func Grade(q model.Question, p model.AnswerPayload) (Result, error) {
	maxPts, err := MaxPoints(q)
	if err != nil {
		return Result{}, err
	}
	res := Result{MaxPoints: maxPts}

	switch q.Type {
	case model.QuestionSingleChoice, model.QuestionTrueFalse:
		if p.ChoiceID == nil {
			res.IsCorrect = boolPtr(false)
			return res, nil
		}
		c, ok := q.Choice(*p.ChoiceID)
		if !ok || !c.IsCorrect {
			res.IsCorrect = boolPtr(false)
			return res, nil
		}
		res.IsCorrect = boolPtr(true)
		res.Points = float64(q.Points)
		if c.Points != nil {
			res.Points = float64(*c.Points)
		}
		return res, nil

	case model.QuestionMultipleChoice:
		if exactMatch(p.ChoiceIDs, correctIDs(q)) {
			res.IsCorrect = boolPtr(true)
			res.Points = float64(q.Points)
			return res, nil
		}
		res.IsCorrect = boolPtr(false)
		return res, nil

	case model.QuestionText:
		// Every text answer goes to a reviewer, blank ones included.
		res.NeedsManual = true
		return res, nil
	}
	return Result{}, fmt.Errorf("%w: %q (question %d)", ErrUnsupportedQuestionType, q.Type, q.ID)
}

// GradeStored grades a stored answer, keeping a reviewer's decision once one exists.
func GradeStored(q model.Question, a model.Answer) (Result, error) {
	if q.Type == model.QuestionText && a.GradedAt != nil && !a.NeedsManualGrading {
		maxPts, err := MaxPoints(q)
		if err != nil {
			return Result{}, err
		}
		res := Result{MaxPoints: maxPts, IsCorrect: a.IsCorrect}
		if a.PointsAwarded != nil {
			res.Points = *a.PointsAwarded
		}
		return res, nil
	}
	return Grade(q, a.Payload)
}

// Summary aggregates the grading of one registration.
type Summary struct {
	Earned     float64
	AutoEarned float64 // earned on auto-gradable questions only
	Max        float64
	Score      float64 // percentage, rounded to two decimals
	AutoScore  float64 // AutoEarned as a percentage of Max
	Pending    int     // answers still waiting for a reviewer
	Correct    int
	Results    map[int64]Result // by question id, answered questions only
}

// Aggregate grades every answer of an attempt. selected is the attempt's question
// snapshot; every selected question counts toward the denominator whether or not it
// was answered. Unanswered questions earn nothing.
func Aggregate(selected []model.Question, answers []model.Answer) (Summary, error) {
	byQuestion := make(map[int64]model.Answer, len(answers))
	for _, a := range answers {
		byQuestion[a.QuestionID] = a
	}

	sum := Summary{Results: make(map[int64]Result, len(answers))}
	for _, q := range selected {
		a, answered := byQuestion[q.ID]
		if !answered {
			maxPts, err := MaxPoints(q)
			if err != nil {
				return Summary{}, err
			}
			sum.Max += maxPts
			continue
		}
		res, err := GradeStored(q, a)
		if err != nil {
			return Summary{}, err
		}
		sum.Results[q.ID] = res
		sum.Max += res.MaxPoints
		sum.Earned += res.Points
		if q.Type.AutoGradable() {
			sum.AutoEarned += res.Points
		}
		if res.NeedsManual {
			sum.Pending++
		}
		if res.IsCorrect != nil && *res.IsCorrect {
			sum.Correct++
		}
	}
	sum.Score = Percent(sum.Earned, sum.Max)
	sum.AutoScore = Percent(sum.AutoEarned, sum.Max)
	return sum, nil
}

// Percent returns earned/total as a percentage rounded to two decimals.
func Percent(earned, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(earned/total*100*100) / 100
}

// Passed reports whether score meets the passing threshold.
func Passed(score float64, passingScore int) bool {
	return score >= float64(passingScore)
}

func correctChoice(q model.Question) (model.Choice, bool) {
	for _, c := range q.Choices {
		if c.IsCorrect {
			return c, true
		}
	}
	return model.Choice{}, false
}

func correctIDs(q model.Question) []int64 {
	var ids []int64
	for _, c := range q.Choices {
		if c.IsCorrect {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// exactMatch treats both inputs as sets; duplicates in selected never help.
func exactMatch(selected, correct []int64) bool {
	if len(correct) == 0 {
		return false
	}
	sel := make(map[int64]struct{}, len(selected))
	for _, id := range selected {
		sel[id] = struct{}{}
	}
	if len(sel) != len(correct) {
		return false
	}
	for _, id := range correct {
		if _, ok := sel[id]; !ok {
			return false
		}
	}
	return true
}

func boolPtr(b bool) *bool { return &b }
