package scoring

import (
	"errors"
	"testing"
	"time"

	"github.com/aqrarportal/examengine/internal/model"
)

func intPtr(v int) *int           { return &v }
func int64Ptr(v int64) *int64     { return &v }
func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }

func singleChoice(id int64, points int) model.Question {
	return model.Question{
		ID: id, Type: model.QuestionSingleChoice, Points: points,
		Choices: []model.Choice{
			{ID: id*10 + 1, IsCorrect: true},
			{ID: id*10 + 2},
			{ID: id*10 + 3},
		},
	}
}

func multiChoice(id int64, points int) model.Question {
	return model.Question{
		ID: id, Type: model.QuestionMultipleChoice, Points: points,
		Choices: []model.Choice{
			{ID: 1, IsCorrect: true},
			{ID: 2, IsCorrect: true},
			{ID: 3},
		},
	}
}

func TestGradeSingleChoice(t *testing.T) {
	q := singleChoice(1, 50)
	overridden := q
	overridden.Choices = []model.Choice{{ID: 11, IsCorrect: true, Points: intPtr(30)}, {ID: 12}}

	tests := []struct {
		name        string
		q           model.Question
		choice      int64
		wantCorrect bool
		wantPoints  float64
	}{
		{"correct choice", q, 11, true, 50},
		{"wrong choice", q, 12, false, 0},
		{"unknown choice", q, 999, false, 0},
		{"point override", overridden, 11, true, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Grade(tt.q, model.AnswerPayload{ChoiceID: int64Ptr(tt.choice)})
			if err != nil {
				t.Fatalf("Grade: %v", err)
			}
			if res.IsCorrect == nil || *res.IsCorrect != tt.wantCorrect {
				t.Errorf("IsCorrect = %v, want %v", res.IsCorrect, tt.wantCorrect)
			}
			if res.Points != tt.wantPoints {
				t.Errorf("Points = %v, want %v", res.Points, tt.wantPoints)
			}
			if res.NeedsManual {
				t.Error("single choice should never need manual grading")
			}
		})
	}
}

func TestGradeIsIdempotent(t *testing.T) {
	q := singleChoice(7, 10)
	q.Type = model.QuestionTrueFalse
	q.Choices = q.Choices[:2]
	p := model.AnswerPayload{ChoiceID: int64Ptr(71)}

	first, err := Grade(q, p)
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := Grade(q, p)
		if err != nil {
			t.Fatalf("Grade: %v", err)
		}
		if *again.IsCorrect != *first.IsCorrect || again.Points != first.Points {
			t.Fatalf("regrade %d = %+v, want %+v", i, again, first)
		}
	}
}

func TestGradeMultipleChoiceExactMatch(t *testing.T) {
	q := multiChoice(2, 40)
	tests := []struct {
		name     string
		selected []int64
		want     float64
	}{
		{"exact set", []int64{1, 2}, 40},
		{"exact set reordered", []int64{2, 1}, 40},
		{"proper subset", []int64{1}, 0},
		{"superset", []int64{1, 2, 3}, 0},
		{"duplicates", []int64{1, 1}, 0},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Grade(q, model.AnswerPayload{ChoiceIDs: tt.selected})
			if err != nil {
				t.Fatalf("Grade: %v", err)
			}
			if res.Points != tt.want {
				t.Errorf("Points = %v, want %v", res.Points, tt.want)
			}
			if *res.IsCorrect != (tt.want > 0) {
				t.Errorf("IsCorrect = %v, want %v", *res.IsCorrect, tt.want > 0)
			}
		})
	}
}

func TestGradeText(t *testing.T) {
	q := model.Question{ID: 3, Type: model.QuestionText, Points: 50}

	res, err := Grade(q, model.AnswerPayload{Text: strPtr("Crop rotation restores nitrogen.")})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if !res.NeedsManual || res.IsCorrect != nil || res.Points != 0 {
		t.Errorf("text answer = %+v, want pending with nil correctness", res)
	}

	res, err = Grade(q, model.AnswerPayload{Text: strPtr("   ")})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if !res.NeedsManual || res.IsCorrect != nil || res.Points != 0 {
		t.Errorf("blank text answer = %+v, want pending with nil correctness", res)
	}
}

func TestGradeUnsupportedType(t *testing.T) {
	q := model.Question{ID: 4, Type: "essay", Points: 10}
	if _, err := Grade(q, model.AnswerPayload{Text: strPtr("x")}); !errors.Is(err, ErrUnsupportedQuestionType) {
		t.Fatalf("Grade err = %v, want ErrUnsupportedQuestionType", err)
	}
	_, err := Aggregate([]model.Question{singleChoice(1, 10), q}, nil)
	if !errors.Is(err, ErrUnsupportedQuestionType) {
		t.Fatalf("Aggregate err = %v, want ErrUnsupportedQuestionType", err)
	}
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		q       model.Question
		p       model.AnswerPayload
		wantErr bool
	}{
		{"single ok", singleChoice(1, 1), model.AnswerPayload{ChoiceID: int64Ptr(11)}, false},
		{"single missing", singleChoice(1, 1), model.AnswerPayload{}, true},
		{"single with text", singleChoice(1, 1), model.AnswerPayload{ChoiceID: int64Ptr(11), Text: strPtr("a")}, true},
		{"multi ok", multiChoice(2, 1), model.AnswerPayload{ChoiceIDs: []int64{1}}, false},
		{"multi empty ok", multiChoice(2, 1), model.AnswerPayload{}, false},
		{"multi with choice_id", multiChoice(2, 1), model.AnswerPayload{ChoiceID: int64Ptr(1)}, true},
		{"text ok", model.Question{Type: model.QuestionText}, model.AnswerPayload{Text: strPtr("")}, false},
		{"text missing", model.Question{Type: model.QuestionText}, model.AnswerPayload{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.q, tt.p)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePayload err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidAnswer) {
				t.Errorf("err = %v, want ErrInvalidAnswer", err)
			}
		})
	}
}

func TestAggregate(t *testing.T) {
	sc := singleChoice(1, 50)
	text := model.Question{ID: 2, Type: model.QuestionText, Points: 50}
	selected := []model.Question{sc, text}

	answers := []model.Answer{
		{QuestionID: 1, Payload: model.AnswerPayload{ChoiceID: int64Ptr(11)}},
		{QuestionID: 2, Payload: model.AnswerPayload{Text: strPtr("essay")}, NeedsManualGrading: true},
	}
	sum, err := Aggregate(selected, answers)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if sum.Score != 50 || sum.Pending != 1 || sum.Correct != 1 {
		t.Fatalf("summary = %+v, want score 50 with one pending", sum)
	}

	// A reviewer grants 20 of 50 points.
	now := time.Now()
	answers[1].NeedsManualGrading = false
	answers[1].GradedAt = &now
	answers[1].PointsAwarded = floatPtr(20)
	answers[1].IsCorrect = func() *bool { b := true; return &b }()
	sum, err = Aggregate(selected, answers)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if sum.Score != 70 || sum.Pending != 0 {
		t.Fatalf("summary = %+v, want score 70 with nothing pending", sum)
	}
	if sum.AutoScore != 50 {
		t.Errorf("AutoScore = %v, want 50 (text points are not auto-graded)", sum.AutoScore)
	}
}

func TestAggregateUnansweredCountsAsZero(t *testing.T) {
	selected := []model.Question{singleChoice(1, 10), singleChoice(2, 10), multiChoice(3, 20)}
	answers := []model.Answer{
		{QuestionID: 1, Payload: model.AnswerPayload{ChoiceID: int64Ptr(11)}},
	}
	sum, err := Aggregate(selected, answers)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if sum.Max != 40 || sum.Earned != 10 || sum.Score != 25 {
		t.Fatalf("summary = %+v, want 10/40 = 25%%", sum)
	}
}

func TestPercentAndPassed(t *testing.T) {
	if got := Percent(1, 3); got != 33.33 {
		t.Errorf("Percent(1,3) = %v, want 33.33", got)
	}
	if got := Percent(5, 0); got != 0 {
		t.Errorf("Percent(5,0) = %v, want 0", got)
	}
	if !Passed(60, 60) || Passed(59.99, 60) {
		t.Error("Passed should use >= on the passing score")
	}
}
