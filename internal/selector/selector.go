// Package selector picks the questions of an attempt and prepares them for display.
package selector

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/aqrarportal/examengine/internal/model"
)

// ErrInsufficientQuestions is returned when an exam has no questions to draw from.
var ErrInsufficientQuestions = errors.New("insufficient questions")

// Select returns the ordered question ids for one attempt. pool must be in authoring
// order. With K = exam_question_count and N = len(pool), min(K, N) unique ids are
// returned; K <= 0 means every question. The same seed always yields the same ids.
func Select(exam model.Exam, pool []model.Question, seed int64) ([]int64, error) {
	if len(pool) == 0 {
		return nil, fmt.Errorf("%w: exam %d has no questions", ErrInsufficientQuestions, exam.ID)
	}

	ids := make([]int64, len(pool))
	for i, q := range pool {
		ids[i] = q.ID
	}

	if exam.RandomizeQuestions {
		r := rand.New(rand.NewPCG(uint64(seed), uint64(exam.ID)))
		r.Shuffle(len(ids), func(i, j int) {
			ids[i], ids[j] = ids[j], ids[i]
		})
	}

	if k := exam.ExamQuestionCount; k > 0 && k < len(ids) {
		ids = ids[:k]
	}
	return ids, nil
}

// Present returns the selected questions in snapshot order without correctness
// flags. Choice order is shuffled per attempt when the exam asks for it; the
// shuffle is derived from the seed so repeated fetches agree. Questions missing
// from byID are skipped.
func Present(exam model.Exam, reg model.Registration, byID map[int64]model.Question) []model.PresentedQuestion {
	out := make([]model.PresentedQuestion, 0, len(reg.SelectedQuestionIDs))
	for i, id := range reg.SelectedQuestionIDs {
		q, ok := byID[id]
		if !ok {
			continue
		}
		pq := model.PresentedQuestion{
			ID:       q.ID,
			Position: i + 1,
			Type:     q.Type,
			Text:     q.Text,
			Points:   q.Points,
		}
		for _, c := range q.Choices {
			pq.Choices = append(pq.Choices, model.PresentedChoice{ID: c.ID, Text: c.Text})
		}
		if exam.RandomizeChoices && len(pq.Choices) > 1 {
			r := rand.New(rand.NewPCG(uint64(reg.Seed), uint64(q.ID)))
			r.Shuffle(len(pq.Choices), func(a, b int) {
				pq.Choices[a], pq.Choices[b] = pq.Choices[b], pq.Choices[a]
			})
		}
		out = append(out, pq)
	}
	return out
}

// NewSeed returns a fresh attempt seed.
func NewSeed() int64 {
	return rand.Int64()
}
