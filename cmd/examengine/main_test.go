package main

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aqrarportal/examengine/internal/attempt"
	appI18n "github.com/aqrarportal/examengine/internal/i18n"
	"github.com/aqrarportal/examengine/internal/model"
	"github.com/aqrarportal/examengine/internal/notify"
	"github.com/aqrarportal/examengine/internal/store"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingSender) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestSweepSendsNotifications(t *testing.T) {
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	ctx := context.Background()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	examID, err := db.InsertExam(ctx, model.Exam{Title: "Soil", PassingScore: 60, DurationMinutes: 10, AutoSubmit: true})
	if err != nil {
		t.Fatalf("InsertExam: %v", err)
	}
	_, err = db.InsertQuestion(ctx, model.Question{
		ExamID: examID, Type: model.QuestionSingleChoice, Text: "Which nutrient do legumes fix?", Points: 10,
		Choices: []model.Choice{{Text: "Nitrogen", IsCorrect: true}, {Text: "Potassium"}},
	})
	if err != nil {
		t.Fatalf("InsertQuestion: %v", err)
	}

	started := time.Now().Add(-time.Hour)
	past := attempt.New(db, attempt.WithClock(func() time.Time { return started }))
	for _, user := range []int64{7, 8} {
		reg, err := past.Create(ctx, user, examID)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := past.Start(ctx, reg.ID); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}

	sender := &recordingSender{}
	n, err := sweep(ctx, db, notify.NewDispatcher(sender, "en", 8))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("finalized %d attempts, want 2", n)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 2 {
		t.Fatalf("sent %d notifications, want 2", len(sender.msgs))
	}
	for _, msg := range sender.msgs {
		if !strings.Contains(msg.Subject, "Soil") {
			t.Errorf("subject = %q", msg.Subject)
		}
	}
}
