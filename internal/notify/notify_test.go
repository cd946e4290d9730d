package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aqrarportal/examengine/internal/i18n"
	"github.com/aqrarportal/examengine/internal/model"
)

func init() {
	if err := i18n.Init("en"); err != nil {
		panic(err)
	}
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
	sent chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan struct{}, 16)}
}

func (f *fakeSender) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	f.sent <- struct{}{}
	return f.err
}

func TestCompose(t *testing.T) {
	tests := []struct {
		lang    string
		outcome model.Outcome
		subject string
		body    string
	}{
		{"en", model.OutcomePassed, `You passed "Soil Health"`, "score of 72.50%"},
		{"en", model.OutcomeFailed, `Your result for "Soil Health"`, "You scored 72.50%"},
		{"en", model.OutcomePendingReview, `"Soil Health" submitted for review`, "instructor"},
		{"ru", model.OutcomePassed, "Вы сдали «Soil Health»", "72.50"},
	}
	for _, tt := range tests {
		t.Run(tt.lang+"/"+string(tt.outcome), func(t *testing.T) {
			msg, err := Compose(tt.lang, model.Notification{
				UserID: 7, ExamTitle: "Soil Health", Outcome: tt.outcome, Score: 72.5,
			})
			if err != nil {
				t.Fatalf("Compose: %v", err)
			}
			if msg.UserID != 7 {
				t.Errorf("UserID = %d, want 7", msg.UserID)
			}
			if msg.Subject != tt.subject {
				t.Errorf("Subject = %q, want %q", msg.Subject, tt.subject)
			}
			if !strings.Contains(msg.Body, tt.body) {
				t.Errorf("Body = %q, want it to contain %q", msg.Body, tt.body)
			}
		})
	}
}

func TestComposeUnknownOutcome(t *testing.T) {
	if _, err := Compose("en", model.Notification{Outcome: "timeout"}); err == nil {
		t.Error("expected error for outcome without message")
	}
}

func TestDispatcherSends(t *testing.T) {
	sender := newFakeSender()
	d := NewDispatcher(sender, "en", 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Dispatch(model.Notification{UserID: 1, RegistrationID: 10, ExamTitle: "Irrigation", Outcome: model.OutcomePassed, Score: 90})
	select {
	case <-sender.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("notification was not sent")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 1 || sender.msgs[0].Subject != `You passed "Irrigation"` {
		t.Errorf("messages = %+v", sender.msgs)
	}
}

func TestDispatcherSurvivesSendErrors(t *testing.T) {
	sender := newFakeSender()
	sender.err = errors.New("mail server down")
	d := NewDispatcher(sender, "en", 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	for range 2 {
		d.Dispatch(model.Notification{UserID: 1, Outcome: model.OutcomeFailed})
	}
	for range 2 {
		select {
		case <-sender.sent:
		case <-time.After(5 * time.Second):
			t.Fatal("worker stopped after a send error")
		}
	}
}

func TestRunSendsQueuedOnCancel(t *testing.T) {
	sender := newFakeSender()
	d := NewDispatcher(sender, "en", 4)
	for i := range 3 {
		d.Dispatch(model.Notification{UserID: int64(i + 1), ExamTitle: "Irrigation", Outcome: model.OutcomeFailed})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 3 {
		t.Fatalf("sent %d messages, want 3", len(sender.msgs))
	}
	for i, msg := range sender.msgs {
		if msg.UserID != int64(i+1) {
			t.Errorf("message %d went to user %d", i, msg.UserID)
		}
	}
}

func TestDispatchNeverBlocks(t *testing.T) {
	d := NewDispatcher(LogSender{}, "en", 1)
	finished := make(chan struct{})
	go func() {
		for range 10 {
			d.Dispatch(model.Notification{Outcome: model.OutcomePassed})
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}
}

func TestSMTPSender(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string
	s := NewSMTPSender("mail.example.org:587", "", "", "exams@example.org", "learner-%d@example.org")
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		if a != nil {
			t.Error("expected no auth without a user")
		}
		return nil
	}

	err := s.Send(context.Background(), Message{UserID: 42, Subject: "Result", Body: "You passed."})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAddr != "mail.example.org:587" || gotFrom != "exams@example.org" {
		t.Errorf("addr/from = %q/%q", gotAddr, gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "learner-42@example.org" {
		t.Errorf("to = %v", gotTo)
	}
	for _, want := range []string{"Subject: Result\r\n", "To: learner-42@example.org\r\n", "\r\n\r\nYou passed.\r\n"} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message missing %q:\n%s", want, gotMsg)
		}
	}
}

func TestSMTPSenderUsesAuth(t *testing.T) {
	s := NewSMTPSender("mail.example.org:587", "user", "secret", "exams@example.org", "%d@example.org")
	if s.Auth == nil {
		t.Fatal("expected PLAIN auth when a user is configured")
	}
}
