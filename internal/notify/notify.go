// Package notify tells learners about the outcome of their exam attempts.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/aqrarportal/examengine/internal/i18n"
	"github.com/aqrarportal/examengine/internal/model"
)

// Message is a localized notification ready to send.
type Message struct {
	UserID  int64
	Subject string
	Body    string
}

// Sender delivers a message to a learner.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log. It is used when no mail server is configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg Message) error {
	slog.Info("notification", "user_id", msg.UserID, "subject", msg.Subject, "body", msg.Body)
	return nil
}

// SMTPSender sends plain-text mail. Recipient maps a user id to an email address.
type SMTPSender struct {
	Addr      string
	From      string
	Auth      smtp.Auth
	Recipient func(userID int64) string

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender creates a sender for the server at addr (host:port). Authentication is
// used when user is set. recipient is a fmt pattern with one %d verb for the user id.
func NewSMTPSender(addr, user, password, from, recipient string) *SMTPSender {
	s := &SMTPSender{
		Addr: addr,
		From: from,
		Recipient: func(userID int64) string {
			return fmt.Sprintf(recipient, userID)
		},
		send: smtp.SendMail,
	}
	if user != "" {
		host, _, _ := strings.Cut(addr, ":")
		s.Auth = smtp.PlainAuth("", user, password, host)
	}
	return s
}

func (s *SMTPSender) Send(_ context.Context, msg Message) error {
	to := s.Recipient(msg.UserID)
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")

	send := s.send
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(s.Addr, s.Auth, s.From, []string{to}, []byte(b.String())); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}

var messageIDs = map[model.Outcome][2]string{
	model.OutcomePassed:        {"NotifyPassedSubject", "NotifyPassedBody"},
	model.OutcomeFailed:        {"NotifyFailedSubject", "NotifyFailedBody"},
	model.OutcomePendingReview: {"NotifyPendingReviewSubject", "NotifyPendingReviewBody"},
}

// Compose renders the notification in lang.
func Compose(lang string, n model.Notification) (Message, error) {
	ids, ok := messageIDs[n.Outcome]
	if !ok {
		return Message{}, fmt.Errorf("no message for outcome %q", n.Outcome)
	}
	ctx := i18n.WithLang(context.Background(), lang)
	data := map[string]any{
		"Exam":  n.ExamTitle,
		"Score": fmt.Sprintf("%.2f", n.Score),
	}
	return Message{
		UserID:  n.UserID,
		Subject: i18n.Td(ctx, ids[0], data),
		Body:    i18n.Td(ctx, ids[1], data),
	}, nil
}

// Dispatcher queues notifications and sends them from a single worker.
type Dispatcher struct {
	sender Sender
	lang   string
	queue  chan model.Notification
}

// NewDispatcher creates a Dispatcher sending in lang through sender.
func NewDispatcher(sender Sender, lang string, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		sender: sender,
		lang:   lang,
		queue:  make(chan model.Notification, queueSize),
	}
}

// Dispatch queues n without blocking. Notifications are dropped when the queue is full.
func (d *Dispatcher) Dispatch(n model.Notification) {
	select {
	case d.queue <- n:
	default:
		slog.Warn("notification queue full, dropping notification",
			"registration_id", n.RegistrationID, "outcome", n.Outcome)
	}
}

// Run sends queued notifications until ctx is cancelled, then sends whatever is
// still queued before returning. Send failures are logged.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain(context.WithoutCancel(ctx))
			return nil
		case n := <-d.queue:
			d.send(ctx, n)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case n := <-d.queue:
			d.send(ctx, n)
		default:
			return
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, n model.Notification) {
	log := slog.With("registration_id", n.RegistrationID, "user_id", n.UserID, "outcome", n.Outcome)
	msg, err := Compose(d.lang, n)
	if err != nil {
		log.Error("compose notification", "error", err)
		return
	}
	if err := d.sender.Send(ctx, msg); err != nil {
		log.Error("send notification", "error", err)
		return
	}
	log.Debug("notification sent")
}
